package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxkey/voxkey/internal/audio"
	"github.com/voxkey/voxkey/internal/config"
	"github.com/voxkey/voxkey/internal/control"
	"github.com/voxkey/voxkey/internal/feedback"
	"github.com/voxkey/voxkey/internal/inject"
	"github.com/voxkey/voxkey/internal/observability"
	"github.com/voxkey/voxkey/internal/session"
	"github.com/voxkey/voxkey/internal/stt"
	"github.com/voxkey/voxkey/internal/trigger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("backend", cfg.Backend).
		Str("listen_addr", cfg.ListenAddr).
		Str("trigger_device", cfg.TriggerDevice).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("voxkey daemon starting")

	ctx := context.Background()

	// The coordinator is wired before its collaborators exist: the capture
	// device and backend deliver events into it, while it drives them through
	// the ports it was built with. A small indirection breaks the cycle.
	sinks := &lateBoundSinks{}

	capture := audio.NewCapture(audio.Config{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}, sinks, logger)

	backend, err := stt.New(ctx, cfg, sinks, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transcription backend")
	}

	injector, err := inject.NewCommandInjector(cfg.InjectArgv(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create text injector")
	}

	var cues session.Feedback = feedback.Noop{}
	if cfg.FeedbackEnabled {
		cues = feedback.NewNotifier(logger)
	}

	var monitor session.TriggerMonitor = trigger.NoopMonitor{}
	coordinatorSink := func() session.TriggerSink { return sinks.coordinator }
	if cfg.TriggerDevice != "" {
		monitor = trigger.NewEvdevMonitor(cfg.TriggerDevice, cfg.TriggerKey, cfg.TriggerOpenMaxAttempts, deferredSink{coordinatorSink}, logger)
	} else {
		logger.Info().Msg("No trigger device configured; edges accepted over the control websocket only")
	}

	coordinator := session.NewCoordinator(capture, backend, injector, monitor, cues, cfg.HistorySize, logger)
	sinks.coordinator = coordinator

	if err := coordinator.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Trigger monitor unavailable; continuing with websocket edges only")
	}

	// Control and observability surface
	ctl := control.NewServer(coordinator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", ctl.StatusHandler())
	mux.HandleFunc("/ws", ctl.WebSocketHandler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"coordinator": func(ctx context.Context) (bool, error) {
			// The snapshot path exercises the coordinator's published state.
			_ = coordinator.Snapshot()
			return true, nil
		},
		"backend": func(ctx context.Context) (bool, error) {
			// Config was validated at startup; a nil backend means wiring
			// failed and the daemon cannot transcribe.
			if backend == nil {
				return false, fmt.Errorf("transcription backend not initialized")
			}
			return true, nil
		},
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("endpoint", fmt.Sprintf("ws://%s/ws", cfg.ListenAddr)).
			Msg("Control server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Control server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Coordinator first: it stops the trigger monitor, then cancels the
	// backend and closes the capture device.
	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Coordinator teardown reported errors")
	}
	injector.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Control server forced to shutdown")
	}

	logger.Info().Msg("Daemon exited gracefully")
}

// lateBoundSinks forwards capture and backend events to the coordinator once
// it exists.
type lateBoundSinks struct {
	coordinator *session.Coordinator
}

func (s *lateBoundSinks) CaptureComplete(sessionID uint64, buffer []byte) {
	s.coordinator.CaptureComplete(sessionID, buffer)
}

func (s *lateBoundSinks) BackendStateChanged(sessionID uint64, state session.ConnectionState) {
	s.coordinator.BackendStateChanged(sessionID, state)
}

func (s *lateBoundSinks) TextDelta(sessionID uint64, text string) {
	s.coordinator.TextDelta(sessionID, text)
}

func (s *lateBoundSinks) SessionComplete(sessionID uint64) {
	s.coordinator.SessionComplete(sessionID)
}

// deferredSink resolves the trigger sink at edge time for the same reason.
type deferredSink struct {
	resolve func() session.TriggerSink
}

func (d deferredSink) TriggerDown() { d.resolve().TriggerDown() }

func (d deferredSink) TriggerUp() { d.resolve().TriggerUp() }
