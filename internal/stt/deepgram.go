package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/voxkey/voxkey/internal/config"
	"github.com/voxkey/voxkey/internal/observability"
	"github.com/voxkey/voxkey/internal/resilience"
	"github.com/voxkey/voxkey/internal/session"
)

// DeepgramBackend streams captured audio to Deepgram's live transcription
// API. Each push-to-talk session gets its own WebSocket connection: short
// utterances do not justify keeping a connection warm, and a fresh socket
// means a dead one can never leak results into the next session.
type DeepgramBackend struct {
	cfg     *config.Config
	sink    session.EventSink
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	mu  sync.Mutex
	run *deepgramRun
}

type deepgramRun struct {
	sessionID uint64
	client    *listenClient.WSCallback
	cancel    context.CancelFunc

	mu           sync.Mutex
	emitted      bool
	transcribing bool
	completeOnce sync.Once
}

// NewDeepgramBackend creates a Deepgram-backed transcription backend.
func NewDeepgramBackend(cfg *config.Config, sink session.EventSink, logger zerolog.Logger) *DeepgramBackend {
	return &DeepgramBackend{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("backend", "deepgram").Logger(),
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// BeginSession implements session.Backend. It opens a fresh Deepgram
// WebSocket for the session; results flow back through the EventSink tagged
// with sessionID.
func (d *DeepgramBackend) BeginSession(ctx context.Context, sessionID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != nil {
		return fmt.Errorf("deepgram session %d is already active", d.run.sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &deepgramRun{sessionID: sessionID, cancel: cancel}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       d.cfg.Channels,
		SampleRate:     d.cfg.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              func(msg *msginterfaces.MessageResponse) { d.handleMessage(run, msg) },
		onClose:                func() { d.handleClose(run) },
		onError:                func(errResp *msginterfaces.ErrorResponse) { d.handleError(run, errResp) },
	}

	client, err := listenClient.NewWSUsingCallback(runCtx, d.cfg.DeepgramAPIKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		d.breaker.RecordResult(false)
		observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
		return fmt.Errorf("failed to create deepgram client: %w", err)
	}

	if !client.Connect() {
		cancel()
		d.breaker.RecordResult(false)
		observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
		return fmt.Errorf("failed to connect to deepgram")
	}

	run.client = client
	d.run = run
	d.breaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))

	d.logger.Debug().
		Uint64("session_id", sessionID).
		Str("model", d.cfg.DeepgramModel).
		Str("language", d.cfg.DeepgramLanguage).
		Msg("Deepgram session opened")
	return nil
}

// SubmitAudio implements session.Backend. The finalized capture buffer is
// written in one shot, then the stream is finished so Deepgram flushes its
// final results and closes.
func (d *DeepgramBackend) SubmitAudio(sessionID uint64, buffer []byte) error {
	d.mu.Lock()
	run := d.run
	d.mu.Unlock()

	if run == nil || run.sessionID != sessionID {
		return fmt.Errorf("no active deepgram session for %d", sessionID)
	}

	err := d.breaker.Call(func() error {
		if _, err := run.client.Write(buffer); err != nil {
			return fmt.Errorf("failed to send audio to deepgram: %w", err)
		}
		run.client.Finish()
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
	}
	return err
}

// Cancel implements session.Backend. It tears down whatever connection is in
// flight without waiting for results.
func (d *DeepgramBackend) Cancel(ctx context.Context) error {
	d.mu.Lock()
	run := d.run
	d.run = nil
	d.mu.Unlock()

	if run == nil {
		return nil
	}

	run.client.Stop()
	run.cancel()
	return nil
}

func (d *DeepgramBackend) handleMessage(run *deepgramRun, msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return
	}

	if !msg.IsFinal {
		run.mu.Lock()
		first := !run.transcribing
		run.transcribing = true
		run.mu.Unlock()
		if first {
			d.sink.BackendStateChanged(run.sessionID, session.ConnTranscribing)
		}
		return
	}

	run.mu.Lock()
	if run.emitted {
		text = " " + strings.TrimLeft(text, " ")
	}
	run.emitted = true
	run.mu.Unlock()

	d.sink.TextDelta(run.sessionID, text)
}

func (d *DeepgramBackend) handleClose(run *deepgramRun) {
	run.completeOnce.Do(func() {
		d.logger.Debug().Uint64("session_id", run.sessionID).Msg("Deepgram connection closed")
		d.mu.Lock()
		if d.run == run {
			d.run = nil
		}
		d.mu.Unlock()
		d.sink.SessionComplete(run.sessionID)
	})
}

func (d *DeepgramBackend) handleError(run *deepgramRun, errResp *msginterfaces.ErrorResponse) {
	d.logger.Warn().Interface("deepgram_error", errResp).Uint64("session_id", run.sessionID).Msg("Deepgram reported an error")
	observability.RecordBackendError("deepgram")
	d.breaker.RecordResult(false)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
	observability.IncrementCircuitBreakerFailures("deepgram")
	d.sink.BackendStateChanged(run.sessionID, session.ConnError)
}

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the messages the backend
// cares about.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onClose   func()
	onError   func(*msginterfaces.ErrorResponse)
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.onMessage(msg)
	return nil
}

func (m *messageCallbackHandler) Close(closeResp *msginterfaces.CloseResponse) error {
	m.onClose()
	return nil
}

func (m *messageCallbackHandler) Error(errResp *msginterfaces.ErrorResponse) error {
	m.onError(errResp)
	return nil
}
