package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/voxkey/voxkey/internal/config"
	"github.com/voxkey/voxkey/internal/observability"
	"github.com/voxkey/voxkey/internal/session"
)

// streamingRecognizeClient wraps the methods we need from
// speechpb.Speech_StreamingRecognizeClient to enable easier testing.
type streamingRecognizeClient interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// GoogleBackend streams captured audio to Google Cloud Speech-to-Text over
// gRPC. One StreamingRecognize stream is opened per push-to-talk session.
type GoogleBackend struct {
	cfg    *config.Config
	sink   session.EventSink
	logger zerolog.Logger
	client *speech.Client

	// openStream is swapped out by tests.
	openStream func(ctx context.Context) (streamingRecognizeClient, error)

	mu  sync.Mutex
	run *googleRun
}

type googleRun struct {
	sessionID uint64
	stream    streamingRecognizeClient
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	emitted      bool
	transcribing bool
}

// NewGoogleBackend dials the Speech API using Application Default
// Credentials.
func NewGoogleBackend(ctx context.Context, cfg *config.Config, sink session.EventSink, logger zerolog.Logger) (*GoogleBackend, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	g := &GoogleBackend{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("backend", "google").Logger(),
		client: client,
	}
	g.openStream = g.openRecognizeStream
	return g, nil
}

func (g *GoogleBackend) openRecognizeStream(ctx context.Context) (streamingRecognizeClient, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(g.cfg.SampleRate),
					LanguageCode:    g.cfg.GoogleLanguage,
				},
				InterimResults: true,
			},
		},
	}
	if err := stream.Send(req); err != nil {
		stream.CloseSend()
		return nil, err
	}

	return stream, nil
}

// BeginSession implements session.Backend.
func (g *GoogleBackend) BeginSession(ctx context.Context, sessionID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.run != nil {
		return fmt.Errorf("google session %d is already active", g.run.sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := g.openStream(runCtx)
	if err != nil {
		cancel()
		observability.RecordBackendError("google")
		return fmt.Errorf("failed to open recognize stream: %w", err)
	}

	run := &googleRun{
		sessionID: sessionID,
		stream:    stream,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	g.run = run

	go g.receiveLoop(run)

	g.logger.Debug().
		Uint64("session_id", sessionID).
		Str("language", g.cfg.GoogleLanguage).
		Msg("Google recognize stream opened")
	return nil
}

// receiveLoop drains recognition results until the stream ends. The stream
// ending, cleanly or not, is the only completion signal Google gives us, so
// the loop always finishes with exactly one SessionComplete.
func (g *GoogleBackend) receiveLoop(run *googleRun) {
	defer close(run.done)
	defer func() {
		g.mu.Lock()
		if g.run == run {
			g.run = nil
		}
		g.mu.Unlock()
		g.sink.SessionComplete(run.sessionID)
	}()

	for {
		resp, err := run.stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			g.logger.Warn().Err(err).Uint64("session_id", run.sessionID).Msg("Google recognize stream failed")
			observability.RecordBackendError("google")
			g.sink.BackendStateChanged(run.sessionID, session.ConnError)
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			text := result.Alternatives[0].Transcript
			if text == "" {
				continue
			}

			if !result.IsFinal {
				run.mu.Lock()
				first := !run.transcribing
				run.transcribing = true
				run.mu.Unlock()
				if first {
					g.sink.BackendStateChanged(run.sessionID, session.ConnTranscribing)
				}
				continue
			}

			run.mu.Lock()
			if run.emitted {
				text = " " + strings.TrimLeft(text, " ")
			}
			run.emitted = true
			run.mu.Unlock()

			g.sink.TextDelta(run.sessionID, text)
		}
	}
}

// SubmitAudio implements session.Backend. The buffer is sent in one request
// and the stream is half-closed so the server flushes its final results.
func (g *GoogleBackend) SubmitAudio(sessionID uint64, buffer []byte) error {
	g.mu.Lock()
	run := g.run
	g.mu.Unlock()

	if run == nil || run.sessionID != sessionID {
		return fmt.Errorf("no active google session for %d", sessionID)
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: buffer,
		},
	}
	if err := run.stream.Send(req); err != nil {
		observability.RecordBackendError("google")
		return fmt.Errorf("failed to send audio to google: %w", err)
	}

	if err := run.stream.CloseSend(); err != nil {
		observability.RecordBackendError("google")
		return fmt.Errorf("failed to close recognize stream: %w", err)
	}
	return nil
}

// Cancel implements session.Backend. It aborts the in-flight stream and
// waits for its receive loop to drain, then closes the underlying client.
func (g *GoogleBackend) Cancel(ctx context.Context) error {
	g.mu.Lock()
	run := g.run
	g.run = nil
	g.mu.Unlock()

	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
