package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/voxkey/voxkey/internal/session"
)

// Config describes how the microphone is captured.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// frameSource abstracts the underlying PortAudio stream so the capture
// lifecycle can be tested without a sound card.
type frameSource interface {
	read() ([]byte, error)
	close() error
}

// Capture buffers microphone audio for one session at a time and delivers
// the finished buffer through the coordinator's EventSink. Stop finalizes
// asynchronously: the capture-complete event fires after the read loop has
// drained, not inside the Stop call.
type Capture struct {
	cfg    Config
	sink   session.EventSink
	logger zerolog.Logger

	// openStream is swapped out by tests.
	openStream func() (frameSource, error)

	mu      sync.Mutex
	active  *captureRun
	pending sync.WaitGroup
}

type captureRun struct {
	sessionID uint64
	src       frameSource
	buf       *CaptureBuffer
	stop      chan struct{}
	done      chan struct{}
}

// NewCapture creates a PortAudio-backed capture device.
func NewCapture(cfg Config, sink session.EventSink, logger zerolog.Logger) *Capture {
	c := &Capture{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}
	c.openStream = func() (frameSource, error) {
		return openPortAudioStream(cfg)
	}
	return c
}

// Start implements session.AudioCapture.
func (c *Capture) Start(ctx context.Context, sessionID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return fmt.Errorf("capture already running for session %d", c.active.sessionID)
	}

	src, err := c.openStream()
	if err != nil {
		return fmt.Errorf("failed to open capture stream: %w", err)
	}

	run := &captureRun{
		sessionID: sessionID,
		src:       src,
		buf:       NewCaptureBuffer(c.cfg.SampleRate * 2), // ~1s of 16-bit mono
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.active = run

	go c.readLoop(run)
	return nil
}

func (c *Capture) readLoop(run *captureRun) {
	defer close(run.done)

	for {
		select {
		case <-run.stop:
			return
		default:
		}

		frame, err := run.src.read()
		if len(frame) > 0 {
			run.buf.Write(frame)
		}
		if err != nil {
			// Overflow and device errors end buffering early; whatever was
			// captured is still delivered at Stop.
			c.logger.Debug().Err(err).Uint64("session_id", run.sessionID).Msg("Capture read ended")
			return
		}
	}
}

// Stop implements session.AudioCapture. It returns immediately; the
// capture-complete event is delivered once the read loop has drained and
// the stream is closed. A stop for a session that is no longer active is a
// no-op.
func (c *Capture) Stop(sessionID uint64) error {
	c.mu.Lock()
	run := c.active
	if run == nil || run.sessionID != sessionID {
		c.mu.Unlock()
		return nil
	}
	c.active = nil
	c.pending.Add(1)
	c.mu.Unlock()

	close(run.stop)

	go func() {
		defer c.pending.Done()

		<-run.done
		if err := run.src.close(); err != nil {
			c.logger.Warn().Err(err).Uint64("session_id", run.sessionID).Msg("Capture stream did not close cleanly")
		}
		c.sink.CaptureComplete(run.sessionID, run.buf.Bytes())
	}()

	return nil
}

// Close implements session.AudioCapture. It aborts any live run without
// delivering its buffer and waits for in-flight finalizations.
func (c *Capture) Close(ctx context.Context) error {
	c.mu.Lock()
	run := c.active
	c.active = nil
	c.mu.Unlock()

	if run != nil {
		close(run.stop)
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := run.src.close(); err != nil {
			c.logger.Warn().Err(err).Msg("Capture stream did not close cleanly during teardown")
		}
	}

	finished := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	paInitOnce sync.Once
	paInitErr  error
)

type portAudioSource struct {
	stream *portaudio.Stream
	frames []int16
}

func openPortAudioStream(cfg Config) (frameSource, error) {
	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return nil, paInitErr
	}

	frames := make([]int16, cfg.FramesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, frames)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}

	return &portAudioSource{stream: stream, frames: frames}, nil
}

func (s *portAudioSource) read() ([]byte, error) {
	if err := s.stream.Read(); err != nil {
		return nil, err
	}
	return int16sToBytes(s.frames), nil
}

func (s *portAudioSource) close() error {
	if err := s.stream.Stop(); err != nil {
		s.stream.Close()
		return err
	}
	return s.stream.Close()
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
