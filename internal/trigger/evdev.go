package trigger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxkey/voxkey/internal/resilience"
	"github.com/voxkey/voxkey/internal/session"
)

// Linux input_event wire format on 64-bit: a 16-byte timeval followed by
// type, code and value.
const (
	inputEventSize = 24

	evKey = 1

	keyValueUp     = 0
	keyValueDown   = 1
	keyValueRepeat = 2
)

// EvdevMonitor reads raw key events from a Linux evdev node and forwards
// edges for the configured key to a TriggerSink. Key autorepeat is filtered
// out: holding the push-to-talk key is one down edge, not a stream of them.
type EvdevMonitor struct {
	devicePath string
	keyCode    uint16
	sink       session.TriggerSink
	logger     zerolog.Logger
	retry      *resilience.RetryConfig

	mu   sync.Mutex
	file *os.File
	done chan struct{}
}

// NewEvdevMonitor creates a monitor for the given device node and key code.
func NewEvdevMonitor(devicePath string, keyCode uint16, maxOpenAttempts int, sink session.TriggerSink, logger zerolog.Logger) *EvdevMonitor {
	retry := resilience.DefaultRetryConfig()
	if maxOpenAttempts > 0 {
		retry.MaxAttempts = maxOpenAttempts
	}
	return &EvdevMonitor{
		devicePath: devicePath,
		keyCode:    keyCode,
		sink:       sink,
		logger:     logger.With().Str("component", "trigger").Logger(),
		retry:      retry,
	}
}

// Start implements session.TriggerMonitor. Opening the device is retried:
// right after login the node can exist before the user's group grants are
// visible to the session.
func (m *EvdevMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		return fmt.Errorf("trigger monitor already started")
	}

	var file *os.File
	err := resilience.Retry(func() error {
		f, err := os.Open(m.devicePath)
		if err != nil {
			return err
		}
		file = f
		return nil
	}, m.retry, resilience.IsRetryableDeviceError)
	if err != nil {
		return fmt.Errorf("failed to open trigger device %s: %w", m.devicePath, err)
	}

	m.file = file
	m.done = make(chan struct{})
	go m.readLoop(file, m.done)

	m.logger.Info().
		Str("device", m.devicePath).
		Uint16("key_code", m.keyCode).
		Msg("Trigger monitor started")
	return nil
}

func (m *EvdevMonitor) readLoop(file *os.File, done chan struct{}) {
	defer close(done)

	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(file, buf); err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				m.logger.Warn().Err(err).Msg("Trigger device read failed")
			}
			return
		}

		evType, code, value, ok := parseInputEvent(buf)
		if !ok || evType != evKey || code != m.keyCode {
			continue
		}

		switch value {
		case keyValueDown:
			m.sink.TriggerDown()
		case keyValueUp:
			m.sink.TriggerUp()
		case keyValueRepeat:
			// Autorepeat while held.
		}
	}
}

// Stop implements session.TriggerMonitor. It closes the device node, which
// unblocks the read loop, and waits for the loop to exit.
func (m *EvdevMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	file := m.file
	done := m.done
	m.file = nil
	m.done = nil
	m.mu.Unlock()

	if file == nil {
		return nil
	}

	err := file.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// parseInputEvent decodes the type, code and value fields of a raw
// input_event record. The leading timeval is ignored.
func parseInputEvent(buf []byte) (evType uint16, code uint16, value int32, ok bool) {
	if len(buf) < inputEventSize {
		return 0, 0, 0, false
	}
	evType = binary.LittleEndian.Uint16(buf[16:18])
	code = binary.LittleEndian.Uint16(buf[18:20])
	value = int32(binary.LittleEndian.Uint32(buf[20:24]))
	return evType, code, value, true
}

// NoopMonitor is used when no trigger device is configured; key edges then
// only arrive over the control websocket.
type NoopMonitor struct{}

func (NoopMonitor) Start(ctx context.Context) error { return nil }

func (NoopMonitor) Stop(ctx context.Context) error { return nil }
