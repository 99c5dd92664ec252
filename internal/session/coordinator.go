package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxkey/voxkey/internal/observability"
)

// Coordinator owns the push-to-talk session lifecycle. Trigger edges, the
// audio device's capture completion, and the backend's event stream are
// three independently timed sources; all of them post into one mailbox that
// a single goroutine drains, so session state never needs a lock.
//
// Commands issued to collaborators (audio start/stop, backend begin/submit)
// are fire-and-forget: the loop never blocks on their completion except
// during Close.
type Coordinator struct {
	audio    AudioCapture
	backend  Backend
	injector Injector
	trigger  TriggerMonitor
	feedback Feedback
	logger   zerolog.Logger

	events chan event
	quit   chan struct{}
	done   chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
	runCtx    context.Context

	// Loop-owned state. Only the run goroutine touches these.
	nextID       uint64
	current      *activeSession
	history      *History
	displayText  string
	connState    ConnectionState
	lastDuration *float64

	// Published copy of the observable state, refreshed after every event.
	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Notification]struct{}
}

type eventKind int

const (
	evTriggerDown eventKind = iota
	evTriggerUp
	evCaptureComplete
	evBackendState
	evTextDelta
	evSessionComplete
)

// event is one mailbox entry. sessionID is zero for trigger edges, which
// are not produced on behalf of any session.
type event struct {
	kind      eventKind
	sessionID uint64
	buffer    []byte
	state     ConnectionState
	text      string
}

// NewCoordinator assembles a coordinator. Start must be called before any
// events are delivered.
func NewCoordinator(
	audio AudioCapture,
	backend Backend,
	injector Injector,
	trigger TriggerMonitor,
	feedback Feedback,
	historySize int,
	logger zerolog.Logger,
) *Coordinator {
	c := &Coordinator{
		audio:     audio,
		backend:   backend,
		injector:  injector,
		trigger:   trigger,
		feedback:  feedback,
		logger:    logger,
		events:    make(chan event, 128),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
		history:   NewHistory(historySize),
		connState: ConnIdle,
		subs:      make(map[chan Notification]struct{}),
	}
	c.snap = Snapshot{History: c.history.Entries(), ConnectionState: ConnIdle}
	return c
}

// Start launches the mailbox loop and the trigger monitor. A trigger
// monitor failure is returned but does not disable the coordinator: edges
// can still arrive through the control surface.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	c.runCtx = ctx

	go c.run()

	if err := c.trigger.Start(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Trigger monitor failed to start; only control-surface edges will be accepted")
		return err
	}
	return nil
}

// Close tears the coordinator down: the trigger monitor is stopped first and
// synchronously, since it is the sole input source; then the mailbox stops
// dispatching; then backend cancel and audio stop run concurrently and are
// both awaited. Cancel/stop failures are reported but never block shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		if err := c.trigger.Stop(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Trigger monitor did not stop cleanly")
			closeErr = err
		}

		close(c.quit)
		if c.started.Load() {
			select {
			case <-c.done:
			case <-ctx.Done():
				closeErr = errors.Join(closeErr, ctx.Err())
			}
		}

		var wg sync.WaitGroup
		var backendErr, audioErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			backendErr = c.backend.Cancel(ctx)
		}()
		go func() {
			defer wg.Done()
			audioErr = c.audio.Close(ctx)
		}()
		wg.Wait()

		if backendErr != nil {
			c.logger.Warn().Err(backendErr).Msg("Backend cancel failed during teardown")
		}
		if audioErr != nil {
			c.logger.Warn().Err(audioErr).Msg("Audio capture close failed during teardown")
		}
		closeErr = errors.Join(closeErr, backendErr, audioErr)

		c.subMu.Lock()
		for ch := range c.subs {
			close(ch)
			delete(c.subs, ch)
		}
		c.subMu.Unlock()
	})

	return closeErr
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) post(ev event) {
	select {
	case <-c.quit:
		// Tearing down; late events are dropped.
	case c.events <- ev:
	}
}

// TriggerDown implements TriggerSink.
func (c *Coordinator) TriggerDown() { c.post(event{kind: evTriggerDown}) }

// TriggerUp implements TriggerSink.
func (c *Coordinator) TriggerUp() { c.post(event{kind: evTriggerUp}) }

// CaptureComplete implements EventSink.
func (c *Coordinator) CaptureComplete(sessionID uint64, buffer []byte) {
	c.post(event{kind: evCaptureComplete, sessionID: sessionID, buffer: buffer})
}

// BackendStateChanged implements EventSink.
func (c *Coordinator) BackendStateChanged(sessionID uint64, state ConnectionState) {
	c.post(event{kind: evBackendState, sessionID: sessionID, state: state})
}

// TextDelta implements EventSink.
func (c *Coordinator) TextDelta(sessionID uint64, text string) {
	c.post(event{kind: evTextDelta, sessionID: sessionID, text: text})
}

// SessionComplete implements EventSink.
func (c *Coordinator) SessionComplete(sessionID uint64) {
	c.post(event{kind: evSessionComplete, sessionID: sessionID})
}

// handle processes one mailbox event. Called only from the run goroutine
// (and directly by tests, which stand in for it).
func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evTriggerDown:
		c.handleTriggerDown()
	case evTriggerUp:
		c.handleTriggerUp()
	case evCaptureComplete:
		c.handleCaptureComplete(ev.sessionID, ev.buffer)
	case evBackendState:
		c.handleBackendState(ev.sessionID, ev.state)
	case evTextDelta:
		c.handleTextDelta(ev.sessionID, ev.text)
	case evSessionComplete:
		c.handleSessionComplete(ev.sessionID)
	}
	c.publish()
}

func (c *Coordinator) handleTriggerDown() {
	if c.current != nil {
		// Single-flight guard: no nested sessions.
		observability.RecordIgnoredEdge("down")
		c.logger.Debug().Uint64("active_session", c.current.id).Msg("Trigger down ignored, session already active")
		return
	}

	c.nextID++
	id := c.nextID
	c.current = &activeSession{id: id, startedAt: time.Now()}
	c.displayText = ""
	observability.RecordSessionStart()

	logger := observability.SessionLogger(c.logger, observability.NewCorrelationID(), id)
	logger.Info().Msg("Session started")

	// Side effects are fire-and-forget; none waits for another.
	if err := c.audio.Start(c.runCtx, id); err != nil {
		logger.Warn().Err(err).Msg("Audio capture failed to start")
	}
	beginErr := c.backend.BeginSession(c.runCtx, id)
	if beginErr != nil {
		logger.Warn().Err(beginErr).Msg("Backend session failed to begin")
	}
	c.injector.Reset()
	c.feedback.SessionStarted()

	c.notify(Notification{Type: NotifyRecordingStarted, SessionID: id})

	if beginErr != nil {
		// Surfaced like any backend-reported error so subscribers see the
		// same state the snapshot does.
		c.handleBackendState(id, ConnError)
	}
}

func (c *Coordinator) handleTriggerUp() {
	if c.current == nil || c.current.stopped {
		// No active session, or the trigger was already released.
		observability.RecordIgnoredEdge("up")
		return
	}

	c.current.stopped = true
	c.current.duration = time.Since(c.current.startedAt).Seconds()
	d := c.current.duration
	c.lastDuration = &d
	observability.RecordSessionStop(d)

	c.logger.Info().Uint64("session_id", c.current.id).Float64("duration_s", d).Msg("Trigger released, settling")

	// Stop only halts new audio input. Transcription of what was captured
	// runs on to completion; nothing is cancelled here.
	if err := c.audio.Stop(c.current.id); err != nil {
		c.logger.Warn().Err(err).Uint64("session_id", c.current.id).Msg("Audio capture failed to stop cleanly")
	}
	c.feedback.SessionStopped()

	c.notify(Notification{Type: NotifyRecordingStopped, SessionID: c.current.id})
}

func (c *Coordinator) handleCaptureComplete(sessionID uint64, buffer []byte) {
	if c.current == nil || c.current.id != sessionID {
		observability.RecordStaleEvent("audio")
		c.logger.Debug().Uint64("session_id", sessionID).Msg("Stale capture completion discarded")
		return
	}

	observability.RecordCaptureBytes(len(buffer))
	if err := c.backend.SubmitAudio(sessionID, buffer); err != nil {
		// Absorbed: the session will simply never complete with useful
		// text, and the next trigger press starts fresh.
		c.logger.Warn().Err(err).Uint64("session_id", sessionID).Msg("Audio submission failed")
	}
}

func (c *Coordinator) handleBackendState(sessionID uint64, state ConnectionState) {
	if c.current == nil || c.current.id != sessionID {
		observability.RecordStaleEvent("backend")
		return
	}

	c.connState = state
	if state == ConnError {
		// An error state does not close the session; only an explicit
		// completion or teardown does. A backend that errors without ever
		// completing leaves the session open and the guard engaged.
		c.logger.Warn().Uint64("session_id", sessionID).Msg("Backend reported error state; session remains open until completion")
	}

	c.notify(Notification{Type: NotifyStateChanged, SessionID: sessionID, State: state})
}

func (c *Coordinator) handleTextDelta(sessionID uint64, text string) {
	if c.current == nil || c.current.id != sessionID {
		observability.RecordStaleEvent("backend")
		return
	}

	c.current.transcript.WriteString(text)
	c.displayText = c.current.transcript.String()
	c.injector.Inject(text)
	observability.RecordTextDelta(len(text))

	c.notify(Notification{Type: NotifyTextDelta, SessionID: sessionID, Text: text})
}

func (c *Coordinator) handleSessionComplete(sessionID uint64) {
	if c.current == nil || c.current.id != sessionID {
		observability.RecordStaleEvent("backend")
		return
	}

	transcript := c.current.transcript.String()
	if transcript != "" {
		c.history.Insert(transcript)
		c.feedback.TranscriptReady(transcript)
		observability.RecordSessionComplete(true)
		c.logger.Info().Uint64("session_id", sessionID).Int("chars", len(transcript)).Msg("Session complete")
		c.notify(Notification{Type: NotifySessionComplete, SessionID: sessionID, Text: transcript})
	} else {
		observability.RecordSessionComplete(false)
		c.logger.Info().Uint64("session_id", sessionID).Msg("Session complete with empty transcript")
		c.notify(Notification{Type: NotifyNoTranscript, SessionID: sessionID})
	}

	// DisplayText keeps showing the finished transcript until the next
	// trigger press.
	c.current = nil
}

func (c *Coordinator) publish() {
	snap := Snapshot{
		IsRecording:     c.current != nil && !c.current.stopped,
		DisplayText:     c.displayText,
		History:         c.history.Entries(),
		ConnectionState: c.connState,
		SessionID:       c.nextID,
	}
	if c.lastDuration != nil {
		d := *c.lastDuration
		snap.LastDurationSeconds = &d
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	snap := c.snap
	snap.History = append([]string(nil), c.snap.History...)
	if c.snap.LastDurationSeconds != nil {
		d := *c.snap.LastDurationSeconds
		snap.LastDurationSeconds = &d
	}
	return snap
}

// Subscribe registers a notification listener. Slow listeners lose
// notifications rather than stalling the coordinator. The returned cancel
// function unregisters and closes the channel.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Coordinator) notify(n Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- n:
		default:
			// Listener is behind; drop rather than block the loop.
		}
	}
}
