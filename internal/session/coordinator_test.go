package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeAudio struct {
	mu       sync.Mutex
	starts   []uint64
	stops    []uint64
	closed   bool
	startErr error
	stopErr  error
	closeErr error
}

func (f *fakeAudio) Start(ctx context.Context, sessionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, sessionID)
	return f.startErr
}

func (f *fakeAudio) Stop(sessionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
	return f.stopErr
}

func (f *fakeAudio) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeAudio) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

type submission struct {
	sessionID uint64
	buffer    []byte
}

type fakeBackend struct {
	mu        sync.Mutex
	begins    []uint64
	submits   []submission
	cancelled bool
	beginErr  error
	submitErr error
	cancelErr error
}

func (f *fakeBackend) BeginSession(ctx context.Context, sessionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins = append(f.begins, sessionID)
	return f.beginErr
}

func (f *fakeBackend) SubmitAudio(sessionID uint64, buffer []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submission{sessionID: sessionID, buffer: buffer})
	return f.submitErr
}

func (f *fakeBackend) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return f.cancelErr
}

type fakeInjector struct {
	mu       sync.Mutex
	injected []string
	resets   int
}

func (f *fakeInjector) Inject(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, text)
}

func (f *fakeInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeInjector) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.injected...)
}

type fakeTrigger struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	stoppedAt time.Time
	startErr  error
	stopErr   error
}

func (f *fakeTrigger) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeTrigger) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.stoppedAt = time.Now()
	return f.stopErr
}

type fakeFeedback struct {
	mu     sync.Mutex
	starts int
	stops  int
	ready  []string
}

func (f *fakeFeedback) SessionStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeFeedback) SessionStopped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeFeedback) TranscriptReady(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, text)
}

type harness struct {
	coord    *Coordinator
	audio    *fakeAudio
	backend  *fakeBackend
	injector *fakeInjector
	trigger  *fakeTrigger
	feedback *fakeFeedback
}

func newHarness() *harness {
	audio := &fakeAudio{}
	backend := &fakeBackend{}
	injector := &fakeInjector{}
	trigger := &fakeTrigger{}
	feedback := &fakeFeedback{}
	coord := NewCoordinator(audio, backend, injector, trigger, feedback, 3, zerolog.Nop())
	return &harness{
		coord:    coord,
		audio:    audio,
		backend:  backend,
		injector: injector,
		trigger:  trigger,
		feedback: feedback,
	}
}

// The handle-based tests below drive the coordinator the way its run
// goroutine does, which keeps event interleavings exact and deterministic.

func (h *harness) down() { h.coord.handle(event{kind: evTriggerDown}) }

func (h *harness) up() { h.coord.handle(event{kind: evTriggerUp}) }

func (h *harness) capture(id uint64, b []byte) {
	h.coord.handle(event{kind: evCaptureComplete, sessionID: id, buffer: b})
}
func (h *harness) state(id uint64, s ConnectionState) {
	h.coord.handle(event{kind: evBackendState, sessionID: id, state: s})
}
func (h *harness) delta(id uint64, text string) {
	h.coord.handle(event{kind: evTextDelta, sessionID: id, text: text})
}
func (h *harness) complete(id uint64) {
	h.coord.handle(event{kind: evSessionComplete, sessionID: id})
}

// runSession drives one complete session and returns its id.
func (h *harness) runSession(deltas ...string) uint64 {
	h.down()
	id := h.coord.nextID
	for _, d := range deltas {
		h.delta(id, d)
	}
	h.up()
	h.capture(id, []byte("pcm"))
	h.complete(id)
	return id
}

func TestSingleFlight(t *testing.T) {
	h := newHarness()

	h.down()
	h.down()
	h.down()

	if got := len(h.backend.begins); got != 1 {
		t.Fatalf("expected exactly one begin-session, got %d", got)
	}
	if got := len(h.audio.starts); got != 1 {
		t.Fatalf("expected exactly one audio start, got %d", got)
	}
	if h.coord.nextID != 1 {
		t.Fatalf("expected a single session allocation, got id %d", h.coord.nextID)
	}
}

func TestDeltaOrdering(t *testing.T) {
	h := newHarness()

	h.down()
	id := h.coord.nextID
	deltas := []string{"the ", "quick ", "brown ", "fox"}
	for _, d := range deltas {
		h.delta(id, d)
	}

	if got := h.coord.Snapshot().DisplayText; got != "the quick brown fox" {
		t.Fatalf("unexpected transcript: %q", got)
	}
	if got := h.injector.calls(); !reflect.DeepEqual(got, deltas) {
		t.Fatalf("injector calls out of order: %v", got)
	}
}

func TestStaleEventsDiscarded(t *testing.T) {
	h := newHarness()

	first := h.runSession("one")

	h.down()
	second := h.coord.nextID
	h.delta(second, "two")

	// Late events from the finished first session must not mutate anything.
	h.delta(first, "GHOST")
	h.capture(first, []byte("late"))
	h.state(first, ConnError)
	h.complete(first)

	snap := h.coord.Snapshot()
	if snap.DisplayText != "two" {
		t.Fatalf("stale delta mutated display text: %q", snap.DisplayText)
	}
	if !reflect.DeepEqual(snap.History, []string{"one"}) {
		t.Fatalf("stale completion mutated history: %v", snap.History)
	}
	if snap.ConnectionState == ConnError {
		t.Fatal("stale state change was applied")
	}
	for _, s := range h.backend.submits {
		if string(s.buffer) == "late" {
			t.Fatal("stale capture completion was submitted")
		}
	}
	if got := h.injector.calls(); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Fatalf("stale delta reached injector: %v", got)
	}
}

func TestHistoryBound(t *testing.T) {
	h := newHarness()

	for _, text := range []string{"a", "b", "c", "d"} {
		h.runSession(text)
	}

	got := h.coord.Snapshot().History
	if !reflect.DeepEqual(got, []string{"d", "c", "b"}) {
		t.Fatalf("unexpected history: %v", got)
	}
}

func TestEmptySessionSkipsHistory(t *testing.T) {
	h := newHarness()

	h.runSession() // no deltas: silence

	snap := h.coord.Snapshot()
	if len(snap.History) != 0 {
		t.Fatalf("empty session was recorded in history: %v", snap.History)
	}
	if snap.DisplayText != "" {
		t.Fatalf("expected empty display text, got %q", snap.DisplayText)
	}
	if len(h.feedback.ready) != 0 {
		t.Fatal("transcript-ready feedback fired for an empty session")
	}
}

func TestFullSessionFlow(t *testing.T) {
	h := newHarness()

	h.down()
	id := h.coord.nextID
	h.delta(id, "hel")
	h.delta(id, "lo")
	h.up()

	if h.coord.Snapshot().IsRecording {
		t.Fatal("still recording after trigger release")
	}

	buf := []byte{1, 2, 3}
	h.capture(id, buf)
	h.complete(id)

	snap := h.coord.Snapshot()
	if snap.DisplayText != "hello" {
		t.Fatalf("unexpected display text: %q", snap.DisplayText)
	}
	if !reflect.DeepEqual(snap.History, []string{"hello"}) {
		t.Fatalf("unexpected history: %v", snap.History)
	}
	if snap.LastDurationSeconds == nil {
		t.Fatal("expected last duration to be recorded")
	}

	if len(h.backend.submits) != 1 || h.backend.submits[0].sessionID != id {
		t.Fatalf("unexpected submissions: %+v", h.backend.submits)
	}
	if !reflect.DeepEqual(h.backend.submits[0].buffer, buf) {
		t.Fatal("capture buffer was not forwarded intact")
	}
	if h.injector.resets != 1 {
		t.Fatalf("expected one injector reset, got %d", h.injector.resets)
	}
	if h.feedback.starts != 1 || h.feedback.stops != 1 {
		t.Fatalf("unexpected feedback counts: starts=%d stops=%d", h.feedback.starts, h.feedback.stops)
	}
}

func TestTriggerUpWithoutSession(t *testing.T) {
	h := newHarness()

	h.up()

	if h.audio.stopCount() != 0 {
		t.Fatal("audio stop issued without an active session")
	}
	if h.coord.Snapshot().IsRecording {
		t.Fatal("phantom recording state")
	}
}

func TestTriggerUpIdempotent(t *testing.T) {
	h := newHarness()

	h.down()
	h.up()
	h.up()
	h.up()

	if got := h.audio.stopCount(); got != 1 {
		t.Fatalf("expected one audio stop, got %d", got)
	}
	if h.feedback.stops != 1 {
		t.Fatalf("expected one stop cue, got %d", h.feedback.stops)
	}
}

func TestBackendErrorKeepsSessionOpen(t *testing.T) {
	h := newHarness()

	h.down()
	id := h.coord.nextID
	h.state(id, ConnError)

	if got := h.coord.Snapshot().ConnectionState; got != ConnError {
		t.Fatalf("expected error connection state, got %q", got)
	}

	// The error alone does not close the session: the guard holds.
	h.down()
	if len(h.backend.begins) != 1 {
		t.Fatal("error state released the single-flight guard")
	}

	// Only explicit completion closes it.
	h.complete(id)
	h.down()
	if len(h.backend.begins) != 2 {
		t.Fatal("completion did not release the guard")
	}
}

func TestDisplayTextPersistsUntilNextSession(t *testing.T) {
	h := newHarness()

	h.runSession("first take")
	if got := h.coord.Snapshot().DisplayText; got != "first take" {
		t.Fatalf("display text not retained after completion: %q", got)
	}

	h.down()
	if got := h.coord.Snapshot().DisplayText; got != "" {
		t.Fatalf("display text not cleared on new session: %q", got)
	}
}

func TestConnectionStateMirrorsBackend(t *testing.T) {
	h := newHarness()

	h.down()
	id := h.coord.nextID

	for _, st := range []ConnectionState{ConnRecording, ConnTranscribing, ConnIdle} {
		h.state(id, st)
		if got := h.coord.Snapshot().ConnectionState; got != st {
			t.Fatalf("expected connection state %q, got %q", st, got)
		}
	}
}

func TestBeginSessionFailureSignalsErrorState(t *testing.T) {
	h := newHarness()
	h.backend.beginErr = errors.New("backend unreachable")

	ch, cancel := h.coord.Subscribe()
	defer cancel()

	h.down()

	if got := h.coord.Snapshot().ConnectionState; got != ConnError {
		t.Fatalf("expected connection state %q, got %q", ConnError, got)
	}
	if h.coord.current == nil {
		t.Fatal("session should remain open after a failed begin")
	}

	var notifs []Notification
	for len(ch) > 0 {
		notifs = append(notifs, <-ch)
	}
	if len(notifs) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(notifs), notifs)
	}
	if notifs[0].Type != NotifyRecordingStarted {
		t.Fatalf("expected recording-started first, got %q", notifs[0].Type)
	}
	if notifs[1].Type != NotifyStateChanged || notifs[1].State != ConnError {
		t.Fatalf("expected state-changed to %q, got %+v", ConnError, notifs[1])
	}
}

func TestSubscribeNotifications(t *testing.T) {
	h := newHarness()

	ch, cancel := h.coord.Subscribe()
	defer cancel()

	h.runSession("note")

	var types []NotificationType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}

	want := []NotificationType{
		NotifyRecordingStarted,
		NotifyTextDelta,
		NotifyRecordingStopped,
		NotifySessionComplete,
	}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("unexpected notification sequence: %v", types)
	}
}

func TestCloseTeardownOrder(t *testing.T) {
	h := newHarness()

	ctx := context.Background()
	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := h.coord.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if !h.trigger.stopped {
		t.Fatal("trigger monitor was not stopped")
	}
	if !h.backend.cancelled {
		t.Fatal("backend was not cancelled")
	}
	if !h.audio.closed {
		t.Fatal("audio capture was not closed")
	}
}

func TestCloseProceedsDespiteFailures(t *testing.T) {
	h := newHarness()
	h.backend.cancelErr = errors.New("cancel timed out")
	h.audio.closeErr = errors.New("device wedged")

	ctx := context.Background()
	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	err := h.coord.Close(ctx)
	if err == nil {
		t.Fatal("expected teardown errors to be reported")
	}
	if !h.trigger.stopped || !h.backend.cancelled || !h.audio.closed {
		t.Fatal("teardown did not reach all collaborators")
	}
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	h := newHarness()

	ctx := context.Background()
	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.coord.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Must not block or panic.
	h.coord.TriggerDown()
	h.coord.TextDelta(1, "late")
	h.coord.SessionComplete(1)
}

func TestMailboxDelivery(t *testing.T) {
	h := newHarness()

	ctx := context.Background()
	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.coord.Close(ctx)

	h.coord.TriggerDown()
	waitFor(t, func() bool { return h.coord.Snapshot().IsRecording })

	id := h.coord.Snapshot().SessionID
	h.coord.TextDelta(id, "via ")
	h.coord.TextDelta(id, "mailbox")
	waitFor(t, func() bool { return h.coord.Snapshot().DisplayText == "via mailbox" })

	h.coord.TriggerUp()
	waitFor(t, func() bool { return !h.coord.Snapshot().IsRecording })

	h.coord.CaptureComplete(id, []byte("pcm"))
	h.coord.SessionComplete(id)
	waitFor(t, func() bool { return len(h.coord.Snapshot().History) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
