package session

import "context"

// AudioCapture is the microphone capture device. Start begins buffering
// audio for the given session; Stop asks the device to finalize, after which
// it delivers exactly one CaptureComplete to the EventSink, asynchronously.
// Close tears the device down and waits for any in-flight finalize.
type AudioCapture interface {
	Start(ctx context.Context, sessionID uint64) error
	Stop(sessionID uint64) error
	Close(ctx context.Context) error
}

// Backend is a streaming transcription service. BeginSession opens a
// session; SubmitAudio hands it the finalized capture buffer. The backend
// reports progress through the EventSink: zero or more state changes and
// text deltas, then exactly one SessionComplete. Every event it emits is
// tagged with the session id it was produced for. Cancel aborts whatever
// session is in flight; it is only called during teardown.
type Backend interface {
	BeginSession(ctx context.Context, sessionID uint64) error
	SubmitAudio(sessionID uint64, buffer []byte) error
	Cancel(ctx context.Context) error
}

// Injector synthesizes keystrokes into the focused application. Calls are
// fire-and-forget but Inject order must be preserved. Reset marks a session
// boundary.
type Injector interface {
	Inject(text string)
	Reset()
}

// TriggerMonitor watches the push-to-talk key and reports edges to a
// TriggerSink. Stop must complete before daemon shutdown proceeds.
type TriggerMonitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TriggerSink receives push-to-talk key edges. Implemented by the
// Coordinator; edge delivery may be rapid and unguarded, the sink is
// responsible for idempotence.
type TriggerSink interface {
	TriggerDown()
	TriggerUp()
}

// EventSink receives asynchronous completions from the audio and
// transcription collaborators. Implemented by the Coordinator; events whose
// session id is no longer current are discarded.
type EventSink interface {
	CaptureComplete(sessionID uint64, buffer []byte)
	BackendStateChanged(sessionID uint64, state ConnectionState)
	TextDelta(sessionID uint64, text string)
	SessionComplete(sessionID uint64)
}

// Feedback plays user-facing cues for session lifecycle moments.
type Feedback interface {
	SessionStarted()
	SessionStopped()
	TranscriptReady(text string)
}
