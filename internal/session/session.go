package session

import (
	"strings"
	"time"
)

// ConnectionState mirrors the transcription backend's last reported state.
// It drives presentation only and never gates coordinator logic.
type ConnectionState string

const (
	ConnIdle         ConnectionState = "idle"
	ConnRecording    ConnectionState = "recording"
	ConnTranscribing ConnectionState = "transcribing"
	ConnError        ConnectionState = "error"
)

// activeSession is one push-to-talk attempt, owned exclusively by the
// coordinator loop. It is logically closed when SessionComplete for its id
// is processed.
type activeSession struct {
	id         uint64
	startedAt  time.Time
	transcript strings.Builder

	// stopped is set on trigger release; the session stays active until the
	// backend reports completion.
	stopped  bool
	duration float64
}

// Snapshot is the observable state exposed to the presentation layer.
type Snapshot struct {
	IsRecording         bool            `json:"isRecording"`
	DisplayText         string          `json:"displayText"`
	History             []string        `json:"history"`
	ConnectionState     ConnectionState `json:"connectionState"`
	LastDurationSeconds *float64        `json:"lastDurationSeconds,omitempty"`
	SessionID           uint64          `json:"sessionId"`
}

// NotificationType identifies a coordinator lifecycle notification.
type NotificationType string

const (
	NotifyRecordingStarted NotificationType = "recording_started"
	NotifyRecordingStopped NotificationType = "recording_stopped"
	NotifyStateChanged     NotificationType = "state_changed"
	NotifyTextDelta        NotificationType = "text_delta"
	NotifySessionComplete  NotificationType = "session_complete"
	NotifyNoTranscript     NotificationType = "no_transcript"
)

// Notification is pushed to subscribers (the control server) as sessions
// progress.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID uint64           `json:"sessionId"`
	State     ConnectionState  `json:"state,omitempty"`
	Text      string           `json:"text,omitempty"`
}
