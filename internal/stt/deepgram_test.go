package stt

import (
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/voxkey/voxkey/internal/config"
	"github.com/voxkey/voxkey/internal/resilience"
	"github.com/voxkey/voxkey/internal/session"
)

func newTestDeepgramBackend(sink *recordingSink) (*DeepgramBackend, *deepgramRun) {
	cfg := &config.Config{
		DeepgramAPIKey:             "test-key",
		DeepgramModel:              "nova-2",
		DeepgramLanguage:           "en",
		SampleRate:                 16000,
		Channels:                   1,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
	d := &DeepgramBackend{
		cfg:     cfg,
		sink:    sink,
		logger:  zerolog.Nop(),
		breaker: resilience.NewCircuitBreaker("deepgram", 5, 0),
	}
	run := &deepgramRun{sessionID: 7}
	d.run = run
	return d, run
}

func finalMessage(transcript string) *msginterfaces.MessageResponse {
	return &msginterfaces.MessageResponse{
		Type:    "Results",
		IsFinal: true,
		Channel: msginterfaces.Channel{
			Alternatives: []msginterfaces.Alternative{
				{Transcript: transcript},
			},
		},
	}
}

func interimMessage(transcript string) *msginterfaces.MessageResponse {
	msg := finalMessage(transcript)
	msg.IsFinal = false
	return msg
}

func TestDeepgramFinalResultsBecomeDeltas(t *testing.T) {
	sink := &recordingSink{}
	d, run := newTestDeepgramBackend(sink)

	d.handleMessage(run, finalMessage("hello world"))
	d.handleMessage(run, finalMessage("second part"))

	assert.Equal(t, []string{"hello world", " second part"}, sink.snapshotDeltas())
}

func TestDeepgramInterimSignalsTranscribingOnce(t *testing.T) {
	sink := &recordingSink{}
	d, run := newTestDeepgramBackend(sink)

	d.handleMessage(run, interimMessage("hel"))
	d.handleMessage(run, interimMessage("hello"))

	assert.Equal(t, []session.ConnectionState{session.ConnTranscribing}, sink.snapshotStates())
	assert.Empty(t, sink.snapshotDeltas())
}

func TestDeepgramEmptyTranscriptIgnored(t *testing.T) {
	sink := &recordingSink{}
	d, run := newTestDeepgramBackend(sink)

	d.handleMessage(run, finalMessage(""))
	d.handleMessage(run, &msginterfaces.MessageResponse{})
	d.handleMessage(run, nil)

	assert.Empty(t, sink.snapshotDeltas())
}

func TestDeepgramCloseCompletesOnce(t *testing.T) {
	sink := &recordingSink{}
	d, run := newTestDeepgramBackend(sink)

	d.handleClose(run)
	d.handleClose(run)

	assert.Equal(t, []uint64{7}, sink.snapshotCompleted())
	assert.Nil(t, d.run, "completed run should be released")
}

func TestDeepgramErrorReportsStateWithoutCompleting(t *testing.T) {
	sink := &recordingSink{}
	d, run := newTestDeepgramBackend(sink)

	d.handleError(run, &msginterfaces.ErrorResponse{})

	assert.Equal(t, []session.ConnectionState{session.ConnError}, sink.snapshotStates())
	assert.Empty(t, sink.snapshotCompleted(), "errors do not end the session; the close event does")
}

func TestDeepgramSubmitAudioWithoutSession(t *testing.T) {
	sink := &recordingSink{}
	d, _ := newTestDeepgramBackend(sink)
	d.run = nil

	err := d.SubmitAudio(7, []byte{1})
	assert.Error(t, err)
}
