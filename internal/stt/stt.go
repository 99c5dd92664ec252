package stt

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/voxkey/voxkey/internal/config"
	"github.com/voxkey/voxkey/internal/session"
)

// New constructs the transcription backend selected in the configuration.
func New(ctx context.Context, cfg *config.Config, sink session.EventSink, logger zerolog.Logger) (session.Backend, error) {
	switch cfg.Backend {
	case config.BackendDeepgram:
		return NewDeepgramBackend(cfg, sink, logger), nil
	case config.BackendGoogle:
		return NewGoogleBackend(ctx, cfg, sink, logger)
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", cfg.Backend)
	}
}
