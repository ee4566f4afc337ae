// Package pipeline wires configuration to adapters and hands back a ready
// usecase.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/forPelevin/phrasecut/internal/clipcache"
	"github.com/forPelevin/phrasecut/internal/config"
	"github.com/forPelevin/phrasecut/internal/encoder"
	"github.com/forPelevin/phrasecut/internal/ports"
	"github.com/forPelevin/phrasecut/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/phrasecut/internal/ports/adapters/openai"
	"github.com/forPelevin/phrasecut/internal/ports/adapters/transcript"
	"github.com/forPelevin/phrasecut/internal/render"
	"github.com/forPelevin/phrasecut/internal/session"
	"github.com/forPelevin/phrasecut/internal/usecase"
)

// Deps is the assembled application.
type Deps struct {
	Usecase  *usecase.Usecase
	Sessions *session.Registry
	Encoder  *encoder.Capability
}

// Build constructs every adapter and service from configuration and runs
// the one-time hardware encoder detection. A missing or broken ffmpeg
// surfaces later, on first use; detection failures only mean CPU encoding.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Deps, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	video := ffmpeg.New(cfg.Render.FFmpegPath, cfg.Render.FFprobePath)
	transcripts := transcript.New()

	capability := encoder.NewCapability(video, log)
	capability.Detect(ctx)

	sessions := session.NewRegistry()
	coordinator := render.New(video, capability, sessions, render.Options{
		StartPad:      cfg.Render.StartPadding,
		EndPad:        cfg.Render.EndPadding,
		Workers:       cfg.Render.Workers,
		GPUStreams:    cfg.Render.GPUStreams,
		EncodeTimeout: time.Duration(cfg.Render.EncodeTimeoutSeconds) * time.Second,
	}, log)

	var planner ports.StoryPlanner
	if key := os.Getenv(cfg.Story.APIKeyEnv); key != "" {
		if err := openai.ValidateBaseURL(cfg.Story.BaseURL); err != nil {
			return nil, err
		}
		planner = openai.New(key, cfg.Story.Model, cfg.Story.BaseURL,
			time.Duration(cfg.Story.TimeoutSeconds)*time.Second)
	}

	uc := usecase.New(usecase.Deps{
		Transcripts: transcripts,
		Video:       video,
		Planner:     planner,
		Sessions:    sessions,
		Render:      coordinator,
		Cache:       clipcache.New(log),
		Log:         log,
	}, usecase.Options{
		ClipsDir:      cfg.Paths.ClipsDir,
		MinSilence:    cfg.Search.MinSilence,
		MaxSilence:    cfg.Search.MaxSilence,
		WordThreshold: cfg.Search.SilenceWordThreshold,
		MaxResults:    cfg.Search.MaxResultsPerSegment,
	})

	return &Deps{Usecase: uc, Sessions: sessions, Encoder: capability}, nil
}

// ensure adapters implement ports
var _ ports.VideoTool = (*ffmpeg.Adapter)(nil)
var _ ports.TranscriptProvider = (*transcript.Adapter)(nil)
var _ ports.StoryPlanner = (*openai.Adapter)(nil)
