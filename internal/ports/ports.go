package ports

import (
	"context"
	"fmt"

	"github.com/forPelevin/phrasecut/internal/types"
)

type TranscriptProvider interface {
	Transcript(ctx context.Context, videoPath string) (types.Transcript, error)
}

// ProcessOpts controls the normalization pass applied to a video before
// concatenation.
type ProcessOpts struct {
	StartTrim float64 // seconds removed from the head
	Duration  float64 // output duration in seconds
	Speed     float64 // playback rate in (0, 1]; 1 leaves timing alone
	Width     int
	Height    int
}

type VideoTool interface {
	RenderClip(ctx context.Context, inPath string, start, end float64, fps string, videoArgs []string, outPath string) error
	ProcessVideo(ctx context.Context, inPath string, opts ProcessOpts, outPath string) error
	Concat(ctx context.Context, listPath string, codecArgs []string, outPath string) error
	ProbeDuration(ctx context.Context, inPath string) (float64, error)
	ProbeFPS(ctx context.Context, inPath string) (string, error)
	ProbeDimensions(ctx context.Context, inPath string) (int, int, error)
	HasVideoStream(ctx context.Context, inPath string) (bool, error)
	ListEncoders(ctx context.Context) (string, error)
	ProbeEncoder(ctx context.Context, encoder string, args []string) error
}

type StoryPlanner interface {
	Plan(ctx context.Context, corpus []types.CorpusFile, theme string, maxSentences int) (types.StoryPlan, error)
}

// ExecError is returned by VideoTool implementations when the underlying
// tool exits nonzero. Callers inspect ExitCode and Stderr to decide whether
// a failure is encoder-related.
type ExecError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d\n%s", e.Tool, e.ExitCode, e.Stderr)
}
