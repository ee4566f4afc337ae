package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forPelevin/phrasecut/internal/types"
)

// Adapter loads transcripts from JSON sidecar files. For /path/video.mp4
// the sidecar is /path/video.json: an array of segments, each with optional
// content and a list of timestamped words.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

type sidecarWord struct {
	Word  string   `json:"word"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

type sidecarSegment struct {
	Start   float64       `json:"start"`
	End     float64       `json:"end"`
	Content string        `json:"content"`
	Words   []sidecarWord `json:"words"`
}

func (a *Adapter) Transcript(ctx context.Context, videoPath string) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, err
	}

	path := SidecarPath(videoPath)
	b, err := os.ReadFile(path)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("read transcript: %w", err)
	}

	var segs []sidecarSegment
	if err := json.Unmarshal(b, &segs); err != nil {
		var wrapper struct {
			Segments []sidecarSegment `json:"segments"`
		}
		if err2 := json.Unmarshal(b, &wrapper); err2 != nil || wrapper.Segments == nil {
			return types.Transcript{}, fmt.Errorf("parse transcript %s: %w", path, err)
		}
		segs = wrapper.Segments
	}

	tr := types.Transcript{Segments: make([]types.Segment, 0, len(segs))}
	for _, s := range segs {
		seg := types.Segment{
			Start:   s.Start,
			End:     s.End,
			Content: strings.TrimSpace(s.Content),
		}
		for _, w := range s.Words {
			// Words without both timestamps cannot be placed on the
			// timeline and are dropped here.
			if w.Start == nil || w.End == nil {
				continue
			}
			seg.Words = append(seg.Words, types.Word{
				Start: *w.Start,
				End:   *w.End,
				Word:  strings.TrimSpace(w.Word),
			})
		}
		tr.Segments = append(tr.Segments, seg)
	}
	return tr, nil
}

// SidecarPath maps a video path to its transcript path by swapping the
// final extension for .json.
func SidecarPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".json"
}
