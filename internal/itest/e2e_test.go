//go:build integration

package itest

import (
	"context"
	"encoding/json"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/forPelevin/phrasecut/internal/config"
	"github.com/forPelevin/phrasecut/internal/logging"
	"github.com/forPelevin/phrasecut/internal/pipeline"
	"github.com/forPelevin/phrasecut/internal/types"
	"github.com/forPelevin/phrasecut/internal/usecase"
)

// TestE2E renders a real clip end to end: synthesized source video, JSON
// sidecar transcript, search, export, and the cache hit on the second run.
func TestE2E(t *testing.T) {
	requireTool(t, "ffmpeg")
	requireTool(t, "ffprobe")

	tmp := t.TempDir()
	video := filepath.Join(tmp, "talk.mp4")
	makeFixtureVideo(t, video)
	writeSidecar(t, filepath.Join(tmp, "talk.json"), []sidecarWord{
		{Word: "hello", Start: 0.2, End: 0.5},
		{Word: "world", Start: 0.6, End: 0.9},
		{Word: "again", Start: 1.4, End: 1.7},
	})

	cfg := config.Default()
	cfg.Paths.ClipsDir = filepath.Join(tmp, "clips")
	cfg.Render.GPUStreams = 0 // deterministic CPU encodes

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deps, err := pipeline.Build(ctx, &cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	results := runSearch(t, ctx, deps, video, "hello world")
	if len(results) != 1 {
		t.Fatalf("got %d segment results, want 1", len(results))
	}
	if len(results[0].Files) != 1 {
		t.Fatalf("got %d clips, want 1", len(results[0].Files))
	}

	// Result events carry clip basenames; the files live in the group
	// directory under the clips root.
	clip := findClipPath(t, cfg.Paths.ClipsDir, results[0].Files[0].File)
	info, err := os.Stat(clip)
	if err != nil {
		t.Fatalf("clip missing: %v", err)
	}

	// Match 0.2-0.9 padded by 0.45 on each side clamps to [0, 1.35].
	dur, err := probeDurationSeconds(clip)
	if err != nil {
		t.Fatalf("probe clip: %v", err)
	}
	if math.Abs(dur-1.35) > 0.35 {
		t.Errorf("clip duration %.2fs, want ~1.35s", dur)
	}

	// Second identical search must reuse the cached clip untouched.
	again := runSearch(t, ctx, deps, video, "hello world")
	if len(again) != 1 || len(again[0].Files) != 1 {
		t.Fatalf("cached run results differ: %+v", again)
	}
	if again[0].Files[0].File != results[0].Files[0].File {
		t.Errorf("cached run produced %s, want %s", again[0].Files[0].File, results[0].Files[0].File)
	}
	info2, err := os.Stat(clip)
	if err != nil {
		t.Fatalf("clip gone after cached run: %v", err)
	}
	if !info2.ModTime().Equal(info.ModTime()) {
		t.Error("cached run re-encoded the clip")
	}
}

func runSearch(t *testing.T, ctx context.Context, deps *pipeline.Deps, video, phrase string) []types.SegmentResult {
	t.Helper()

	_, events, err := deps.Usecase.Search(ctx, usecase.SearchInput{
		Files:  []string{video},
		Phrase: phrase,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	var (
		results []types.SegmentResult
		done    bool
	)
	for ev := range events {
		switch e := ev.(type) {
		case types.SegmentResult:
			results = append(results, e)
		case types.Done:
			done = true
		}
	}
	if !done {
		t.Fatal("event stream ended without a done event")
	}
	return results
}

// findClipPath locates a rendered clip by basename under the clips root.
func findClipPath(t *testing.T, root, name string) string {
	t.Helper()

	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk clips root: %v", err)
	}
	if found == "" {
		t.Fatalf("clip %s not found under %s", name, root)
	}
	return found
}

type sidecarWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func writeSidecar(t *testing.T, path string, words []sidecarWord) {
	t.Helper()

	type segment struct {
		Start   float64       `json:"start"`
		End     float64       `json:"end"`
		Content string        `json:"content"`
		Words   []sidecarWord `json:"words"`
	}
	seg := segment{Words: words}
	if len(words) > 0 {
		seg.Start = words[0].Start
		seg.End = words[len(words)-1].End
	}

	b, err := json.Marshal([]segment{seg})
	if err != nil {
		t.Fatalf("marshal sidecar: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
}

// makeFixtureVideo synthesizes a short mp4 with a video and audio stream.
func makeFixtureVideo(t *testing.T, path string) {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi", "-i", "color=c=black:s=640x360:d=5",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=5",
		"-t", "5",
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		path,
	)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("ffmpeg fixture: %v\n%s", err, string(b))
	}
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}
