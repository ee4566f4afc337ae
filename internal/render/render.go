// Package render turns aggregated matches into clip files. Tasks for one
// segment run concurrently on a bounded worker pool; hardware encode
// sessions are scarcer than workers and are metered separately by a
// non-blocking permit, so a busy GPU degrades to CPU encoding instead of
// queueing.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forPelevin/phrasecut/internal/encoder"
	"github.com/forPelevin/phrasecut/internal/logging"
	"github.com/forPelevin/phrasecut/internal/ports"
	"github.com/forPelevin/phrasecut/internal/session"
	"github.com/forPelevin/phrasecut/internal/types"
)

// ErrAborted marks an encode stopped by a skip or cancel signal rather
// than a failure. Partial output has already been removed when it is
// returned.
var ErrAborted = errors.New("render aborted")

// errNotStarted marks a task the pool refused to start because its session
// was already cancelled.
var errNotStarted = errors.New("task not started")

const defaultFPS = "25"

// Options tunes the coordinator. Zero values fall back to sensible
// defaults in New.
type Options struct {
	StartPad      float64
	EndPad        float64
	Workers       int // 0 means one per physical core
	GPUStreams    int
	EncodeTimeout time.Duration
	PollInterval  time.Duration // skip/cancel poll for sequential renders
}

type Coordinator struct {
	tool     ports.VideoTool
	cap      *encoder.Capability
	sessions *session.Registry
	log      *slog.Logger
	opts     Options

	workers int
	gpu     chan struct{}

	probeMu sync.Mutex
	probes  map[string]probeInfo
}

type probeInfo struct {
	duration float64
	fps      string
}

func New(tool ports.VideoTool, cap *encoder.Capability, sessions *session.Registry, opts Options, log *slog.Logger) *Coordinator {
	workers := opts.Workers
	if workers <= 0 {
		workers = PhysicalCores()
	}
	if opts.EncodeTimeout <= 0 {
		opts.EncodeTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Coordinator{
		tool:     tool,
		cap:      cap,
		sessions: sessions,
		log:      logging.WithComponent(log, "render"),
		opts:     opts,
		workers:  workers,
		gpu:      make(chan struct{}, max(opts.GPUStreams, 0)),
		probes:   make(map[string]probeInfo),
	}
}

// Outcome is the result of rendering one segment's batch.
type Outcome struct {
	Clips     []types.ClipInfo // in match-discovery order
	Cancelled bool
	Skipped   bool
}

// RenderSegment renders every match of a group into dir, names[i] naming
// the clip for group.Matches[i]. Tasks run concurrently and are harvested
// in completion order; progress is called after each with the completed
// count. Failed clips are logged and dropped from the outcome, siblings
// are unaffected. A cancel stops undispatched tasks and discards
// everything; a skip lets running encodes finish, then discards.
func (c *Coordinator) RenderSegment(ctx context.Context, searchID string, group types.SegmentGroup, dir string, names []string, progress func(done, total int)) (Outcome, error) {
	if len(names) != len(group.Matches) {
		return Outcome{}, fmt.Errorf("render segment: %d names for %d matches", len(names), len(group.Matches))
	}
	if c.sessions.Cancelled(searchID) || ctx.Err() != nil {
		return Outcome{Cancelled: true}, nil
	}
	if c.sessions.Skipped(searchID, group.Phrase) {
		return Outcome{Skipped: true}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create clip dir: %w", err)
	}

	total := len(group.Matches)
	workers := c.workers
	if workers > total {
		workers = total
	}

	type taskResult struct {
		index int
		clip  types.ClipInfo
		err   error
	}

	jobs := make(chan int)
	results := make(chan taskResult)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				// Skipped segments stop dispatching too: in-flight encodes
				// finish, but starting more work that will be thrown away
				// helps nobody.
				if ctx.Err() != nil || c.sessions.Cancelled(searchID) || c.sessions.Skipped(searchID, group.Phrase) {
					results <- taskResult{index: i, err: errNotStarted}
					continue
				}
				clip, err := c.renderOne(ctx, group.Matches[i], filepath.Join(dir, names[i]))
				results <- taskResult{index: i, clip: clip, err: err}
			}
		}()
	}
	go func() {
		for i := range group.Matches {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	clips := make([]*types.ClipInfo, total)
	done := 0
	for res := range results {
		done++
		switch {
		case res.err == nil:
			clip := res.clip
			clips[res.index] = &clip
		case errors.Is(res.err, errNotStarted):
			// cancelled before dispatch, nothing to clean up
		default:
			c.log.Error("clip render failed",
				"search_id", searchID,
				"phrase", group.Phrase,
				"clip", names[res.index],
				"error", res.err)
		}
		if progress != nil {
			progress(done, total)
		}
	}

	if c.sessions.Cancelled(searchID) || ctx.Err() != nil {
		c.discard(dir, names)
		return Outcome{Cancelled: true}, nil
	}
	if c.sessions.Skipped(searchID, group.Phrase) {
		c.discard(dir, names)
		return Outcome{Skipped: true}, nil
	}

	out := Outcome{}
	for _, clip := range clips {
		if clip != nil {
			out.Clips = append(out.Clips, *clip)
		}
	}
	return out, nil
}

// RenderSingle renders one clip with explicit window bounds on a single
// cancellable process, polling the session at the configured interval so a
// skip or cancel terminates the encode promptly. Used for re-renders and
// other one-at-a-time exports. phrase may be empty when only cancellation
// applies.
func (c *Coordinator) RenderSingle(ctx context.Context, searchID, phrase, inPath string, start, end float64, outPath string) error {
	if c.interrupted(searchID, phrase) {
		return ErrAborted
	}

	encCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, fps := c.probe(encCtx, inPath)
		done <- c.encode(encCtx, inPath, start, end, fps, outPath)
	}()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				_ = os.Remove(outPath)
			}
			return err
		case <-ticker.C:
			if c.interrupted(searchID, phrase) {
				cancel()
				<-done
				_ = os.Remove(outPath)
				return ErrAborted
			}
		case <-ctx.Done():
			<-done
			_ = os.Remove(outPath)
			return ctx.Err()
		}
	}
}

// Window returns the padded, clamped clip bounds for a match in a source
// of the given duration (0 when unknown).
func (c *Coordinator) Window(m types.Match, duration float64) (start, end float64) {
	return clipWindow(m, duration, c.opts.StartPad, c.opts.EndPad)
}

// ProbeDuration exposes the cached duration probe.
func (c *Coordinator) ProbeDuration(ctx context.Context, path string) float64 {
	duration, _ := c.probe(ctx, path)
	return duration
}

func (c *Coordinator) interrupted(searchID, phrase string) bool {
	if c.sessions.Cancelled(searchID) {
		return true
	}
	return phrase != "" && c.sessions.Skipped(searchID, phrase)
}

func (c *Coordinator) renderOne(ctx context.Context, m types.Match, outPath string) (types.ClipInfo, error) {
	if _, err := os.Stat(m.Source); err != nil {
		return types.ClipInfo{}, fmt.Errorf("source missing: %w", err)
	}

	duration, fps := c.probe(ctx, m.Source)
	start, end := clipWindow(m, duration, c.opts.StartPad, c.opts.EndPad)

	if err := c.encode(ctx, m.Source, start, end, fps, outPath); err != nil {
		_ = os.Remove(outPath)
		return types.ClipInfo{}, err
	}
	return types.ClipInfo{
		File:          filepath.Base(outPath),
		Start:         m.Start,
		End:           m.End,
		Segment:       m.Segment,
		SourceVideo:   m.Source,
		OriginalStart: start,
		OriginalEnd:   end,
		DurationMs:    int64(math.Round((end - start) * 1000)),
	}, nil
}

// encode runs the encoder ladder for one clip: hardware first when a
// verified encoder and a free stream permit exist, with one
// minimal-parameter retry on a hardware-signature failure, then the
// one-way process-wide disable, then CPU. Failures that do not carry a
// hardware signature surface as-is.
func (c *Coordinator) encode(ctx context.Context, inPath string, start, end float64, fps, outPath string) error {
	enc := c.cap.Get()
	if enc == nil || !c.acquireGPU() {
		return c.run(ctx, inPath, start, end, fps, cpuArgs(), outPath)
	}
	defer c.releaseGPU()

	err := c.run(ctx, inPath, start, end, fps, enc.VideoArgs(), outPath)
	if err == nil || !encoder.IsEncoderFailure(err) {
		return err
	}

	c.log.Warn("hardware encode failed, retrying with minimal parameters",
		"encoder", enc.Name, "clip", filepath.Base(outPath), "error", err)
	_ = os.Remove(outPath)
	retryErr := c.run(ctx, inPath, start, end, fps, minimalArgs(enc), outPath)
	if retryErr == nil {
		return nil
	}

	c.cap.Disable(fmt.Sprintf("encode of %s failed twice", filepath.Base(outPath)))
	_ = os.Remove(outPath)
	return c.run(ctx, inPath, start, end, fps, cpuArgs(), outPath)
}

func (c *Coordinator) run(ctx context.Context, inPath string, start, end float64, fps string, videoArgs []string, outPath string) error {
	encCtx, cancel := context.WithTimeout(ctx, c.opts.EncodeTimeout)
	defer cancel()
	return c.tool.RenderClip(encCtx, inPath, start, end, fps, videoArgs, outPath)
}

func (c *Coordinator) acquireGPU() bool {
	select {
	case c.gpu <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Coordinator) releaseGPU() {
	<-c.gpu
}

func (c *Coordinator) probe(ctx context.Context, path string) (float64, string) {
	c.probeMu.Lock()
	info, ok := c.probes[path]
	c.probeMu.Unlock()
	if ok {
		return info.duration, info.fps
	}

	info.fps = defaultFPS
	if fps, err := c.tool.ProbeFPS(ctx, path); err == nil {
		info.fps = fps
	} else {
		c.log.Debug("fps probe failed, using default", "file", path, "error", err)
	}
	if duration, err := c.tool.ProbeDuration(ctx, path); err == nil {
		info.duration = duration
	} else {
		c.log.Debug("duration probe failed, skipping clamp", "file", path, "error", err)
	}

	c.probeMu.Lock()
	c.probes[path] = info
	c.probeMu.Unlock()
	return info.duration, info.fps
}

func (c *Coordinator) discard(dir string, names []string) {
	for _, name := range names {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// clipWindow pads a match and clamps it to the source. When padding and
// clamping collapse the window, a minimum-duration backstop keeps the clip
// playable.
func clipWindow(m types.Match, duration, startPad, endPad float64) (float64, float64) {
	start := m.Start - startPad
	if start < 0 {
		start = 0
	}
	if duration > 0 && start > duration-0.1 {
		start = math.Max(0, duration-0.1)
	}

	end := m.End + endPad
	if duration > 0 && end > duration {
		end = duration
	}
	if end <= start {
		end = start + math.Max(m.End-m.Start+startPad+endPad, 0.1)
		if duration > 0 && end > duration {
			end = duration
		}
	}
	return start, end
}

func cpuArgs() []string {
	return []string{"-c:v", "libx264", "-preset", "ultrafast"}
}

// minimalArgs strips an encoder down to its bare selection for the one
// retry after a parameter-class failure.
func minimalArgs(enc *encoder.Encoder) []string {
	if enc.IsNVENC() {
		return encoder.MinimalNVENCArgs()
	}
	return []string{"-c:v", enc.Name}
}
