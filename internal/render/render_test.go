package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/phrasecut/internal/encoder"
	"github.com/forPelevin/phrasecut/internal/ports"
	"github.com/forPelevin/phrasecut/internal/session"
	"github.com/forPelevin/phrasecut/internal/types"
)

type renderCall struct {
	in    string
	start float64
	end   float64
	args  []string
	out   string
}

// fakeTool is a VideoTool that records calls and writes fake clip files.
type fakeTool struct {
	mu    sync.Mutex
	calls []renderCall

	// encoders and probeWorks drive encoder.Capability detection.
	encoders   string
	probeWorks bool

	duration float64
	fps      string

	// renderErr, when set, decides the outcome per call.
	renderErr func(call renderCall) error
	// renderDelay stalls every encode, for ordering and poll tests.
	renderDelay time.Duration
}

func (f *fakeTool) RenderClip(ctx context.Context, in string, start, end float64, fps string, videoArgs []string, out string) error {
	call := renderCall{in: in, start: start, end: end, args: videoArgs, out: out}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if f.renderDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.renderDelay):
		}
	}
	if f.renderErr != nil {
		if err := f.renderErr(call); err != nil {
			return err
		}
	}
	return os.WriteFile(out, []byte("clip"), 0o644)
}

func (f *fakeTool) recorded() []renderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]renderCall(nil), f.calls...)
}

func (f *fakeTool) ProcessVideo(context.Context, string, ports.ProcessOpts, string) error {
	return nil
}
func (f *fakeTool) Concat(context.Context, string, []string, string) error { return nil }
func (f *fakeTool) ProbeDuration(context.Context, string) (float64, error) {
	if f.duration <= 0 {
		return 0, errors.New("no duration")
	}
	return f.duration, nil
}
func (f *fakeTool) ProbeFPS(context.Context, string) (string, error) {
	if f.fps == "" {
		return "", errors.New("no fps")
	}
	return f.fps, nil
}
func (f *fakeTool) ProbeDimensions(context.Context, string) (int, int, error) { return 0, 0, nil }
func (f *fakeTool) HasVideoStream(context.Context, string) (bool, error)      { return true, nil }
func (f *fakeTool) ListEncoders(context.Context) (string, error)              { return f.encoders, nil }
func (f *fakeTool) ProbeEncoder(context.Context, string, []string) error {
	if f.probeWorks {
		return nil
	}
	return &ports.ExecError{Tool: "probe", ExitCode: 187, Stderr: "No capable devices"}
}

func gpuCapability(t *testing.T, tool *fakeTool) *encoder.Capability {
	t.Helper()
	tool.encoders = "V..... h264_nvenc"
	tool.probeWorks = true
	cap := encoder.NewCapability(tool, nil)
	if enc := cap.Detect(context.Background()); enc == nil {
		t.Fatal("fake nvenc not detected")
	}
	return cap
}

func cpuCapability(tool *fakeTool) *encoder.Capability {
	cap := encoder.NewCapability(tool, nil)
	cap.Detect(context.Background())
	return cap
}

func sourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func matchAt(source string, start, end float64) types.Match {
	return types.Match{Segment: "hello world", Start: start, End: end, Source: source}
}

func startSession(t *testing.T) (*session.Registry, string) {
	t.Helper()
	reg := session.NewRegistry()
	id := session.NewID("test-group")
	reg.Start(id)
	t.Cleanup(func() { reg.End(id) })
	return reg, id
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestClipWindow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name               string
		m                  types.Match
		duration           float64
		startPad, endPad   float64
		wantStart, wantEnd float64
	}{
		{
			name: "padding applied",
			m:    matchAt("s", 2.0, 3.0), duration: 10, startPad: 0.45, endPad: 0.45,
			wantStart: 1.55, wantEnd: 3.45,
		},
		{
			name: "clamped to file start",
			m:    matchAt("s", 0.2, 1.0), duration: 10, startPad: 0.45, endPad: 0.45,
			wantStart: 0, wantEnd: 1.45,
		},
		{
			name: "clamped to file end",
			m:    matchAt("s", 9.0, 9.9), duration: 10, startPad: 0.45, endPad: 0.45,
			wantStart: 8.55, wantEnd: 10,
		},
		{
			name: "match beyond duration gets backstop",
			m:    matchAt("s", 12.0, 13.0), duration: 10, startPad: 0.45, endPad: 0.45,
			wantStart: 9.9, wantEnd: 10,
		},
		{
			name: "unknown duration skips clamping",
			m:    matchAt("s", 2.0, 3.0), duration: 0, startPad: 0.5, endPad: 0.5,
			wantStart: 1.5, wantEnd: 3.5,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			start, end := clipWindow(tc.m, tc.duration, tc.startPad, tc.endPad)
			const eps = 1e-9
			if start < tc.wantStart-eps || start > tc.wantStart+eps ||
				end < tc.wantEnd-eps || end > tc.wantEnd+eps {
				t.Errorf("window = [%v, %v], want [%v, %v]", start, end, tc.wantStart, tc.wantEnd)
			}
			if end <= start {
				t.Errorf("collapsed window [%v, %v]", start, end)
			}
		})
	}
}

func TestRenderSegmentOrderAndProgress(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "24000/1001", renderDelay: 5 * time.Millisecond}
	reg, id := startSession(t)
	c := New(tool, cpuCapability(tool), reg, Options{StartPad: 0.45, EndPad: 0.45, Workers: 3}, nil)

	source := sourceFile(t)
	group := types.SegmentGroup{
		Phrase:    "hello world",
		WordCount: 2,
		Matches: []types.Match{
			matchAt(source, 1, 2),
			matchAt(source, 10, 11),
			matchAt(source, 20, 21),
		},
	}
	names := []string{"g_00000.mp4", "g_00001.mp4", "g_00002.mp4"}
	dir := filepath.Join(t.TempDir(), "clips")

	var progress []int
	out, err := c.RenderSegment(context.Background(), id, group, dir, names, func(done, total int) {
		if total != 3 {
			t.Errorf("total = %d, want 3", total)
		}
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("render segment: %v", err)
	}
	if out.Cancelled || out.Skipped {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Clips) != 3 {
		t.Fatalf("clips = %d, want 3", len(out.Clips))
	}
	// Discovery order, regardless of which worker finished first.
	for i, clip := range out.Clips {
		if clip.File != names[i] {
			t.Errorf("clip[%d] = %s, want %s", i, clip.File, names[i])
		}
		if _, err := os.Stat(filepath.Join(dir, clip.File)); err != nil {
			t.Errorf("clip file missing: %v", err)
		}
	}
	const eps = 1e-9
	if got := out.Clips[0]; got.OriginalStart < 0.55-eps || got.OriginalStart > 0.55+eps ||
		got.OriginalEnd < 2.45-eps || got.OriginalEnd > 2.45+eps {
		t.Errorf("window = [%v, %v], want [0.55, 2.45]", got.OriginalStart, got.OriginalEnd)
	}
	if out.Clips[0].DurationMs != 1900 {
		t.Errorf("duration_ms = %d, want 1900", out.Clips[0].DurationMs)
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Errorf("progress calls = %v", progress)
	}
	for _, call := range tool.recorded() {
		if !hasArg(call.args, "libx264") {
			t.Errorf("expected cpu args, got %v", call.args)
		}
	}
}

func TestRenderSegmentIsolatesTaskFailure(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	tool.renderErr = func(call renderCall) error {
		if strings.HasSuffix(call.out, "g_00001.mp4") {
			return &ports.ExecError{Tool: "ffmpeg render clip", ExitCode: 1, Stderr: "corrupt input"}
		}
		return nil
	}
	reg, id := startSession(t)
	c := New(tool, cpuCapability(tool), reg, Options{Workers: 2}, nil)

	source := sourceFile(t)
	group := types.SegmentGroup{Phrase: "hello world", Matches: []types.Match{
		matchAt(source, 1, 2), matchAt(source, 3, 4), matchAt(source, 5, 6),
	}}
	out, err := c.RenderSegment(context.Background(), id, group, t.TempDir(),
		[]string{"g_00000.mp4", "g_00001.mp4", "g_00002.mp4"}, nil)
	if err != nil {
		t.Fatalf("render segment: %v", err)
	}
	if len(out.Clips) != 2 {
		t.Fatalf("clips = %d, want 2 (failed sibling dropped)", len(out.Clips))
	}
	if out.Clips[0].File != "g_00000.mp4" || out.Clips[1].File != "g_00002.mp4" {
		t.Errorf("clips = %v", []string{out.Clips[0].File, out.Clips[1].File})
	}
}

func TestRenderSegmentCancelStopsUndispatched(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	reg, id := startSession(t)
	c := New(tool, cpuCapability(tool), reg, Options{Workers: 1}, nil)

	source := sourceFile(t)
	group := types.SegmentGroup{Phrase: "hello world", Matches: []types.Match{
		matchAt(source, 1, 2), matchAt(source, 3, 4), matchAt(source, 5, 6),
	}}
	names := []string{"g_00000.mp4", "g_00001.mp4", "g_00002.mp4"}
	dir := filepath.Join(t.TempDir(), "clips")

	out, err := c.RenderSegment(context.Background(), id, group, dir, names, func(done, total int) {
		if done == 1 {
			reg.Cancel(id)
		}
	})
	if err != nil {
		t.Fatalf("render segment: %v", err)
	}
	if !out.Cancelled || len(out.Clips) != 0 {
		t.Fatalf("outcome = %+v, want cancelled with no clips", out)
	}
	// The cancel lands while result one is being harvested; task two may
	// already be in a worker's hands, task three never is.
	if calls := tool.recorded(); len(calls) > 2 {
		t.Errorf("encodes after cancel = %d, want at most 2", len(calls))
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("output %s survived cancel", name)
		}
	}
}

func TestRenderSegmentSkipDiscardsFinishedClips(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	reg, id := startSession(t)
	c := New(tool, cpuCapability(tool), reg, Options{Workers: 1}, nil)

	source := sourceFile(t)
	group := types.SegmentGroup{Phrase: "hello world", Matches: []types.Match{
		matchAt(source, 1, 2), matchAt(source, 3, 4),
	}}
	names := []string{"g_00000.mp4", "g_00001.mp4"}
	dir := filepath.Join(t.TempDir(), "clips")

	out, err := c.RenderSegment(context.Background(), id, group, dir, names, func(done, total int) {
		reg.Skip(id, "hello world")
	})
	if err != nil {
		t.Fatalf("render segment: %v", err)
	}
	if !out.Skipped || len(out.Clips) != 0 {
		t.Fatalf("outcome = %+v, want skipped with no clips", out)
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("discarded clip %s still on disk", name)
		}
	}
}

func TestRenderSegmentSkippedBeforeDispatch(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	reg, id := startSession(t)
	reg.Skip(id, "hello world")
	c := New(tool, cpuCapability(tool), reg, Options{Workers: 2}, nil)

	group := types.SegmentGroup{Phrase: "hello world", Matches: []types.Match{matchAt(sourceFile(t), 1, 2)}}
	out, err := c.RenderSegment(context.Background(), id, group, t.TempDir(), []string{"g_00000.mp4"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Skipped || len(tool.recorded()) != 0 {
		t.Fatalf("outcome = %+v, encodes = %d; want skip with zero encodes", out, len(tool.recorded()))
	}
}

// A task that cannot get a GPU stream permit runs on the CPU path at once
// instead of waiting.
func TestExhaustedPermitsFallBackToCPU(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	reg, _ := startSession(t)
	c := New(tool, gpuCapability(t, tool), reg, Options{Workers: 2, GPUStreams: 2}, nil)

	// Hold both permits, as two concurrent hardware encodes would.
	if !c.acquireGPU() || !c.acquireGPU() {
		t.Fatal("could not take initial permits")
	}
	defer c.releaseGPU()
	defer c.releaseGPU()

	out := filepath.Join(t.TempDir(), "clip.mp4")
	if err := c.encode(context.Background(), sourceFile(t), 0, 1, "25", out); err != nil {
		t.Fatalf("encode: %v", err)
	}
	calls := tool.recorded()
	if len(calls) != 1 {
		t.Fatalf("encodes = %d, want 1", len(calls))
	}
	if hasArg(calls[0].args, "h264_nvenc") || !hasArg(calls[0].args, "libx264") {
		t.Errorf("args = %v, want cpu path", calls[0].args)
	}
}

// A hardware-signature failure triggers exactly one minimal-parameter
// retry; when that fails too the encoder is disabled process-wide and the
// clip re-renders on CPU.
func TestGPUFailureRetriesThenDisables(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	tool.renderErr = func(call renderCall) error {
		if hasArg(call.args, "h264_nvenc") {
			return &ports.ExecError{Tool: "ffmpeg render clip", ExitCode: 244, Stderr: "[h264_nvenc] Invalid parameter"}
		}
		return nil
	}
	reg, _ := startSession(t)
	cap := gpuCapability(t, tool)
	c := New(tool, cap, reg, Options{Workers: 1, GPUStreams: 2}, nil)

	out := filepath.Join(t.TempDir(), "clip.mp4")
	if err := c.encode(context.Background(), sourceFile(t), 0, 1, "25", out); err != nil {
		t.Fatalf("encode: %v", err)
	}

	calls := tool.recorded()
	if len(calls) != 3 {
		t.Fatalf("encodes = %d, want tuned + minimal + cpu", len(calls))
	}
	if !hasArg(calls[0].args, "h264_nvenc") {
		t.Errorf("first attempt args = %v, want tuned nvenc", calls[0].args)
	}
	if want := strings.Join(encoder.MinimalNVENCArgs(), " "); strings.Join(calls[1].args, " ") != want {
		t.Errorf("retry args = %v, want %v", calls[1].args, want)
	}
	if !hasArg(calls[2].args, "libx264") {
		t.Errorf("final args = %v, want cpu", calls[2].args)
	}
	if cap.Get() != nil {
		t.Error("capability still enabled after double failure")
	}

	// Every later encode goes straight to CPU.
	out2 := filepath.Join(t.TempDir(), "clip2.mp4")
	if err := c.encode(context.Background(), sourceFile(t), 0, 1, "25", out2); err != nil {
		t.Fatal(err)
	}
	last := tool.recorded()[3]
	if !hasArg(last.args, "libx264") {
		t.Errorf("post-disable args = %v", last.args)
	}
}

func TestGPURetrySucceeds(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	tool.renderErr = func(call renderCall) error {
		// Tuned parameters rejected, minimal set accepted.
		if hasArg(call.args, "h264_nvenc") && len(call.args) > len(encoder.MinimalNVENCArgs()) {
			return &ports.ExecError{Tool: "ffmpeg render clip", ExitCode: 244, Stderr: "Invalid parameter"}
		}
		return nil
	}
	reg, _ := startSession(t)
	cap := gpuCapability(t, tool)
	// Detection verified "-preset p4"; widen with an extra arg so the tuned
	// set is distinguishable from the minimal one.
	cap.Get().Args = []string{"-preset", "p4", "-rc", "vbr", "-cq", "23"}
	c := New(tool, cap, reg, Options{Workers: 1, GPUStreams: 1}, nil)

	if err := c.encode(context.Background(), sourceFile(t), 0, 1, "25", filepath.Join(t.TempDir(), "c.mp4")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if calls := tool.recorded(); len(calls) != 2 {
		t.Fatalf("encodes = %d, want tuned + minimal", len(calls))
	}
	if cap.Get() == nil {
		t.Error("capability disabled although the retry succeeded")
	}
}

func TestNonGPUFailureSurfaces(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25"}
	tool.renderErr = func(renderCall) error {
		return &ports.ExecError{Tool: "ffmpeg render clip", ExitCode: 1, Stderr: "moov atom not found"}
	}
	reg, _ := startSession(t)
	cap := gpuCapability(t, tool)
	c := New(tool, cap, reg, Options{Workers: 1, GPUStreams: 1}, nil)

	err := c.encode(context.Background(), sourceFile(t), 0, 1, "25", filepath.Join(t.TempDir(), "c.mp4"))
	var execErr *ports.ExecError
	if !errors.As(err, &execErr) || execErr.ExitCode != 1 {
		t.Fatalf("err = %v, want the original exec error", err)
	}
	if len(tool.recorded()) != 1 {
		t.Errorf("encodes = %d, want no retry for a non-hardware failure", len(tool.recorded()))
	}
	if cap.Get() == nil {
		t.Error("capability disabled by an input failure")
	}
}

func TestRenderSingleAbortsOnCancel(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25", renderDelay: 5 * time.Second}
	reg, id := startSession(t)
	c := New(tool, cpuCapability(tool), reg, Options{PollInterval: 10 * time.Millisecond}, nil)

	out := filepath.Join(t.TempDir(), "clip.mp4")
	go func() {
		time.Sleep(30 * time.Millisecond)
		reg.Cancel(id)
	}()

	startedAt := time.Now()
	err := c.RenderSingle(context.Background(), id, "", sourceFile(t), 0, 1, out)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if elapsed := time.Since(startedAt); elapsed > 2*time.Second {
		t.Errorf("abort took %v, poll did not interrupt the encode", elapsed)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("partial output survived abort, stat err = %v", err)
	}
}

func TestRenderSingleSkipAborts(t *testing.T) {
	t.Parallel()
	tool := &fakeTool{duration: 100, fps: "25", renderDelay: 5 * time.Second}
	reg, id := startSession(t)
	reg.Skip(id, "hello world")
	c := New(tool, cpuCapability(tool), reg, Options{PollInterval: 10 * time.Millisecond}, nil)

	err := c.RenderSingle(context.Background(), id, "hello world", sourceFile(t), 0, 1, filepath.Join(t.TempDir(), "c.mp4"))
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if len(tool.recorded()) != 0 {
		t.Errorf("encode started despite pre-existing skip")
	}
}
