// Package usecase orchestrates the search pipeline: transcripts in, match
// aggregation, cache checks, rendering, and the event stream out.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/forPelevin/phrasecut/internal/clipcache"
	"github.com/forPelevin/phrasecut/internal/domain/match"
	"github.com/forPelevin/phrasecut/internal/domain/naming"
	"github.com/forPelevin/phrasecut/internal/domain/segments"
	"github.com/forPelevin/phrasecut/internal/domain/silences"
	"github.com/forPelevin/phrasecut/internal/logging"
	"github.com/forPelevin/phrasecut/internal/ports"
	"github.com/forPelevin/phrasecut/internal/render"
	"github.com/forPelevin/phrasecut/internal/session"
	"github.com/forPelevin/phrasecut/internal/types"
)

type Deps struct {
	Transcripts ports.TranscriptProvider
	Video       ports.VideoTool
	Planner     ports.StoryPlanner // optional; PlanStory errors without it
	Sessions    *session.Registry
	Render      *render.Coordinator
	Cache       *clipcache.Cache
	Log         *slog.Logger
}

// Options carries the search defaults from configuration.
type Options struct {
	ClipsDir      string
	MinSilence    float64
	MaxSilence    float64
	WordThreshold int
	MaxResults    int
}

type Usecase struct {
	d    Deps
	opts Options
	log  *slog.Logger
}

func New(d Deps, opts Options) *Usecase {
	return &Usecase{d: d, opts: opts, log: logging.WithComponent(d.Log, "usecase")}
}

// Skip marks one phrase of a running search as unwanted.
func (u *Usecase) Skip(searchID, phrase string) { u.d.Sessions.Skip(searchID, phrase) }

// Cancel aborts a running search.
func (u *Usecase) Cancel(searchID string) { u.d.Sessions.Cancel(searchID) }

type SearchInput struct {
	Files          []string
	Phrase         string
	IncludePartial bool
	AllPartial     bool
	MaxResults     int // 0 uses the configured default
}

// Search runs the whole pipeline for one phrase and streams events: one
// progress event per segment and per finished clip, one result (or skip)
// event per segment, and a terminal done event. The returned search id
// accepts Skip and Cancel while the stream is live. The channel closes
// when the search finishes or unwinds; abandoning the receiver cancels
// the search via ctx.
func (u *Usecase) Search(ctx context.Context, in SearchInput) (string, <-chan types.Event, error) {
	phrase := strings.TrimSpace(in.Phrase)
	if phrase == "" {
		return "", nil, errors.New("search: empty phrase")
	}
	files, err := absFiles(in.Files)
	if err != nil {
		return "", nil, err
	}
	maxResults := in.MaxResults
	if maxResults <= 0 {
		maxResults = u.opts.MaxResults
	}

	prefix := stem(files[0])
	searchID := session.NewID(naming.GroupName(prefix, phrase, files))
	u.d.Sessions.Start(searchID)

	unlock, err := clipcache.Lock(ctx, u.opts.ClipsDir)
	if err != nil {
		u.d.Sessions.End(searchID)
		return "", nil, err
	}

	events := make(chan types.Event, 8)
	go func() {
		defer close(events)
		defer u.d.Sessions.End(searchID)
		defer unlock()
		u.runSearch(ctx, searchID, prefix, phrase, files, in, maxResults, events)
	}()
	return searchID, events, nil
}

func (u *Usecase) runSearch(ctx context.Context, searchID, prefix, phrase string, files []string, in SearchInput, maxResults int, events chan<- types.Event) {
	log := u.log.With("search_id", searchID, "phrase", phrase)

	matches := u.collectMatches(ctx, phrase, files, in)
	groups := segments.Aggregate(matches, phrase, segments.Filter{
		IncludePartial: in.IncludePartial,
		AllPartial:     in.AllPartial,
	}, maxResults)
	log.Info("matches aggregated", "matches", len(matches), "segments", len(groups))

	emit := func(ev types.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	totalSkipped := 0
	for i, g := range groups {
		if ctx.Err() != nil || u.d.Sessions.Cancelled(searchID) {
			log.Info("search cancelled", "segments_done", i)
			break
		}
		if !emit(types.Progress{
			Progress:      "segment",
			SegmentIndex:  i + 1,
			TotalSegments: len(groups),
			SegmentPhrase: g.Phrase,
		}) {
			return
		}

		result, skipped := u.exportSegment(ctx, searchID, prefix, files, g, maxResults, i, len(groups), emit)
		if result == nil {
			// cancelled mid-segment
			break
		}
		if skipped {
			totalSkipped++
		}
		if !emit(*result) {
			return
		}
	}

	emit(types.Done{Done: true, TotalSegments: len(groups), TotalSkipped: totalSkipped})
}

// exportSegment renders (or reuses) one segment's clips. A nil result
// means the session was cancelled.
func (u *Usecase) exportSegment(ctx context.Context, searchID, prefix string, files []string, g types.SegmentGroup, maxResults, index, total int, emit func(types.Event) bool) (*types.SegmentResult, bool) {
	log := u.log.With("search_id", searchID, "phrase", g.Phrase)
	skippedResult := &types.SegmentResult{Phrase: g.Phrase, Files: []types.ClipInfo{}, WordCount: g.WordCount, Skipped: true}

	if u.d.Sessions.Skipped(searchID, g.Phrase) {
		return skippedResult, true
	}

	group := naming.GroupName(prefix, g.Phrase, files)
	dir := filepath.Join(u.opts.ClipsDir, naming.GroupDir(group))

	if names, ok := u.d.Cache.Lookup(dir, files, g.Phrase, maxResults); ok {
		clips := u.cachedClips(ctx, g, names)
		if len(clips) > 0 {
			return &types.SegmentResult{Phrase: g.Phrase, Files: clips, WordCount: g.WordCount}, false
		}
		// Cached clips no longer line up with the current match set; fall
		// through to a fresh render.
		u.d.Cache.Purge(dir)
	}

	names := make([]string, len(g.Matches))
	for i := range g.Matches {
		names[i] = naming.ClipFileName(group, i)
	}

	outcome, err := u.d.Render.RenderSegment(ctx, searchID, g, dir, names, func(done, totalClips int) {
		emit(types.Progress{
			Progress:      "clip",
			SegmentIndex:  index + 1,
			TotalSegments: total,
			SegmentPhrase: g.Phrase,
			ClipIndex:     done,
			TotalClips:    totalClips,
		})
	})
	if err != nil {
		log.Error("segment export failed", "error", err)
		u.d.Cache.Purge(dir)
		return &types.SegmentResult{Phrase: g.Phrase, Files: []types.ClipInfo{}, WordCount: g.WordCount}, false
	}

	switch {
	case outcome.Cancelled:
		u.d.Cache.Purge(dir)
		return nil, false
	case outcome.Skipped:
		u.d.Cache.Purge(dir)
		log.Info("segment skipped, outputs discarded")
		return skippedResult, true
	case len(outcome.Clips) == 0:
		// No empty artifacts: a directory with zero clips disappears.
		u.d.Cache.Purge(dir)
		return &types.SegmentResult{Phrase: g.Phrase, Files: []types.ClipInfo{}, WordCount: g.WordCount}, false
	}

	if err := u.d.Cache.Write(dir, files, g.Phrase, maxResults); err != nil {
		log.Warn("could not write cache metadata", "error", err)
	}
	return &types.SegmentResult{Phrase: g.Phrase, Files: outcome.Clips, WordCount: g.WordCount}, false
}

// cachedClips rebuilds result entries for reused clip files, pairing them
// positionally with the current match set.
func (u *Usecase) cachedClips(ctx context.Context, g types.SegmentGroup, names []string) []types.ClipInfo {
	n := len(names)
	if len(g.Matches) < n {
		n = len(g.Matches)
	}
	clips := make([]types.ClipInfo, 0, n)
	for i := 0; i < n; i++ {
		m := g.Matches[i]
		duration := u.d.Render.ProbeDuration(ctx, m.Source)
		start, end := u.d.Render.Window(m, duration)
		clips = append(clips, types.ClipInfo{
			File:          names[i],
			Start:         m.Start,
			End:           m.End,
			Segment:       m.Segment,
			SourceVideo:   m.Source,
			OriginalStart: start,
			OriginalEnd:   end,
			DurationMs:    int64((end - start) * 1000),
		})
	}
	return clips
}

// collectMatches runs the matcher over every file. Transcript failures are
// logged and skip that file only.
func (u *Usecase) collectMatches(ctx context.Context, phrase string, files []string, in SearchInput) []types.Match {
	mopts := match.Options{
		MinGap:        u.opts.MinSilence,
		MaxGap:        u.opts.MaxSilence,
		WordThreshold: u.opts.WordThreshold,
	}

	var all []types.Match
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		tr, err := u.d.Transcripts.Transcript(ctx, f)
		if err != nil {
			u.log.Warn("transcript unavailable, skipping file", "file", f, "error", err)
			continue
		}
		tokens := match.Flatten(tr)
		if len(tokens) == 0 {
			continue
		}

		var found []types.Match
		switch {
		case !in.IncludePartial:
			found = match.ForSpan(phrase, tokens, mopts)
		case in.AllPartial:
			found = match.AllSpans(phrase, tokens, mopts)
		default:
			filtered := mopts
			filtered.MinSpanWords = 3
			found = match.AllSpans(phrase, tokens, filtered)
		}
		for i := range found {
			found[i].Source = f
		}
		all = append(all, found...)
	}
	return all
}

// Sentences extracts the ordered display sentences of each file. Files
// without a usable transcript are skipped.
func (u *Usecase) Sentences(ctx context.Context, inputFiles []string) ([]types.CorpusFile, error) {
	files, err := absFiles(inputFiles)
	if err != nil {
		return nil, err
	}
	var out []types.CorpusFile
	for _, f := range files {
		tr, err := u.d.Transcripts.Transcript(ctx, f)
		if err != nil {
			u.log.Warn("transcript unavailable, skipping file", "file", f, "error", err)
			continue
		}
		out = append(out, types.CorpusFile{File: f, Sentences: segments.ExtractSentences(tr)})
	}
	return out, nil
}

// FindSilences scans the files for inter-word gaps within [minGap,
// maxGap]. A non-positive maxGap falls back to the configured default.
func (u *Usecase) FindSilences(ctx context.Context, inputFiles []string, minGap, maxGap float64) ([]types.SilenceRange, error) {
	files, err := absFiles(inputFiles)
	if err != nil {
		return nil, err
	}
	if maxGap <= 0 {
		maxGap = u.opts.MaxSilence
	}

	var out []types.SilenceRange
	for _, f := range files {
		tr, err := u.d.Transcripts.Transcript(ctx, f)
		if err != nil {
			u.log.Warn("transcript unavailable, skipping file", "file", f, "error", err)
			continue
		}
		for _, s := range silences.Find(match.Flatten(tr), minGap, maxGap) {
			s.Source = f
			out = append(out, s)
		}
	}
	return out, nil
}

type ExportSilencesInput struct {
	Files    []string
	MinGap   float64
	MaxGap   float64
	MaxClips int
}

// ExportSilences renders the found silence ranges as clips, one at a time
// on the cancellable sequential path, and streams the results.
func (u *Usecase) ExportSilences(ctx context.Context, in ExportSilencesInput) (string, <-chan types.Event, error) {
	found, err := u.FindSilences(ctx, in.Files, in.MinGap, in.MaxGap)
	if err != nil {
		return "", nil, err
	}
	if in.MaxClips > 0 && len(found) > in.MaxClips {
		found = found[:in.MaxClips]
	}
	files, err := absFiles(in.Files)
	if err != nil {
		return "", nil, err
	}

	group := naming.GroupName("silences", fmt.Sprintf("%g-%g", in.MinGap, in.MaxGap), files)
	dir := filepath.Join(u.opts.ClipsDir, naming.GroupDir(group))
	searchID := session.NewID(group)
	u.d.Sessions.Start(searchID)

	unlock, err := clipcache.Lock(ctx, u.opts.ClipsDir)
	if err != nil {
		u.d.Sessions.End(searchID)
		return "", nil, err
	}

	events := make(chan types.Event, 8)
	go func() {
		defer close(events)
		defer u.d.Sessions.End(searchID)
		defer unlock()

		emit := func(ev types.Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if len(found) > 0 {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				u.log.Error("could not create silence clip dir", "dir", dir, "error", err)
				found = nil
			}
		}

		var clips []types.SilenceClipInfo
		for i, s := range found {
			if ctx.Err() != nil || u.d.Sessions.Cancelled(searchID) {
				break
			}
			duration := u.d.Render.ProbeDuration(ctx, s.Source)
			start, end := u.d.Render.Window(types.Match{Start: s.Start, End: s.End, Source: s.Source}, duration)
			out := filepath.Join(dir, naming.ClipFileName(group, i))

			err := u.d.Render.RenderSingle(ctx, searchID, "", s.Source, start, end, out)
			if errors.Is(err, render.ErrAborted) {
				break
			}
			if err != nil {
				u.log.Error("silence clip failed", "source", s.Source, "error", err)
				continue
			}
			clips = append(clips, types.SilenceClipInfo{
				File:          filepath.Base(out),
				SourceVideo:   s.Source,
				SilenceStart:  s.Start,
				SilenceEnd:    s.End,
				OriginalStart: start,
				OriginalEnd:   end,
				WordBefore:    s.WordBefore,
				WordAfter:     s.WordAfter,
				DurationMs:    int64((end - start) * 1000),
			})
			if !emit(types.Progress{Progress: "clip", ClipIndex: i + 1, TotalClips: len(found)}) {
				return
			}
		}

		if len(clips) == 0 {
			u.d.Cache.Purge(dir)
		}
		if !emit(types.SilenceResult{Phrase: "silences", Files: clips}) {
			return
		}
		emit(types.Done{Done: true, TotalSegments: len(clips)})
	}()
	return searchID, events, nil
}

type RerenderInput struct {
	ClipPath string
	Source   string
	Start    float64
	End      float64
}

// Rerender re-cuts one previously exported clip with explicit bounds,
// replacing the file in place only after the new encode succeeds.
func (u *Usecase) Rerender(ctx context.Context, in RerenderInput) error {
	if in.End <= in.Start {
		return fmt.Errorf("rerender: end %.3f must be after start %.3f", in.End, in.Start)
	}
	if _, err := os.Stat(in.Source); err != nil {
		return fmt.Errorf("rerender: source: %w", err)
	}

	searchID := session.NewID("rerender")
	u.d.Sessions.Start(searchID)
	defer u.d.Sessions.End(searchID)

	tmp := in.ClipPath + ".tmp.mp4"
	if err := u.d.Render.RenderSingle(ctx, searchID, "", in.Source, in.Start, in.End, tmp); err != nil {
		return fmt.Errorf("rerender: %w", err)
	}
	if err := os.Rename(tmp, in.ClipPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rerender: replace clip: %w", err)
	}
	return nil
}

type MergeInput struct {
	Clips   []string
	OutPath string
}

// Merge concatenates rendered clips into one file. Clips whose dimensions
// disagree with the first clip are normalized to its size beforehand.
// Stream copy through the concat demuxer comes first; when the inputs
// still disagree on parameters and copy fails, a re-encode pass takes
// over.
func (u *Usecase) Merge(ctx context.Context, in MergeInput) error {
	if len(in.Clips) < 2 {
		return errors.New("merge: need at least two clips")
	}
	clips, err := absFiles(in.Clips)
	if err != nil {
		return err
	}
	for _, clip := range clips {
		if ok, err := u.d.Video.HasVideoStream(ctx, clip); err == nil && !ok {
			return fmt.Errorf("merge: %s has no video stream", clip)
		}
	}

	clips, normalized, tmpDir, err := u.normalizeDimensions(ctx, clips)
	if tmpDir != "" {
		defer os.RemoveAll(tmpDir)
	}
	if err != nil {
		return err
	}

	list, err := writeConcatList(clips)
	if err != nil {
		return err
	}
	defer os.Remove(list)

	// Normalized clips were re-encoded already; copying mixed originals
	// and re-encoded parts back to back would fail anyway.
	if !normalized {
		err := u.d.Video.Concat(ctx, list, []string{"-c", "copy"}, in.OutPath)
		if err == nil {
			return nil
		}
		u.log.Warn("lossless concat failed, re-encoding", "error", err)
		_ = os.Remove(in.OutPath)
	}

	reencode := []string{
		"-c:v", "libx264", "-preset", "medium", "-crf", "18",
		"-c:a", "aac", "-b:a", "192k", "-ac", "2",
		"-pix_fmt", "yuv420p",
	}
	if err := u.d.Video.Concat(ctx, list, reencode, in.OutPath); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

// normalizeDimensions re-encodes clips that do not match the first clip's
// frame size, scaling and center-cropping them to it. Returns the possibly
// substituted clip list, whether any clip was rewritten, and the temp
// directory holding rewritten clips (empty when none).
func (u *Usecase) normalizeDimensions(ctx context.Context, clips []string) ([]string, bool, string, error) {
	refW, refH, err := u.d.Video.ProbeDimensions(ctx, clips[0])
	if err != nil {
		u.log.Debug("dimension probe failed, concat without normalization", "error", err)
		return clips, false, "", nil
	}

	out := append([]string(nil), clips...)
	normalized := false
	var tmpDir string
	for i, clip := range clips[1:] {
		w, h, err := u.d.Video.ProbeDimensions(ctx, clip)
		if err != nil || (w == refW && h == refH) {
			continue
		}
		if tmpDir == "" {
			tmpDir, err = os.MkdirTemp("", "phrasecut-merge-")
			if err != nil {
				return nil, false, "", fmt.Errorf("merge: temp dir: %w", err)
			}
		}
		fixed := filepath.Join(tmpDir, fmt.Sprintf("norm_%03d.mp4", i+1))
		u.log.Info("normalizing clip dimensions for merge",
			"clip", clip, "from", fmt.Sprintf("%dx%d", w, h), "to", fmt.Sprintf("%dx%d", refW, refH))
		opts := ports.ProcessOpts{Speed: 1, Width: refW, Height: refH}
		if err := u.d.Video.ProcessVideo(ctx, clip, opts, fixed); err != nil {
			return nil, false, tmpDir, fmt.Errorf("merge: normalize %s: %w", clip, err)
		}
		out[i+1] = fixed
		normalized = true
	}
	return out, normalized, tmpDir, nil
}

type StoryInput struct {
	Files        []string
	Theme        string
	MaxSentences int
}

// PlanStory asks the story planner for an ordered list of transcript
// phrases matching the theme. The caller runs a search per phrase.
func (u *Usecase) PlanStory(ctx context.Context, in StoryInput) (types.StoryPlan, error) {
	if u.d.Planner == nil {
		return types.StoryPlan{}, errors.New("story: no planner configured, set the API key")
	}
	corpus, err := u.Sentences(ctx, in.Files)
	if err != nil {
		return types.StoryPlan{}, err
	}
	if len(corpus) == 0 {
		return types.StoryPlan{}, errors.New("story: no usable transcripts")
	}
	return u.d.Planner.Plan(ctx, corpus, in.Theme, in.MaxSentences)
}

func writeConcatList(clips []string) (string, error) {
	f, err := os.CreateTemp("", "phrasecut-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("merge: temp list: %w", err)
	}
	for _, clip := range clips {
		// A single quote inside a path closes and reopens the quoting.
		escaped := strings.ReplaceAll(clip, "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("merge: write list: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("merge: close list: %w", err)
	}
	return f.Name(), nil
}

func absFiles(files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, errors.New("no input files")
	}
	out := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	return out, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
