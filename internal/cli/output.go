package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/forPelevin/phrasecut/internal/types"
)

// streamEvents drains one result stream. JSON mode writes every event as
// a line on stdout; human mode narrates progress on stderr and renders a
// table on stdout once the stream ends.
func streamEvents(events <-chan types.Event, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		segments []types.SegmentResult
		silences []types.SilenceResult
		done     types.Done
	)
	for ev := range events {
		switch e := ev.(type) {
		case types.Progress:
			if e.TotalClips > 0 {
				fmt.Fprintf(os.Stderr, "  clip %d/%d of %q\n", e.ClipIndex, e.TotalClips, e.SegmentPhrase)
			} else {
				fmt.Fprintf(os.Stderr, "segment %d/%d: %q\n", e.SegmentIndex, e.TotalSegments, e.SegmentPhrase)
			}
		case types.SegmentResult:
			segments = append(segments, e)
		case types.SilenceResult:
			silences = append(silences, e)
		case types.Done:
			done = e
		}
	}

	if len(segments) > 0 {
		printSegmentResults(os.Stdout, segments)
	}
	if len(silences) > 0 {
		printSilenceResults(os.Stdout, silences)
	}
	fmt.Printf("%d segments, %d skipped\n", done.TotalSegments, done.TotalSkipped)
	return nil
}

func printSegmentResults(w io.Writer, results []types.SegmentResult) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Phrase", "Words", "Clip", "Start", "End"})
	for _, r := range results {
		if r.Skipped {
			t.AppendRow(table.Row{r.Phrase, r.WordCount, "(skipped)", "", ""})
			continue
		}
		for _, c := range r.Files {
			t.AppendRow(table.Row{
				r.Phrase, r.WordCount, filepath.Base(c.File),
				fmt.Sprintf("%.2f", c.Start), fmt.Sprintf("%.2f", c.End),
			})
		}
	}
	t.Render()
}

func printSilenceResults(w io.Writer, results []types.SilenceResult) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Source", "Clip", "Start", "End"})
	for _, r := range results {
		for _, c := range r.Files {
			t.AppendRow(table.Row{
				filepath.Base(c.SourceVideo), filepath.Base(c.File),
				fmt.Sprintf("%.2f", c.SilenceStart), fmt.Sprintf("%.2f", c.SilenceEnd),
			})
		}
	}
	t.Render()
}

func printSilenceRanges(w io.Writer, ranges []types.SilenceRange) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Source", "Start", "End", "Gap", "Before", "After"})
	for _, r := range ranges {
		t.AppendRow(table.Row{
			filepath.Base(r.Source),
			fmt.Sprintf("%.2f", r.Start), fmt.Sprintf("%.2f", r.End),
			fmt.Sprintf("%.2fs", r.Gap),
			r.WordBefore, r.WordAfter,
		})
	}
	t.Render()
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Phrase", WidthMax: 48},
	})
	return t
}
