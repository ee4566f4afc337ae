// Package silences finds stretches of a transcript where nobody speaks.
package silences

import (
	"github.com/forPelevin/phrasecut/internal/types"
)

// Find scans consecutive word boundaries and returns every inter-word gap
// whose length lies in [minGap, maxGap], in timeline order. Gaps at the
// file edges are not silences; there is no preceding or following word to
// anchor them.
func Find(tokens []types.Token, minGap, maxGap float64) []types.SilenceRange {
	if maxGap < minGap || len(tokens) < 2 {
		return nil
	}

	var out []types.SilenceRange
	for i := 0; i+1 < len(tokens); i++ {
		cur, next := tokens[i], tokens[i+1]
		gap := next.Start - cur.End
		if gap < minGap || gap > maxGap {
			continue
		}
		out = append(out, types.SilenceRange{
			Start:      cur.End,
			End:        next.Start,
			Gap:        gap,
			WordBefore: cur.Text,
			WordAfter:  next.Text,
		})
	}
	return out
}
