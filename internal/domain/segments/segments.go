// Package segments groups raw matches into per-phrase result groups and
// extracts display sentences from transcripts.
package segments

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/forPelevin/phrasecut/internal/types"
)

// Filter selects which discovered spans survive aggregation.
type Filter struct {
	// IncludePartial keeps sub-spans of the query. Off, only exact
	// occurrences of the full query survive.
	IncludePartial bool
	// AllPartial keeps every sub-span, down to single stop words.
	AllPartial bool
	// MinWords is the length floor for sub-spans when AllPartial is off.
	// Values below 1 fall back to 3.
	MinWords int
}

// Aggregate groups matches by their span text, orders groups longest phrase
// first, applies the partial-match filter, and caps each group to
// maxPerSegment occurrences in discovery order.
func Aggregate(matches []types.Match, query string, f Filter, maxPerSegment int) []types.SegmentGroup {
	if len(matches) == 0 {
		return nil
	}

	groups := make(map[string][]types.Match)
	var order []string
	for _, m := range matches {
		if _, ok := groups[m.Segment]; !ok {
			order = append(order, m.Segment)
		}
		groups[m.Segment] = append(groups[m.Segment], m)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return wordCount(order[i]) > wordCount(order[j])
	})

	queryNorm := NormalizePhrase(query)
	if !f.IncludePartial {
		kept := order[:0]
		for _, s := range order {
			if NormalizePhrase(s) == queryNorm {
				kept = append(kept, s)
			}
		}
		order = kept
	} else {
		order = orderPartials(order, queryNorm, f)
	}

	out := make([]types.SegmentGroup, 0, len(order))
	for _, s := range order {
		ms := groups[s]
		if maxPerSegment > 0 && len(ms) > maxPerSegment {
			ms = ms[:maxPerSegment]
		}
		out = append(out, types.SegmentGroup{Phrase: s, WordCount: wordCount(s), Matches: ms})
	}
	return out
}

// orderPartials arranges span groups for partial-match mode. When the full
// query was found, spans at least as long come first and shorter spans that
// are just fragments of those are dropped. Short leftovers below the word
// floor are kept only when no longer span contains them.
func orderPartials(order []string, queryNorm string, f Filter) []string {
	minWords := f.MinWords
	if minWords < 1 {
		minWords = 3
	}

	fullExists := false
	for _, s := range order {
		if NormalizePhrase(s) == queryNorm {
			fullExists = true
			break
		}
	}

	if !fullExists {
		if f.AllPartial {
			return order
		}
		return filterShortFragments(order, order, minWords)
	}

	queryWords := wordCount(queryNorm)
	var prioritized, rest []string
	for _, s := range order {
		n := NormalizePhrase(s)
		if wordCount(n) >= queryWords || n == queryNorm {
			prioritized = append(prioritized, s)
			continue
		}
		if !containedInLonger(n, prioritized) {
			rest = append(rest, s)
		}
	}
	if f.AllPartial {
		return append(prioritized, rest...)
	}

	combined := make([]string, 0, len(prioritized)+len(rest))
	combined = append(combined, prioritized...)
	combined = append(combined, rest...)
	return append(prioritized, filterShortFragments(rest, combined, minWords)...)
}

func filterShortFragments(candidates, all []string, minWords int) []string {
	var kept []string
	for _, s := range candidates {
		n := NormalizePhrase(s)
		if wordCount(n) >= minWords || !containedInLonger(n, all) {
			kept = append(kept, s)
		}
	}
	return kept
}

func containedInLonger(normSeg string, others []string) bool {
	segWords := wordCount(normSeg)
	for _, o := range others {
		on := NormalizePhrase(o)
		if wordCount(on) > segWords && strings.Contains(on, normSeg) {
			return true
		}
	}
	return false
}

// NormalizePhrase lowercases and collapses whitespace for phrase equality
// checks.
func NormalizePhrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeSentence applies NFKC and collapses whitespace runs.
func NormalizeSentence(text string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(text)), " ")
}

// ExtractSentences returns one display sentence per transcript segment,
// preferring the segment content over the joined words. Consecutive
// duplicates (ignoring case) collapse to one.
func ExtractSentences(tr types.Transcript) []string {
	var out []string
	var prevLower string
	for _, seg := range tr.Segments {
		text := ""
		if strings.TrimSpace(seg.Content) != "" {
			text = NormalizeSentence(seg.Content)
		} else if len(seg.Words) > 0 {
			words := make([]string, 0, len(seg.Words))
			for _, w := range seg.Words {
				if t := strings.TrimSpace(w.Word); t != "" {
					words = append(words, t)
				}
			}
			text = NormalizeSentence(strings.Join(words, " "))
		}
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		if len(out) > 0 && lower == prevLower {
			continue
		}
		prevLower = lower
		out = append(out, text)
	}
	return out
}

// HasContent reports whether any segment carries text or words. Transcripts
// without content are not worth searching.
func HasContent(tr types.Transcript) bool {
	for _, seg := range tr.Segments {
		if strings.TrimSpace(seg.Content) != "" || len(seg.Words) > 0 {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
