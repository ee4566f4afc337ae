// Package match locates phrase occurrences in word-timestamped transcripts.
//
// Matching works on normalized tokens: transcript words and query words are
// folded the same way, then compared as whole-word sequences. Short phrases
// must additionally sit between silences so single words cut out of the
// middle of a sentence do not count.
package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/forPelevin/phrasecut/internal/types"
)

// Options bounds what counts as a usable occurrence.
type Options struct {
	// MinGap and MaxGap bound the silence required around short phrases,
	// in seconds.
	MinGap float64
	MaxGap float64
	// WordThreshold is the span length (in words) from which the silence
	// check is waived. Values below 1 are treated as 1.
	WordThreshold int
	// MinSpanWords drops sub-spans shorter than this many words when
	// enumerating; the full query is always kept. Zero disables the
	// filter.
	MinSpanWords int
}

// NormalizeToken folds a word for comparison: NFKC, lowercase, and any
// leading or trailing non-alphanumeric runs removed. Returns "" for tokens
// with no word content.
func NormalizeToken(token string) string {
	t := strings.ToLower(strings.TrimSpace(norm.NFKC.String(token)))
	if t == "" {
		return ""
	}
	return strings.TrimFunc(t, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Flatten turns a transcript into the flat token sequence matching runs
// over. Words that normalize to nothing carry no matchable content and are
// dropped.
func Flatten(tr types.Transcript) []types.Token {
	var tokens []types.Token
	for _, seg := range tr.Segments {
		for _, w := range seg.Words {
			normalized := NormalizeToken(w.Word)
			if normalized == "" {
				continue
			}
			tokens = append(tokens, types.Token{
				Text:       w.Word,
				Normalized: normalized,
				Start:      w.Start,
				End:        w.End,
			})
		}
	}
	return tokens
}

// ForSpan returns every occurrence of span in tokens. A window matches when
// its normalized words equal the span's normalized words in order. Matches
// shorter than the word threshold are kept only when the silence before and
// after both fall inside [MinGap, MaxGap].
func ForSpan(span string, tokens []types.Token, opts Options) []types.Match {
	spanWords := normalizeWords(span)
	n := len(spanWords)
	if n == 0 || len(tokens) == 0 {
		return nil
	}
	threshold := opts.WordThreshold
	if threshold < 1 {
		threshold = 1
	}

	var matches []types.Match
	for i := 0; i+n <= len(tokens); i++ {
		if !windowEquals(tokens[i:i+n], spanWords) {
			continue
		}
		start := tokens[i].Start
		end := tokens[i+n-1].End

		// The first and last token of the file are bounded by the file
		// edges, which count as silence.
		gapBefore := start
		if i > 0 {
			gapBefore = start - tokens[i-1].End
		}
		gapAfter := opts.MaxGap
		if i+n < len(tokens) {
			gapAfter = tokens[i+n].Start - end
		}
		if gapBefore < 0 {
			gapBefore = 0
		}
		if gapAfter < 0 {
			gapAfter = 0
		}

		if n < threshold {
			if gapBefore < opts.MinGap || gapBefore > opts.MaxGap ||
				gapAfter < opts.MinGap || gapAfter > opts.MaxGap {
				continue
			}
		}

		matches = append(matches, types.Match{
			Segment:   span,
			Start:     start,
			End:       end,
			GapBefore: gapBefore,
			GapAfter:  gapAfter,
		})
	}
	return matches
}

// AllSpans enumerates every contiguous sub-span of query and collects the
// occurrences of each, deduplicated by (start, end, span text). With
// MinSpanWords set, sub-spans below that length are skipped so stop words
// do not flood the results; the full query always participates.
func AllSpans(query string, tokens []types.Token, opts Options) []types.Match {
	words := strings.Fields(query)
	total := len(words)
	if total == 0 {
		return nil
	}
	full := strings.Join(words, " ")

	type rangeKey struct {
		start, end float64
		span       string
	}
	seen := make(map[rangeKey]struct{})

	var matches []types.Match
	for i := 0; i < total; i++ {
		for j := i + 1; j <= total; j++ {
			span := strings.Join(words[i:j], " ")
			if opts.MinSpanWords > 0 && j-i < opts.MinSpanWords && span != full {
				continue
			}
			for _, m := range ForSpan(span, tokens, opts) {
				key := rangeKey{m.Start, m.End, span}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				matches = append(matches, m)
			}
		}
	}
	return matches
}

func normalizeWords(s string) []string {
	raw := strings.Fields(s)
	words := make([]string, 0, len(raw))
	for _, w := range raw {
		if n := NormalizeToken(w); n != "" {
			words = append(words, n)
		}
	}
	return words
}

func windowEquals(window []types.Token, words []string) bool {
	for k, w := range words {
		if window[k].Normalized != w {
			return false
		}
	}
	return true
}
