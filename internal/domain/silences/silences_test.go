package silences

import (
	"testing"

	"github.com/forPelevin/phrasecut/internal/types"
)

func tok(text string, start, end float64) types.Token {
	return types.Token{Text: text, Normalized: text, Start: start, End: end}
}

func TestFind(t *testing.T) {
	t.Parallel()
	tokens := []types.Token{
		tok("hello", 0.0, 0.4),
		tok("world", 0.6, 1.0), // 0.2s gap before
		tok("today", 2.5, 3.0), // 1.5s gap before
		tok("friends", 3.05, 3.4),
	}

	got := Find(tokens, 0.5, 10.0)
	if len(got) != 1 {
		t.Fatalf("silences = %d, want 1", len(got))
	}
	s := got[0]
	if s.Start != 1.0 || s.End != 2.5 {
		t.Errorf("range = [%v, %v], want [1.0, 2.5]", s.Start, s.End)
	}
	if s.WordBefore != "world" || s.WordAfter != "today" {
		t.Errorf("words = %q/%q", s.WordBefore, s.WordAfter)
	}
}

func TestFindBounds(t *testing.T) {
	t.Parallel()
	tokens := []types.Token{
		tok("a", 0, 1),
		tok("b", 1.2, 2), // 0.2
		tok("c", 3.0, 4), // 1.0
		tok("d", 6.0, 7), // 2.0
	}

	cases := []struct {
		name           string
		minGap, maxGap float64
		want           int
	}{
		{"all", 0, 10, 3},
		{"inclusive edges", 0.2, 2.0, 3},
		{"narrow", 0.5, 1.5, 1},
		{"inverted range", 2, 1, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Find(tokens, tc.minGap, tc.maxGap); len(got) != tc.want {
				t.Errorf("silences = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestFindTooFewWords(t *testing.T) {
	t.Parallel()
	if got := Find([]types.Token{tok("a", 0, 1)}, 0, 10); got != nil {
		t.Errorf("silences = %v, want none", got)
	}
}
