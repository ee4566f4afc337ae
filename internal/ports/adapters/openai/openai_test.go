package openai

import (
	"strings"
	"testing"

	"github.com/forPelevin/phrasecut/internal/types"
)

func TestParsePlan(t *testing.T) {
	t.Parallel()
	content := `{
		"explanation": " a short story ",
		"sentences": [
			{"sentence": "the cat sat", "source_segments": [" the cat ", "", "sat"]},
			{"sentence": "  ", "source_segments": ["ignored"]},
			{"sentence": "no segments here", "source_segments": []}
		]
	}`
	plan, err := ParsePlan(content)
	if err != nil {
		t.Fatalf("ParsePlan() error = %v", err)
	}
	if plan.Explanation != "a short story" {
		t.Errorf("explanation = %q", plan.Explanation)
	}
	if len(plan.Sentences) != 2 {
		t.Fatalf("sentences = %d, want 2", len(plan.Sentences))
	}
	first := plan.Sentences[0]
	if first.Sentence != "the cat sat" {
		t.Errorf("sentence = %q", first.Sentence)
	}
	if len(first.SourceSegments) != 2 || first.SourceSegments[0] != "the cat" || first.SourceSegments[1] != "sat" {
		t.Errorf("source segments = %v, want trimmed non-empty", first.SourceSegments)
	}
	if len(plan.Sentences[1].SourceSegments) != 0 {
		t.Errorf("second sentence segments = %v, want none", plan.Sentences[1].SourceSegments)
	}
}

func TestParsePlanFencedOutput(t *testing.T) {
	t.Parallel()
	content := "Here you go:\n```json\n{\"explanation\":\"x\",\"sentences\":[{\"sentence\":\"hello there\",\"source_segments\":[\"hello there\"]}]}\n```"
	plan, err := ParsePlan(content)
	if err != nil {
		t.Fatalf("ParsePlan() error = %v", err)
	}
	if len(plan.Sentences) != 1 || plan.Sentences[0].Sentence != "hello there" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestParsePlanLegacyStringSentences(t *testing.T) {
	t.Parallel()
	plan, err := ParsePlan(`{"sentences": ["just a sentence", "  "]}`)
	if err != nil {
		t.Fatalf("ParsePlan() error = %v", err)
	}
	if len(plan.Sentences) != 1 {
		t.Fatalf("sentences = %d, want 1", len(plan.Sentences))
	}
	if plan.Sentences[0].Sentence != "just a sentence" || len(plan.Sentences[0].SourceSegments) != 0 {
		t.Errorf("sentence = %+v", plan.Sentences[0])
	}
}

func TestParsePlanErrors(t *testing.T) {
	t.Parallel()
	for name, content := range map[string]string{
		"empty":        "",
		"no json":      "sorry, I cannot help",
		"no sentences": `{"explanation": "x", "sentences": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePlan(content); err == nil {
				t.Fatalf("ParsePlan(%q) error = nil, want failure", content)
			}
		})
	}
}

func TestBuildPromptListsCorpusPerFile(t *testing.T) {
	t.Parallel()
	corpus := []types.CorpusFile{
		{File: "/videos/a.mp4", Sentences: []string{"first sentence here", "second one"}},
		{File: "/videos/b.mp4", Sentences: []string{"other file"}},
	}
	prompt := buildPrompt(corpus, "a space adventure", 5)
	if !strings.Contains(prompt, "a.mp4: first sentence here second one") {
		t.Errorf("prompt missing corpus line for a.mp4:\n%s", prompt)
	}
	if !strings.Contains(prompt, "a space adventure") {
		t.Errorf("prompt missing user theme")
	}
	if !strings.Contains(prompt, "Create up to 5 sentences") {
		t.Errorf("prompt missing sentence cap")
	}
}
