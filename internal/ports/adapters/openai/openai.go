package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/forPelevin/phrasecut/internal/types"
)

type Adapter struct {
	model   string
	timeout time.Duration
	client  *goopenai.Client
}

func New(apiKey, model, baseURL string, timeout time.Duration) *Adapter {
	if model == "" {
		model = goopenai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Adapter{model: model, timeout: timeout, client: goopenai.NewClientWithConfig(cfg)}
}

func (a *Adapter) Plan(ctx context.Context, corpus []types.CorpusFile, theme string, maxSentences int) (types.StoryPlan, error) {
	if len(corpus) == 0 {
		return types.StoryPlan{}, errors.New("story plan: empty corpus")
	}
	if maxSentences <= 0 {
		maxSentences = 10
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(reqCtx, goopenai.ChatCompletionRequest{
		Model: a.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: buildPrompt(corpus, theme, maxSentences)},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return types.StoryPlan{}, fmt.Errorf("story plan: timeout after %s (model=%s)", a.timeout, a.model)
		}
		return types.StoryPlan{}, fmt.Errorf("story plan: %w", err)
	}
	if len(resp.Choices) == 0 {
		return types.StoryPlan{}, errors.New("story plan: empty response")
	}

	return ParsePlan(resp.Choices[0].Message.Content)
}

// ParsePlan decodes the model output into a story plan. The model is asked
// for bare JSON but fenced or prefixed output still parses.
func ParsePlan(content string) (types.StoryPlan, error) {
	clean, err := extractJSONObject(content)
	if err != nil {
		return types.StoryPlan{}, err
	}

	var raw struct {
		Explanation string            `json:"explanation"`
		Sentences   []json.RawMessage `json:"sentences"`
	}
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return types.StoryPlan{}, fmt.Errorf("story plan: decode response: %w", err)
	}

	plan := types.StoryPlan{Explanation: strings.TrimSpace(raw.Explanation)}
	for _, item := range raw.Sentences {
		var obj struct {
			Sentence       string   `json:"sentence"`
			SourceSegments []string `json:"source_segments"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			// Older prompt revisions answered with plain strings.
			var s string
			if err2 := json.Unmarshal(item, &s); err2 != nil {
				continue
			}
			obj.Sentence = s
		}

		sentence := strings.TrimSpace(obj.Sentence)
		if sentence == "" {
			continue
		}
		segs := make([]string, 0, len(obj.SourceSegments))
		for _, seg := range obj.SourceSegments {
			if seg = strings.TrimSpace(seg); seg != "" {
				segs = append(segs, seg)
			}
		}
		plan.Sentences = append(plan.Sentences, types.StorySentence{Sentence: sentence, SourceSegments: segs})
	}

	if len(plan.Sentences) == 0 {
		return types.StoryPlan{}, errors.New("story plan: no valid sentences in response")
	}
	return plan, nil
}

func buildPrompt(corpus []types.CorpusFile, theme string, maxSentences int) string {
	var corpusText strings.Builder
	for _, cf := range corpus {
		corpusText.WriteString(filepath.Base(cf.File))
		corpusText.WriteString(": ")
		corpusText.WriteString(strings.Join(cf.Sentences, " "))
		corpusText.WriteString("\n")
	}

	return fmt.Sprintf(`You are a video editor assistant. You have access to a corpus of video segments and need to create a story by creatively combining parts of these segments.

User's creative prompt: %s

Available segments (for reference):
%s
CRITICAL RULES - YOU MUST FOLLOW THESE:
1. Use ONLY words that appear in the corpus segments above. Do NOT invent, translate, or add any words that are not in the corpus.
2. Maintain the EXACT language of the corpus. If the corpus is in German, your sentences must be in German. If it's in English, use English. Do NOT translate.
3. You can rearrange and combine words/phrases from the corpus, but every word must come from the segments provided.
4. Prefer using longer segments when they fit naturally, but you can break them apart and recombine parts if needed for grammatical correctness.

Task: Create up to %d sentences that form a coherent story/narrative matching the user's prompt.

Respond with ONLY a JSON object in this exact format:
{
  "explanation": "Brief explanation of the story you created (in the same language as the corpus)",
  "sentences": [
    {
      "sentence": "Your created sentence here",
      "source_segments": ["original corpus segment 1", "original corpus segment 2"]
    }
  ]
}

IMPORTANT FORMATTING RULES:
- "sentence": The grammatically correct sentence you created
- "source_segments": An array of searchable parts that can be found in the corpus. When you rearrange words, split your sentence into parts that match the corpus exactly.
- Each part in source_segments must be an EXACT substring from the corpus (case-insensitive matching is OK, but word order must match)
- If you used a segment as-is, source_segments can be just that one segment
- The source_segments will be searched separately, so each part must be findable in the corpus

Example:
- Corpus contains: "in der vergangenen nacht waren in vielen teilen deutschlands wieder polarlichter zu sehen"
- You create the sentence: "In vielen Teilen Deutschlands waren wieder polarlichter zu sehen"
- You MUST provide source_segments as: ["in vielen teilen deutschlands", "waren", "wieder polarlichter zu sehen"]
- DO NOT provide unrelated corpus segments - only provide parts that are actually in your created sentence`,
		theme, corpusText.String(), maxSentences)
}

func extractJSONObject(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", errors.New("story plan: empty content")
	}

	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		}
		if j := strings.LastIndex(t, "```"); j >= 0 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}

	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start >= 0 && end > start {
		return t[start : end+1], nil
	}
	return "", fmt.Errorf("story plan: could not locate JSON object in: %q", truncate(t, 200))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
