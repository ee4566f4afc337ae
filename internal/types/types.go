package types

type Transcript struct {
	Segments []Segment
}

type Segment struct {
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
	Content string  `json:"content,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// Token is one indexable transcript word: raw text plus its normalized
// form. Words whose normalized form is empty are not indexable.
type Token struct {
	Text       string
	Normalized string
	Start      float64
	End        float64
}

// Match is one occurrence of a phrase span in a source file. Segment holds
// the span text verbatim from the query, not the transcript's casing.
type Match struct {
	Segment   string
	Start     float64
	End       float64
	Source    string
	GapBefore float64
	GapAfter  float64
}

type SegmentGroup struct {
	Phrase    string
	WordCount int
	Matches   []Match
}

// ClipInfo describes one exported clip. OriginalStart/OriginalEnd are the
// padded window bounds on the source timeline (what the clip file actually
// contains); Start/End are the raw match bounds.
type ClipInfo struct {
	File          string  `json:"file"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Segment       string  `json:"segment"`
	SourceVideo   string  `json:"source_video"`
	OriginalStart float64 `json:"original_start"`
	OriginalEnd   float64 `json:"original_end"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
}

type SilenceRange struct {
	Source     string  `json:"source"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Gap        float64 `json:"gap"`
	WordBefore string  `json:"word_before"`
	WordAfter  string  `json:"word_after"`
}

type SilenceClipInfo struct {
	File          string  `json:"file"`
	SourceVideo   string  `json:"source_video"`
	SilenceStart  float64 `json:"silence_start"`
	SilenceEnd    float64 `json:"silence_end"`
	OriginalStart float64 `json:"original_start"`
	OriginalEnd   float64 `json:"original_end"`
	WordBefore    string  `json:"word_before"`
	WordAfter     string  `json:"word_after"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
}

// CorpusFile is the sentence corpus extracted from one source video,
// handed to the story planner.
type CorpusFile struct {
	File      string   `json:"file"`
	Sentences []string `json:"sentences"`
}

type StorySentence struct {
	Sentence       string   `json:"sentence"`
	SourceSegments []string `json:"source_segments"`
}

type StoryPlan struct {
	Explanation string          `json:"explanation"`
	Sentences   []StorySentence `json:"sentences"`
}

// Event is one element of a search result stream.
type Event interface{ event() }

type Progress struct {
	Progress      string `json:"progress"`
	SegmentIndex  int    `json:"segment_index"`
	TotalSegments int    `json:"total_segments"`
	SegmentPhrase string `json:"segment_phrase"`
	ClipIndex     int    `json:"clip_index,omitempty"`
	TotalClips    int    `json:"total_clips,omitempty"`
}

type SegmentResult struct {
	Phrase    string     `json:"phrase"`
	Files     []ClipInfo `json:"files"`
	WordCount int        `json:"word_count"`
	Skipped   bool       `json:"skipped,omitempty"`
}

type SilenceResult struct {
	Phrase    string            `json:"phrase"`
	Files     []SilenceClipInfo `json:"files"`
	WordCount int               `json:"word_count"`
}

type Done struct {
	Done          bool `json:"done"`
	TotalSegments int  `json:"total_segments"`
	TotalSkipped  int  `json:"total_skipped"`
}

func (Progress) event()      {}
func (SegmentResult) event() {}
func (SilenceResult) event() {}
func (Done) event()          {}
