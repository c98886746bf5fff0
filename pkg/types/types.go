package types

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a memory record. The set is closed.
type Category string

const (
	CategorySemantic   Category = "semantic"
	CategoryEpisodic   Category = "episodic"
	CategoryEmotional  Category = "emotional"
	CategoryPredictive Category = "predictive"
)

// Categories lists every valid category in a stable order.
var Categories = []Category{CategorySemantic, CategoryEpisodic, CategoryEmotional, CategoryPredictive}

// ParseCategory normalizes s and returns the matching category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, s)
	}
	return c, nil
}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	switch c {
	case CategorySemantic, CategoryEpisodic, CategoryEmotional, CategoryPredictive:
		return true
	}
	return false
}

// MemoryRecord represents one persisted memory item.
type MemoryRecord struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	Category        Category  `json:"category"`
	Importance      float64   `json:"importance"`
	Embedding       []float32 `json:"embedding,omitempty"`
	EmotionTags     []string  `json:"emotion_tags,omitempty"`
	EntityRefs      []string  `json:"entity_refs,omitempty"`
	SourceSessionID string    `json:"source_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	AccessCount     int64     `json:"access_count"`
}

// HasEmbedding reports whether the record can take part in vector search.
func (r MemoryRecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// Candidate is a memory proposed by the extraction step, not yet stored.
type Candidate struct {
	Content     string    `json:"content"`
	Category    Category  `json:"type"`
	Importance  float64   `json:"importance"`
	Embedding   []float32 `json:"embedding,omitempty"`
	EmotionTags []string  `json:"emotion_tags,omitempty"`
	EntityRefs  []string  `json:"entity_refs,omitempty"`
}

// Validate checks the fields the curator relies on.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("%w: content must not be empty", ErrInvalidInput)
	}
	if !c.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, c.Category)
	}
	if err := ValidateImportance(c.Importance); err != nil {
		return err
	}
	return nil
}

// ValidateFor is Validate plus a check that any supplied embedding has
// dims entries. dims <= 0 skips the length check.
func (c Candidate) ValidateFor(dims int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return ValidateEmbedding(c.Embedding, dims)
}

// ValidateEmbedding rejects a non-empty vector whose length is not dims.
func ValidateEmbedding(vec []float32, dims int) error {
	if len(vec) == 0 || dims <= 0 || len(vec) == dims {
		return nil
	}
	return fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrInvalidInput, len(vec), dims)
}

// ValidateImportance rejects values outside [0, 1].
func ValidateImportance(v float64) error {
	if v != v || v < 0 || v > 1 {
		return fmt.Errorf("%w: importance %v outside [0,1]", ErrInvalidInput, v)
	}
	return nil
}

// ScoredMemory is a ranked retrieval result.
type ScoredMemory struct {
	Record          MemoryRecord `json:"record"`
	Score           float64      `json:"score"`
	Similarity      float64      `json:"similarity"`
	Recency         float64      `json:"recency"`
	DerivationScore float64      `json:"derivation_score"`
}

// TriggerHistoryEntry is one accepted proactive trigger.
type TriggerHistoryEntry struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	FiredAt        time.Time `json:"fired_at"`
	MessageSummary string    `json:"message_summary,omitempty"`
}

// ContextPack is optimized for prompt injection into a reply generator.
type ContextPack struct {
	Text            string   `json:"text"`
	EstimatedTokens int      `json:"estimated_tokens"`
	MemoryIDs       []string `json:"memory_ids"`
}

// RememberInput is one conversation turn to learn from. Candidates, when
// present, are curated directly and extraction is skipped.
type RememberInput struct {
	SessionID      string      `json:"session_id"`
	UserMessage    string      `json:"user_message"`
	AssistantReply string      `json:"assistant_reply"`
	Candidates     []Candidate `json:"candidates,omitempty"`
}

// RememberResult reports what a turn produced.
type RememberResult struct {
	Extracted int      `json:"extracted"`
	Inserted  []string `json:"inserted"`
}

// RecallInput is a retrieval request. A nil Threshold uses the configured default.
type RecallInput struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding,omitempty"`
	Limit     int       `json:"limit"`
	Threshold *float64  `json:"threshold,omitempty"`
}

// ContextPackInput controls context pack generation.
type ContextPackInput struct {
	Query       string `json:"query"`
	TokenBudget int    `json:"token_budget"`
	Limit       int    `json:"limit"`
}
