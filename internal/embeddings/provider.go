package embeddings

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
)

// Provider turns text into a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// New builds the configured provider wrapped in a cache.
func New(cfg config.EmbeddingsConfig, logger *log.Logger) (Provider, error) {
	var base Provider
	switch cfg.Provider {
	case "ollama":
		base = NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimensions, time.Duration(cfg.TimeoutSeconds)*time.Second)
	case "hash", "":
		base = NewHash(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
	if cfg.CacheEntries <= 0 {
		return base, nil
	}
	cached, err := NewCached(base, cfg.CacheEntries)
	if err != nil {
		logger.Warn("embedding cache disabled", "error", err)
		return base, nil
	}
	return cached, nil
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// empty vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns vec scaled to unit length.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
