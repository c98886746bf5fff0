package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashProvider is an offline embedder based on feature hashing of
// lowercased tokens. Texts sharing words land close together, which is
// enough for local runs and tests without a model server.
type HashProvider struct {
	dimensions int
}

// NewHash creates a hash embedder with the given dimensions.
func NewHash(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashProvider{dimensions: dimensions}
}

// Embed hashes each token into a signed bucket and normalizes the result.
func (h *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimensions)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimensions))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return Normalize(vec), nil
}

// Dimensions returns the embedding size.
func (h *HashProvider) Dimensions() int {
	return h.dimensions
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
