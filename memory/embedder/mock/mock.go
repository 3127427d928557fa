// Package mock provides a deterministic embedder for tests. Unlike a pure
// text-hash embedder, it embeds per token and averages, so texts sharing
// words score a real, predictable cosine similarity while unrelated texts
// stay near zero. That makes retrieval, correction and forget-precision
// behavior testable without a model.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/recallhq/recall/memory"
)

// Embedder generates deterministic bag-of-words embeddings.
type Embedder struct {
	dims int
}

// New returns a mock embedder with 384 dimensions (matching
// all-MiniLM-L6-v2, the usual local model).
func New() *Embedder {
	return NewWithDimensions(384)
}

// NewWithDimensions returns a mock embedder of the given size.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dims: dims}
}

// Embed sums a pseudo-random unit vector per token and normalizes the
// result. Shared tokens produce proportional cosine similarity.
func (m *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := make([]float32, m.dims)
	for _, tok := range memory.Tokenize(text) {
		vec := m.tokenVector(tok)
		for i, v := range vec {
			sum[i] += v
		}
	}
	return normalize(sum), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dims
}

// tokenVector derives a unit vector from the token's hash via an LCG.
func (m *Embedder) tokenVector(tok string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(tok))
	seed := h.Sum64()

	vec := make([]float32, m.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
