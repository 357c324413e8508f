package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockProvider produces deterministic pseudo-embeddings derived from the
// input text. Used for the local provider variant and in tests; equal texts
// always map to equal vectors.
type MockProvider struct {
	dimension int
}

// NewMockProvider creates a MockProvider emitting vectors of the given length.
func NewMockProvider(dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 8
	}
	return &MockProvider{dimension: dimension}
}

func (p *MockProvider) Name() string    { return "mock" }
func (p *MockProvider) Model() string   { return "deterministic" }
func (p *MockProvider) Dimensions() int { return p.dimension }

func (p *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dimension)
	var norm float64
	for i := range vec {
		// xorshift64 over the seed gives a stable pseudo-random sequence.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
