// Package embedding produces query and document embeddings with a
// provider abstraction and its own cache layer.
package embedding

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
)

// Provider is a single embedding back-end.
type Provider interface {
	// Embed produces one vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch produces one vector per input, preserving index order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the vector length this provider emits.
	Dimensions() int
	// Name is the provider tag used in cache keys.
	Name() string
	// Model is the model identifier used in cache keys.
	Model() string
}

// NewProvider builds a Provider from configuration.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAIProvider(cfg)
	case "ollama":
		return newOllamaProvider(cfg)
	case "mock":
		return NewMockProvider(cfg.Dimension), nil
	default:
		return nil, apperr.Newf(apperr.Validation, "embedding.NewProvider",
			"unsupported embedding provider %q", cfg.Provider)
	}
}

// TextHash returns the stable non-cryptographic 32-bit hash of text,
// rendered in base36, used in embedding cache keys.
func TextHash(text string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}
