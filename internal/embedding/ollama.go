package embedding

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
)

const (
	ollamaDefaultBaseURL = "http://localhost:11434"
	ollamaDefaultModel   = "nomic-embed-text"
)

// ollamaProvider talks to a local Ollama instance. Requests are serialized:
// the llama runner is unreliable under concurrent embedding load.
type ollamaProvider struct {
	client    *http.Client
	baseURL   string
	model     string
	dimension int
	sem       chan struct{}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func newOllamaProvider(cfg config.EmbeddingConfig) (*ollamaProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = ollamaDefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ollamaProvider{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		dimension: cfg.Dimension,
		sem:       make(chan struct{}, 1),
	}, nil
}

func (p *ollamaProvider) Name() string    { return "ollama" }
func (p *ollamaProvider) Model() string   { return p.model }
func (p *ollamaProvider) Dimensions() int { return p.dimension }

func (p *ollamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Timeout, "embedding.ollama", ctx.Err())
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, apperr.Wrap(apperr.Embedding, "embedding.ollama", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Embedding, "embedding.ollama", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.Timeout, "embedding.ollama", err)
		}
		return nil, apperr.Wrap(apperr.Connection, "embedding.ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Newf(apperr.Embedding, "embedding.ollama",
			"ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, apperr.Wrap(apperr.Parse, "embedding.ollama", err)
	}
	return embedResp.Embedding, nil
}

// EmbedBatch loops over the inputs; the Ollama embeddings endpoint takes
// one prompt per call.
func (p *ollamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}
