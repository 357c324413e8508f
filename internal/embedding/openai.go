package embedding

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "text-embedding-3-small"
)

// openAIProvider speaks the OpenAI embeddings REST API, including
// compatible proxies that expose the same surface.
type openAIProvider struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	dimension int
}

type openAIEmbedRequest struct {
	Input          any    `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func newOpenAIProvider(cfg config.EmbeddingConfig) (*openAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperr.New(apperr.Validation, "embedding.openai", "apiKey is required for the openai provider")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openAIDefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &openAIProvider{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     model,
		dimension: cfg.Dimension,
	}, nil
}

func (p *openAIProvider) Name() string    { return "openai" }
func (p *openAIProvider) Model() string   { return p.model }
func (p *openAIProvider) Dimensions() int { return p.dimension }

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := p.embedRequest(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, apperr.Newf(apperr.Embedding, "embedding.openai", "no embedding returned for model %s", p.model)
	}
	return results[0], nil
}

func (p *openAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results, err := p.embedRequest(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, apperr.Newf(apperr.Embedding, "embedding.openai",
			"got %d embeddings for %d inputs (model=%s)", len(results), len(texts), p.model)
	}
	return results, nil
}

func (p *openAIProvider) embedRequest(ctx context.Context, input any) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{
		Input:          input,
		Model:          p.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Embedding, "embedding.openai", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Embedding, "embedding.openai", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.Timeout, "embedding.openai", err)
		}
		return nil, apperr.Wrap(apperr.Connection, "embedding.openai", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apperr.Newf(apperr.RateLimit, "embedding.openai",
			"rate limited by provider (model=%s)", p.model).WithRetryAfter(retryAfter)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.Newf(apperr.Authentication, "embedding.openai",
			"provider rejected credentials (status=%d)", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Newf(apperr.Embedding, "embedding.openai",
			"provider error (model=%s, status=%d): %s", p.model, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, apperr.Wrap(apperr.Parse, "embedding.openai", err)
	}

	// Providers may return entries out of order; the index field is authoritative.
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	results := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		results[i] = d.Embedding
	}
	return results, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 30 * time.Second
	}
	if d, err := time.ParseDuration(header + "s"); err == nil {
		return d
	}
	return 30 * time.Second
}
