// Package openai embeds text through OpenAI's embedding endpoint, or any
// compatible server reachable via a custom base URL.
package openai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/aide/internal/memory/embeddings"
)

// Provider implements embeddings.Provider on the OpenAI API.
type Provider struct {
	client *openai.Client
	model  string
}

var _ embeddings.Provider = (*Provider)(nil)

// Config carries the provider settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New builds the provider. The API key is required; the model defaults to
// text-embedding-3-small.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embeddings: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

// Dimension reports the vector width for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	default:
		// text-embedding-3-small and text-embedding-ada-002.
		return 1536
	}
}

// MaxBatchSize is the API's per-request input cap.
func (p *Provider) MaxBatchSize() int { return 2048 }

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return vecs[0], nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	// The API may return entries out of order; Index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vecs) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", data.Index)
		}
		vecs[data.Index] = data.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("create embeddings: no vector for input %d", i)
		}
	}
	return vecs, nil
}
