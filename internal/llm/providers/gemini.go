// Package providers contains the concrete LM backends wired into the
// fallback chain: Gemini, Groq, and Anthropic. Each backend builds its
// client per call from the API key handed down by the manager, which is
// what makes key rotation work without shared client state.
package providers

import (
	"context"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/aide/internal/llm"
	"github.com/haasonsaas/aide/pkg/models"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini serves requests through the Google AI Studio API.
type Gemini struct {
	defaultModel string
}

// NewGemini builds the provider. An empty model selects gemini-2.0-flash.
func NewGemini(defaultModel string) *Gemini {
	if defaultModel == "" {
		defaultModel = defaultGeminiModel
	}
	return &Gemini{defaultModel: defaultModel}
}

func (p *Gemini) Name() string         { return "gemini" }
func (p *Gemini) DefaultModel() string { return p.defaultModel }

func (p *Gemini) DoChat(ctx context.Context, key string, req *llm.ChatRequest) (string, error) {
	model := p.model(req)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", p.wrapError(err, model)
	}

	contents, config := p.convert(req)
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", p.wrapError(err, model)
	}
	return responseText(resp), nil
}

func (p *Gemini) DoStream(ctx context.Context, key string, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := p.model(req)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	contents, config := p.convert(req)
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				send(ctx, out, llm.StreamChunk{Err: p.wrapError(err, model)})
				return
			}
			if text := responseText(resp); text != "" {
				if !send(ctx, out, llm.StreamChunk{Content: text}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Gemini) model(req *llm.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

// convert splits the conversation into Gemini contents plus a system
// instruction. System turns are hoisted out of the message list since the
// API carries them separately.
func (p *Gemini) convert(req *llm.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}

	var system strings.Builder
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Content)
		case models.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	if system.Len() > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system.String()}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}
	return contents, config
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

// wrapError relies on message classification: the Gemini SDK folds HTTP
// status into the error text (for example "Error 429, RESOURCE_EXHAUSTED").
func (p *Gemini) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	return llm.NewProviderError(p.Name(), model, llm.ReasonUnknown, 0, err)
}

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
