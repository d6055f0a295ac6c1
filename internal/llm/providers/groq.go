package providers

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/aide/internal/llm"
	"github.com/haasonsaas/aide/pkg/models"
)

const (
	groqBaseURL      = "https://api.groq.com/openai/v1"
	defaultGroqModel = "llama-3.3-70b-versatile"
)

// Groq serves requests through Groq's OpenAI-compatible API.
type Groq struct {
	defaultModel string
	baseURL      string
}

// NewGroq builds the provider. Empty arguments select the production
// endpoint and llama-3.3-70b-versatile.
func NewGroq(defaultModel, baseURL string) *Groq {
	if defaultModel == "" {
		defaultModel = defaultGroqModel
	}
	if baseURL == "" {
		baseURL = groqBaseURL
	}
	return &Groq{defaultModel: defaultModel, baseURL: baseURL}
}

func (p *Groq) Name() string         { return "groq" }
func (p *Groq) DefaultModel() string { return p.defaultModel }

func (p *Groq) client(key string) *openai.Client {
	config := openai.DefaultConfig(key)
	config.BaseURL = p.baseURL
	return openai.NewClientWithConfig(config)
}

func (p *Groq) DoChat(ctx context.Context, key string, req *llm.ChatRequest) (string, error) {
	model := p.model(req)
	resp, err := p.client(key).CreateChatCompletion(ctx, p.convert(req, model, false))
	if err != nil {
		return "", p.wrapError(err, model)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Groq) DoStream(ctx context.Context, key string, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := p.model(req)
	stream, err := p.client(key).CreateChatCompletionStream(ctx, p.convert(req, model, true))
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				send(ctx, out, llm.StreamChunk{Err: p.wrapError(err, model)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				if !send(ctx, out, llm.StreamChunk{Content: delta}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Groq) model(req *llm.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Groq) convert(req *llm.ChatRequest, model string, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	return out
}

func (p *Groq) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.NewProviderError(p.Name(), model, llm.ReasonUnknown, apiErr.HTTPStatusCode, err)
	}
	return llm.NewProviderError(p.Name(), model, llm.ReasonUnknown, 0, err)
}
