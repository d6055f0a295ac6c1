package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/aide/internal/llm"
	"github.com/haasonsaas/aide/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 4096
)

// Anthropic serves requests through the Claude Messages API.
type Anthropic struct {
	defaultModel string
	baseURL      string
}

// NewAnthropic builds the provider. An empty model selects
// claude-3-5-haiku-latest; baseURL is only overridden in tests.
func NewAnthropic(defaultModel, baseURL string) *Anthropic {
	if defaultModel == "" {
		defaultModel = defaultAnthropicModel
	}
	return &Anthropic{defaultModel: defaultModel, baseURL: baseURL}
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

func (p *Anthropic) client(key string) anthropic.Client {
	options := []option.RequestOption{option.WithAPIKey(key)}
	if strings.TrimSpace(p.baseURL) != "" {
		options = append(options, option.WithBaseURL(p.baseURL))
	}
	return anthropic.NewClient(options...)
}

func (p *Anthropic) DoChat(ctx context.Context, key string, req *llm.ChatRequest) (string, error) {
	model := p.model(req)
	client := p.client(key)
	msg, err := client.Messages.New(ctx, p.convert(req, model))
	if err != nil {
		return "", p.wrapError(err, model)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func (p *Anthropic) DoStream(ctx context.Context, key string, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := p.model(req)
	client := p.client(key)
	stream := client.Messages.NewStreaming(ctx, p.convert(req, model))

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !send(ctx, out, llm.StreamChunk{Content: delta.Text}) {
						return
					}
				}
			case "message_stop":
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, llm.StreamChunk{Err: p.wrapError(err, model)})
		}
	}()
	return out, nil
}

func (p *Anthropic) model(req *llm.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Anthropic) convert(req *llm.ChatRequest, model string) anthropic.MessageNewParams {
	var system []string
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: strings.Join(system, "\n")},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.NewProviderError(p.Name(), model, llm.ReasonUnknown, apiErr.StatusCode, err)
	}
	return llm.NewProviderError(p.Name(), model, llm.ReasonUnknown, 0, err)
}
