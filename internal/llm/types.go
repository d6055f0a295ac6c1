// Package llm implements the provider manager: an ordered fallback chain
// over multiple language-model backends with per-provider API key rotation,
// transient-error retry, and quota-exhaustion blackout.
package llm

import (
	"context"

	"github.com/haasonsaas/aide/pkg/models"
)

// Message is one element of the ordered conversation sent to a provider.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: models.RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: models.RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: models.RoleAssistant, Content: content}
}

// ChatRequest carries one completion request to a provider. Zero values for
// Model, Temperature, and MaxTokens mean "use the provider's defaults".
type ChatRequest struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// StreamChunk is one unit of streamed provider output. A non-nil Err ends
// the stream; the channel is closed afterwards.
type StreamChunk struct {
	Content string
	Err     error
}

// Provider is one LM backend in the fallback chain. Implementations perform
// exactly one API call per Do* invocation using the supplied key; rotation,
// retry, and fallback live in the Manager.
type Provider interface {
	// Name identifies the provider in logs, metrics, and Chat results.
	Name() string

	// DefaultModel is used when the request does not name a model.
	DefaultModel() string

	// DoChat performs a single completion call with the given key.
	DoChat(ctx context.Context, key string, req *ChatRequest) (string, error)

	// DoStream performs a single streaming call with the given key. The
	// returned channel is closed when the stream ends; a failed stream
	// delivers a final chunk with Err set.
	DoStream(ctx context.Context, key string, req *ChatRequest) (<-chan StreamChunk, error)
}
