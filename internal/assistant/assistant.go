// Package assistant runs conversational turns end to end: retrieve
// conversation context from memory, ask the language model for a reply and
// any tool intents, and when tools are requested, plan and execute a task
// graph for the session.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/aide/internal/llm"
	"github.com/haasonsaas/aide/internal/memory"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/orchestrator"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/pkg/models"
)

// Chatter is the language-model surface one turn needs. The provider
// manager satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResult, error)
}

// Runner seeds and executes a validated plan for a session. The engine
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, sessionID string, plan *models.Plan) (*orchestrator.Summary, error)
}

// Config tunes the two model calls a turn makes. Zero values take
// defaults; empty models use the provider chain's defaults.
type Config struct {
	// ChatModel overrides the model for the reply call.
	ChatModel string

	// PlanModel overrides the model for the planning call.
	PlanModel string

	// ChatMaxTokens bounds the reply call's response.
	ChatMaxTokens int

	// PlanMaxTokens bounds the planning call's response.
	PlanMaxTokens int

	// Temperature applies to both calls. Zero means provider default.
	Temperature float64

	// PlanFormatRetries is the total number of planning attempts when the
	// model's output cannot be parsed as a plan. Each retry feeds the
	// parse error back as a correction.
	PlanFormatRetries int
}

func (c Config) withDefaults() Config {
	if c.ChatMaxTokens <= 0 {
		c.ChatMaxTokens = 1024
	}
	if c.PlanMaxTokens <= 0 {
		c.PlanMaxTokens = 4096
	}
	if c.PlanFormatRetries <= 0 {
		c.PlanFormatRetries = 3
	}
	return c
}

// TurnResult is what one utterance produced.
type TurnResult struct {
	// Reply is the assistant's conversational answer.
	Reply string `json:"reply"`

	// PlanSeeded reports whether a task plan was admitted and executed.
	PlanSeeded bool `json:"plan_seeded"`

	// TaskIDs lists the executed plan's tasks in plan order.
	TaskIDs []string `json:"task_ids,omitempty"`

	// Summary carries the terminal counts of the executed plan.
	Summary *orchestrator.Summary `json:"summary,omitempty"`
}

// chatReply is the structured answer the reply call must produce.
type chatReply struct {
	Reply string   `json:"reply"`
	Tools []string `json:"tools,omitempty"`
}

// Assistant coordinates memory, the provider chain, the tool registry,
// and the execution engine for conversational turns.
type Assistant struct {
	cfg      Config
	chatter  Chatter
	runner   Runner
	memory   *memory.Memory
	registry *registry.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New builds an Assistant. metrics may be nil.
func New(cfg Config, chatter Chatter, runner Runner, mem *memory.Memory, reg *registry.Registry, logger *observability.Logger, metrics *observability.Metrics) *Assistant {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Assistant{
		cfg:      cfg.withDefaults(),
		chatter:  chatter,
		runner:   runner,
		memory:   mem,
		registry: reg,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleUtterance runs one turn for a session: retrieve context, produce
// the reply, and when the model requests tools, plan and execute the task
// graph to completion. When planning or execution fails after the model
// has already replied, the returned TurnResult still carries the reply
// alongside the error.
func (a *Assistant) HandleUtterance(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	began := time.Now()
	ctx = observability.AddSessionID(ctx, sessionID)
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty utterance")
	}

	recall, err := a.memory.Retrieve(ctx, sessionID, text)
	if err != nil {
		// Answering without history beats failing the turn.
		a.logger.Warn(ctx, "context retrieval failed", "error", err)
		recall = &memory.Retrieval{}
	}

	reply, err := a.chat(ctx, recall, text)
	if err != nil {
		a.recordTurn("error", began)
		return nil, err
	}

	a.remember(ctx, sessionID, text, reply.Reply)

	result := &TurnResult{Reply: reply.Reply}
	tools := a.knownTools(ctx, reply.Tools)
	if len(tools) == 0 {
		a.recordTurn("reply", began)
		return result, nil
	}

	plan, err := a.plan(ctx, tools, text)
	if err != nil {
		a.recordTurn("error", began)
		return result, fmt.Errorf("plan utterance: %w", err)
	}
	for _, task := range plan.Tasks {
		result.TaskIDs = append(result.TaskIDs, task.TaskID)
	}

	sum, err := a.runner.Execute(ctx, sessionID, plan)
	if err != nil {
		result.TaskIDs = nil
		a.recordTurn("error", began)
		return result, fmt.Errorf("execute plan: %w", err)
	}
	result.PlanSeeded = true
	result.Summary = sum
	a.recordTurn("plan", began)
	return result, nil
}

// chat makes the reply call and decodes its structured answer. A model
// that answers in prose instead of the JSON envelope still answered; the
// whole response becomes the reply with no tool intents.
func (a *Assistant) chat(ctx context.Context, recall *memory.Retrieval, text string) (*chatReply, error) {
	messages := make([]llm.Message, 0, len(recall.Recent)+3)
	messages = append(messages, llm.SystemMessage(chatSystemPrompt(a.registry.Names())))
	messages = append(messages, contextMessages(recall)...)
	messages = append(messages, llm.UserMessage(text))

	res, err := a.chatter.Chat(ctx, &llm.ChatRequest{
		Messages:    messages,
		Model:       a.cfg.ChatModel,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.ChatMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat call: %w", err)
	}

	raw := extractJSON(res.Text)
	if raw == "" {
		return &chatReply{Reply: strings.TrimSpace(res.Text)}, nil
	}
	var reply chatReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		a.logger.Debug(ctx, "chat reply not structured", "error", err)
		return &chatReply{Reply: strings.TrimSpace(res.Text)}, nil
	}
	return &reply, nil
}

// plan makes the planning call with format-correction retries: a response
// that does not parse as a plan is fed back with the error so the model
// can repair it, up to PlanFormatRetries total attempts.
func (a *Assistant) plan(ctx context.Context, tools []*registry.ToolMetadata, text string) (*models.Plan, error) {
	system, err := planSystemPrompt(tools)
	if err != nil {
		return nil, err
	}
	messages := []llm.Message{
		llm.SystemMessage(system),
		llm.UserMessage(planUserPrompt(text)),
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.PlanFormatRetries; attempt++ {
		res, err := a.chatter.Chat(ctx, &llm.ChatRequest{
			Messages:    messages,
			Model:       a.cfg.PlanModel,
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.PlanMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("plan call: %w", err)
		}

		plan, parseErr := parsePlanResponse(res.Text)
		if parseErr == nil {
			return plan, nil
		}
		lastErr = parseErr
		if attempt+1 >= a.cfg.PlanFormatRetries {
			break
		}
		a.logger.Warn(ctx, "plan format retry",
			"attempt", attempt+1,
			"error", parseErr)
		messages = append(messages,
			llm.AssistantMessage(res.Text),
			llm.UserMessage(planCorrectionPrompt(parseErr)),
		)
	}
	return nil, fmt.Errorf("model produced no valid plan: %w", lastErr)
}

// knownTools filters the model's tool requests down to registered tools,
// dropping duplicates and logging unknown names.
func (a *Assistant) knownTools(ctx context.Context, names []string) []*registry.ToolMetadata {
	seen := make(map[string]bool, len(names))
	var out []*registry.ToolMetadata
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		meta, ok := a.registry.Get(name)
		if !ok {
			a.logger.Warn(ctx, "model requested unknown tool", "tool", name)
			continue
		}
		out = append(out, meta)
	}
	return out
}

// remember appends the turn to history. Append failures degrade to a log;
// the reply has already been produced.
func (a *Assistant) remember(ctx context.Context, sessionID, text, reply string) {
	if _, err := a.memory.Append(ctx, sessionID, memory.RoleUser, text); err != nil {
		a.logger.Warn(ctx, "user turn not recorded", "error", err)
	}
	if reply == "" {
		return
	}
	if _, err := a.memory.Append(ctx, sessionID, memory.RoleAssistant, reply); err != nil {
		a.logger.Warn(ctx, "assistant turn not recorded", "error", err)
	}
}

func (a *Assistant) recordTurn(outcome string, began time.Time) {
	if a.metrics != nil {
		a.metrics.RecordTurn(outcome, time.Since(began).Seconds())
	}
}

func parsePlanResponse(content string) (*models.Plan, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, errors.New("no JSON object in response")
	}
	return models.ParsePlan([]byte(raw))
}

// contextMessages renders retrieved history for the model: semantic
// matches as a system note, the recent tail replayed as turns.
func contextMessages(recall *memory.Retrieval) []llm.Message {
	var out []llm.Message
	if len(recall.Semantic) > 0 {
		var b strings.Builder
		b.WriteString("Relevant earlier conversation:\n")
		for _, match := range recall.Semantic {
			fmt.Fprintf(&b, "- %s: %s\n", match.Message.Role, match.Message.Content)
		}
		out = append(out, llm.SystemMessage(strings.TrimRight(b.String(), "\n")))
	}
	for _, msg := range recall.Recent {
		switch msg.Role {
		case memory.RoleAssistant:
			out = append(out, llm.AssistantMessage(msg.Content))
		default:
			out = append(out, llm.UserMessage(msg.Content))
		}
	}
	return out
}
