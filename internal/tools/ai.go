package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/aide/internal/llm"
	"github.com/haasonsaas/aide/pkg/models"
)

// Generator is the slice of the provider manager the AI tools depend on.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*llm.ChatResult, error)
}

// SummarizeTool condenses bound context text via the provider manager.
type SummarizeTool struct {
	Schemas
	llm Generator
}

// NewSummarizeTool creates the ai_summarize builtin.
func NewSummarizeTool(gen Generator) *SummarizeTool {
	return &SummarizeTool{llm: gen}
}

// Name returns the tool name.
func (t *SummarizeTool) Name() string { return "ai_summarize" }

// Execute summarizes the "context" input, optionally as bullets.
func (t *SummarizeTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return models.Failure("invalid inputs: %v", err), nil
	}
	content, err := stringInput(inputs, "context")
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if strings.TrimSpace(content) == "" {
		return models.Failure("input %q is required", "context"), nil
	}
	style, err := stringInput(inputs, "style")
	if err != nil {
		return models.Failure("%v", err), nil
	}

	form := "a short paragraph"
	if style == "bullets" {
		form = "a few concise bullet points"
	}
	prompt := fmt.Sprintf("Summarize the following content as %s. Reply with the summary only.\n\n%s", form, content)

	res, err := t.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	return &models.TaskOutput{
		Success: true,
		Data:    map[string]any{"text": strings.TrimSpace(res.Text)},
	}, nil
}

// AnswerTool answers a single question via the provider manager.
type AnswerTool struct {
	Schemas
	llm Generator
}

// NewAnswerTool creates the ai_answer builtin.
func NewAnswerTool(gen Generator) *AnswerTool {
	return &AnswerTool{llm: gen}
}

// Name returns the tool name.
func (t *AnswerTool) Name() string { return "ai_answer" }

// Execute answers the "question" input, grounded in optional "context".
func (t *AnswerTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return models.Failure("invalid inputs: %v", err), nil
	}
	question, err := stringInput(inputs, "question")
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if strings.TrimSpace(question) == "" {
		return models.Failure("input %q is required", "question"), nil
	}
	content, err := stringInput(inputs, "context")
	if err != nil {
		return models.Failure("%v", err), nil
	}

	var prompt string
	if strings.TrimSpace(content) != "" {
		prompt = fmt.Sprintf("Answer the question using the context below. Be concise.\n\nContext:\n%s\n\nQuestion: %s", content, question)
	} else {
		prompt = fmt.Sprintf("Answer concisely.\n\nQuestion: %s", question)
	}

	res, err := t.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	return &models.TaskOutput{
		Success: true,
		Data:    map[string]any{"text": strings.TrimSpace(res.Text)},
	}, nil
}
