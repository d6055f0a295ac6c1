package assistant

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/pkg/models"
)

// chatSystemPrompt frames the reply call: answer the user, and name any
// registered tools the answer needs acted on.
func chatSystemPrompt(toolNames []string) string {
	var b strings.Builder
	b.WriteString(`You are a personal assistant that can act on the user's behalf through registered tools.

## Output Format

Respond with ONLY a JSON object:

` + "```json" + `
{
  "reply": "<your conversational answer to the user>",
  "tools": ["<tool_name>"]
}
` + "```" + `

Leave "tools" empty when the request needs no action. Name tools only from the list below, and only when the user asks for something those tools must do. Do not promise actions you cannot name a tool for.

## Available Tools

`)
	for _, name := range toolNames {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// planSystemPrompt frames the planning call: the plan schema plus the
// requested tools' metadata and parameter schemas.
func planSystemPrompt(tools []*registry.ToolMetadata) (string, error) {
	schema, err := models.PlanSchemaJSON()
	if err != nil {
		return "", fmt.Errorf("plan schema: %w", err)
	}

	var b strings.Builder
	b.WriteString(`You are planning tool execution for a personal assistant.

## Output Format

Respond with ONLY a JSON object matching this schema:

` + "```json\n")
	b.Write(schema)
	b.WriteString("\n```\n\n")
	b.WriteString(`## Rules

- Give every task a short unique task_id such as step_0, step_1.
- Order tasks with depends_on; the graph must stay acyclic.
- Put literal parameter values in inputs.
- To feed one task's output into a later task, use input_bindings with a path over the upstream result, e.g. "$.step_0.data.text".
- Copy each tool's execution_target exactly as listed below.
- Use only the tools listed below.

## Tools

`)
	for _, tool := range tools {
		fmt.Fprintf(&b, "### %s (%s)\n\n", tool.ToolName, tool.ExecutionTarget)
		if tool.Description != "" {
			b.WriteString(tool.Description)
			b.WriteString("\n\n")
		}
		if len(tool.ParamsSchema) > 0 {
			b.WriteString("Parameters schema:\n\n```json\n")
			b.Write(tool.ParamsSchema)
			b.WriteString("\n```\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// planUserPrompt wraps the utterance for the planning call.
func planUserPrompt(text string) string {
	return fmt.Sprintf("Plan the tool execution for this request:\n\n%s", text)
}

// planCorrectionPrompt feeds a parse failure back so the model can repair
// its output.
func planCorrectionPrompt(err error) string {
	return fmt.Sprintf(
		"Your response could not be used as a plan. Error: %s\n\n"+
			"Respond with ONLY a valid JSON object matching the plan schema you were given, with no text outside it.",
		err)
}
