// Package tools defines the server-side tool contract and the builtin
// tools that ship with the core. A tool receives its resolved inputs as a
// plain map and returns a task output envelope; schema enforcement happens
// inside the tool, against the schemas injected from the registry at boot.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/aide/pkg/models"
)

// Tool is the contract every server-executable tool implements.
type Tool interface {
	Name() string
	Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error)
	SetSchemas(params, output json.RawMessage)
}

// Schemas is the embeddable base that stores injected schemas and validates
// inputs against the params schema. A tool with no injected params schema
// accepts any inputs.
type Schemas struct {
	mu     sync.Mutex
	params json.RawMessage
	output json.RawMessage
}

// SetSchemas stores the registry-declared schemas for this tool.
func (s *Schemas) SetSchemas(params, output json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
	s.output = output
}

// ParamsSchema returns the injected params schema, if any.
func (s *Schemas) ParamsSchema() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// OutputSchema returns the injected output schema, if any.
func (s *Schemas) OutputSchema() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// ValidateInputs checks the resolved inputs against the params schema.
func (s *Schemas) ValidateInputs(inputs map[string]any) error {
	s.mu.Lock()
	raw := s.params
	s.mu.Unlock()
	if len(raw) == 0 {
		return nil
	}

	schema, err := compileSchema(raw)
	if err != nil {
		return fmt.Errorf("compile params schema: %w", err)
	}

	// Round-trip through JSON so resolved values of any Go type become
	// the plain decoded forms the validator understands.
	payload, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode inputs: %w", err)
	}
	return schema.Validate(decoded)
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("params.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// stringInput extracts a string value from the resolved inputs, tolerating
// absent keys. Non-string values report their dynamic type.
func stringInput(inputs map[string]any, key string) (string, error) {
	val, ok := inputs[key]
	if !ok || val == nil {
		return "", nil
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("input %q must be a string, got %T", key, val)
	}
	return s, nil
}
