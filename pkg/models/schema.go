package models

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	planSchemaOnce sync.Once
	planSchemaJSON []byte
	planSchemaErr  error
)

// PlanSchemaJSON returns the JSON schema for the Plan structure, reflected
// once and cached. The planner embeds it in the plan-generation prompt so
// the model emits directly decodable plans.
func PlanSchemaJSON() ([]byte, error) {
	planSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := r.Reflect(&Plan{})
		planSchemaJSON, planSchemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return planSchemaJSON, planSchemaErr
}
