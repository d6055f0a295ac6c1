package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

const samplePlanJSON = `{
  "tasks": [
    {
      "task_id": "step_0",
      "tool": "web_search",
      "execution_target": "server",
      "inputs": { "query": "gold price today" }
    },
    {
      "task_id": "step_1",
      "tool": "file_create",
      "execution_target": "client",
      "depends_on": ["step_0"],
      "inputs": { "path": "~/notes.txt", "content": "placeholder" },
      "input_bindings": { "content": "$.step_0.data.text" },
      "lifecycle_messages": { "on_start": "Writing file", "on_failure": "Could not write file" },
      "control": { "requires_approval": false, "on_failure": "abort", "timeout_ms": 30000 }
    }
  ]
}`

func TestParsePlan_RoundTrip(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlanJSON))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(plan.Tasks))
	}

	out, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ParsePlan(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(plan, again) {
		t.Errorf("round trip not value-preserving:\n first=%+v\nsecond=%+v", plan, again)
	}

	step1 := plan.Tasks[1]
	if step1.InputBindings["content"] != "$.step_0.data.text" {
		t.Errorf("binding = %q", step1.InputBindings["content"])
	}
	if step1.Lifecycle == nil || step1.Lifecycle.OnFailure != "Could not write file" {
		t.Errorf("lifecycle not preserved: %+v", step1.Lifecycle)
	}
	if step1.Control == nil || step1.Control.TimeoutMS != 30000 {
		t.Errorf("control not preserved: %+v", step1.Control)
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad json", `{"tasks": [`},
		{"duplicate ids", `{"tasks":[
			{"task_id":"a","tool":"x","execution_target":"server"},
			{"task_id":"a","tool":"y","execution_target":"server"}]}`},
		{"unknown dependency", `{"tasks":[
			{"task_id":"a","tool":"x","execution_target":"server","depends_on":["ghost"]}]}`},
		{"self dependency", `{"tasks":[
			{"task_id":"a","tool":"x","execution_target":"server","depends_on":["a"]}]}`},
		{"unknown target", `{"tasks":[
			{"task_id":"a","tool":"x","execution_target":"cloud"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePlan([]byte(tt.raw)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestPlan_IsEmpty(t *testing.T) {
	var nilPlan *Plan
	if !nilPlan.IsEmpty() {
		t.Error("nil plan should be empty")
	}
	if !(&Plan{}).IsEmpty() {
		t.Error("zero plan should be empty")
	}
	p := &Plan{Tasks: []Task{{TaskID: "a", Tool: "x", ExecutionTarget: TargetServer}}}
	if p.IsEmpty() {
		t.Error("plan with a task should not be empty")
	}
}
