// Package models provides the wire-level domain types for the aide
// orchestration core: plans, tasks, task records, client channel frames,
// and conversation messages.
package models

import (
	"encoding/json"
	"fmt"
)

// Plan is the DAG of tasks produced by the planner for one user turn.
type Plan struct {
	Tasks []Task `json:"tasks" jsonschema:"description=Ordered list of tasks forming a directed acyclic graph"`
}

// ParsePlan decodes plan JSON and checks its shape. It does not consult the
// tool registry or build the dependency graph; that happens at seed time.
func ParsePlan(raw []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("plan: invalid JSON: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks plan-local invariants: every task valid on its own,
// task ids unique, and every dependency naming a task in the same plan.
func (p *Plan) Validate() error {
	seen := make(map[string]struct{}, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.TaskID]; dup {
			return fmt.Errorf("plan: duplicate task_id %q", t.TaskID)
		}
		seen[t.TaskID] = struct{}{}
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("plan: task %s depends on unknown task %q", t.TaskID, dep)
			}
			if dep == t.TaskID {
				return fmt.Errorf("plan: task %s depends on itself", t.TaskID)
			}
		}
	}
	return nil
}

// IsEmpty reports whether the plan carries no tasks.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Tasks) == 0
}
