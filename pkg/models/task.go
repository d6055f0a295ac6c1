package models

import (
	"fmt"
	"time"
)

// ExecutionTarget identifies the surface a tool runs on.
type ExecutionTarget string

const (
	// TargetServer runs the tool inside the orchestrator process.
	TargetServer ExecutionTarget = "server"
	// TargetClient dispatches the tool to the companion desktop process.
	TargetClient ExecutionTarget = "client"
)

// Valid reports whether the target is one of the known surfaces.
func (t ExecutionTarget) Valid() bool {
	return t == TargetServer || t == TargetClient
}

// FailurePolicy controls what happens to the rest of a plan when a task fails.
type FailurePolicy string

const (
	// FailAbort cascades a dependency_failed error to every transitive dependent.
	FailAbort FailurePolicy = "abort"
	// FailContinue lets dependents run; their bindings may then fail task-locally.
	FailContinue FailurePolicy = "continue"
	// FailRetry retries the task once after a brief backoff, then aborts.
	FailRetry FailurePolicy = "retry"
)

// Valid reports whether the policy is one of the known variants.
func (p FailurePolicy) Valid() bool {
	return p == FailAbort || p == FailContinue || p == FailRetry
}

// TaskStatus is the lifecycle state of a task within one execution.
type TaskStatus string

const (
	// StatusPending means admitted to state, not yet eligible.
	StatusPending TaskStatus = "pending"
	// StatusWaiting means dependencies are complete but a human approval is outstanding.
	StatusWaiting TaskStatus = "waiting"
	// StatusEmitted means dispatched to the client surface, awaiting its result.
	StatusEmitted TaskStatus = "emitted"
	// StatusRunning means an executor is currently processing the task.
	StatusRunning TaskStatus = "running"
	// StatusCompleted is terminal success.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed is terminal failure.
	StatusFailed TaskStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// taskTransitions tabulates the legal forward edges of the task state machine.
var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusWaiting, StatusEmitted, StatusRunning, StatusCompleted, StatusFailed},
	StatusWaiting: {StatusEmitted, StatusRunning, StatusCompleted, StatusFailed},
	StatusEmitted: {StatusRunning, StatusCompleted, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the edge s -> to exists in the state machine.
// Terminal states have no outgoing edges.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// LifecycleMessages carries optional short user-facing strings surfaced at
// lifecycle points. The core preserves and forwards them unchanged; their
// interpretation belongs to the UI/notification layer.
type LifecycleMessages struct {
	OnStart   string `json:"on_start,omitempty"`
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
}

// Control carries optional per-task execution controls.
type Control struct {
	RequiresApproval bool          `json:"requires_approval,omitempty"`
	ApprovalQuestion string        `json:"approval_question,omitempty"`
	OnFailure        FailurePolicy `json:"on_failure,omitempty"`
	TimeoutMS        int           `json:"timeout_ms,omitempty"`
	Confidence       float64       `json:"confidence,omitempty"`
}

// Task is an immutable plan node. It is produced by the planner, validated
// by the orchestrator at seed time, and never mutated afterwards.
type Task struct {
	TaskID          string             `json:"task_id" jsonschema:"description=Unique identifier for this task within the plan"`
	Tool            string             `json:"tool" jsonschema:"description=Name of a registered tool"`
	ExecutionTarget ExecutionTarget    `json:"execution_target" jsonschema:"description=Where the tool runs: server or client,enum=server,enum=client"`
	DependsOn       []string           `json:"depends_on,omitempty" jsonschema:"description=Task ids that must complete before this task starts"`
	Inputs          map[string]any     `json:"inputs,omitempty" jsonschema:"description=Static parameter values"`
	InputBindings   map[string]string  `json:"input_bindings,omitempty" jsonschema:"description=Parameter name to path expression over an upstream task's output, e.g. $.step_0.data.text"`
	Lifecycle       *LifecycleMessages `json:"lifecycle_messages,omitempty"`
	Control         *Control           `json:"control,omitempty"`
}

// FailurePolicy returns the effective on_failure policy, defaulting to abort.
func (t *Task) FailurePolicy() FailurePolicy {
	if t.Control == nil || t.Control.OnFailure == "" {
		return FailAbort
	}
	return t.Control.OnFailure
}

// RequiresApproval reports whether the task must pass a human approval gate.
func (t *Task) RequiresApproval() bool {
	return t.Control != nil && t.Control.RequiresApproval
}

// ApprovalQuestion returns the configured approval prompt, if any.
func (t *Task) ApprovalQuestion() string {
	if t.Control == nil {
		return ""
	}
	return t.Control.ApprovalQuestion
}

// Timeout returns the per-task execution deadline, or zero when unset.
func (t *Task) Timeout() time.Duration {
	if t.Control == nil || t.Control.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(t.Control.TimeoutMS) * time.Millisecond
}

// Validate checks the task's local invariants: identifiers present, a known
// execution target, a known failure policy, and a non-negative timeout.
// Cross-task rules (dependency existence, acyclicity, binding targets) are
// enforced at plan admission.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task: missing task_id")
	}
	if t.Tool == "" {
		return fmt.Errorf("task %s: missing tool", t.TaskID)
	}
	if !t.ExecutionTarget.Valid() {
		return fmt.Errorf("task %s: unknown execution_target %q", t.TaskID, t.ExecutionTarget)
	}
	if t.Control != nil {
		if t.Control.OnFailure != "" && !t.Control.OnFailure.Valid() {
			return fmt.Errorf("task %s: unknown on_failure policy %q", t.TaskID, t.Control.OnFailure)
		}
		if t.Control.TimeoutMS < 0 {
			return fmt.Errorf("task %s: negative timeout_ms %d", t.TaskID, t.Control.TimeoutMS)
		}
	}
	for param, expr := range t.InputBindings {
		if param == "" {
			return fmt.Errorf("task %s: binding with empty parameter name", t.TaskID)
		}
		if expr == "" {
			return fmt.Errorf("task %s: binding %q has empty expression", t.TaskID, param)
		}
	}
	return nil
}

// TaskOutput is the terminal result envelope of one task.
type TaskOutput struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Failure builds a failed TaskOutput with a formatted error string.
func Failure(format string, args ...any) *TaskOutput {
	return &TaskOutput{Success: false, Error: fmt.Sprintf(format, args...)}
}

// TaskRecord wraps a Task with its mutable execution state. All mutation is
// serialized by the owning session's execution state; TaskRecord itself
// carries no lock. The JSON form is the wire shape sent to the client
// surface, including the server-completed-dependency enrichment.
type TaskRecord struct {
	Task

	Status         TaskStatus     `json:"status"`
	ResolvedInputs map[string]any `json:"resolved_inputs,omitempty"`
	Output         *TaskOutput    `json:"output,omitempty"`

	ReceivedAt  time.Time  `json:"received_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`

	// ServerCompletedDependencies lists depends_on entries already completed
	// on the server side, set when the record is emitted to the client.
	ServerCompletedDependencies []string `json:"server_completed_dependencies,omitempty"`
}

// NewTaskRecord admits a task into execution state with status pending.
func NewTaskRecord(task Task) *TaskRecord {
	return &TaskRecord{
		Task:       task,
		Status:     StatusPending,
		ReceivedAt: time.Now().UTC(),
	}
}

// Clone returns a copy safe to serialize while the original keeps mutating
// under the session lock. Top-level maps are copied; nested values are
// shared and treated as read-only.
func (r *TaskRecord) Clone() *TaskRecord {
	cp := *r
	if r.ResolvedInputs != nil {
		cp.ResolvedInputs = make(map[string]any, len(r.ResolvedInputs))
		for k, v := range r.ResolvedInputs {
			cp.ResolvedInputs[k] = v
		}
	}
	if r.Output != nil {
		out := *r.Output
		cp.Output = &out
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.DependsOn = append([]string(nil), r.DependsOn...)
	cp.ServerCompletedDependencies = append([]string(nil), r.ServerCompletedDependencies...)
	return &cp
}

// FailureMessage returns the user-facing text for a failed task: the
// plan's lifecycle on_failure message when the planner provided one,
// otherwise a generic line carrying the error.
func (r *TaskRecord) FailureMessage() string {
	if r.Lifecycle != nil && r.Lifecycle.OnFailure != "" {
		return r.Lifecycle.OnFailure
	}
	if r.Output != nil && r.Output.Error != "" {
		return "task failed: " + r.Output.Error
	}
	return "task failed"
}
