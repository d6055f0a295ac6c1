// Package orchestrator owns per-session execution state for task plans: the
// task status machine, approval gates, plan admission, and result intake.
// It decides what each task's record says; the engine decides when tasks
// dispatch and where their outputs come from.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/aide/internal/binding"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/pkg/models"
)

// ErrSessionNotFound reports a session with no execution state.
var ErrSessionNotFound = errors.New("session has no execution state")

// Orchestrator maps sessions to their execution state and routes verdicts
// and results into the right one. One instance serves the whole process.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*ExecutionState

	registry  *registry.Registry
	resolver  *binding.Resolver
	approvals *ApprovalQueue

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates an orchestrator over the given tool registry. metrics may be
// nil.
func New(reg *registry.Registry, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Orchestrator{
		sessions:  make(map[string]*ExecutionState),
		registry:  reg,
		resolver:  binding.NewResolver(),
		approvals: NewApprovalQueue(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Resolver returns the shared binding resolver. Compiled paths are cached
// across sessions.
func (o *Orchestrator) Resolver() *binding.Resolver { return o.resolver }

// Registry returns the tool registry plans are admitted against.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Approvals returns the outstanding approval queue.
func (o *Orchestrator) Approvals() *ApprovalQueue { return o.approvals }

// Seed validates a plan and admits it as the session's execution state.
// A session with an unfinished plan rejects reseeding; cancel it first.
// An empty plan is admitted and completes immediately.
func (o *Orchestrator) Seed(ctx context.Context, sessionID string, plan *models.Plan) (*ExecutionState, error) {
	if err := ValidatePlan(plan, o.registry, o.resolver); err != nil {
		return nil, fmt.Errorf("seed session %q: %w", sessionID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prior, ok := o.sessions[sessionID]; ok && !prior.Completed() {
		return nil, fmt.Errorf("session %q already has an active plan", sessionID)
	}

	state := NewExecutionState(sessionID, plan.Tasks)
	o.sessions[sessionID] = state
	o.logger.Info(ctx, "plan seeded",
		"session_id", sessionID,
		"tasks", len(plan.Tasks))
	if o.metrics != nil {
		o.metrics.SessionStarted()
		go func() {
			<-state.Done()
			o.metrics.SessionEnded()
		}()
	}
	return state, nil
}

// State returns a session's execution state.
func (o *Orchestrator) State(sessionID string) (*ExecutionState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.sessions[sessionID]
	return state, ok
}

// HandleTaskResult applies one task result to a session. Results for tasks
// that already finished are discarded with a debug log; the armed retry of
// a failed task is left for the engine to redispatch.
func (o *Orchestrator) HandleTaskResult(ctx context.Context, sessionID, taskID string, out *models.TaskOutput) error {
	state, ok := o.State(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	retrying, err := state.Settle(taskID, out)
	if err != nil {
		if errors.Is(err, ErrTaskTerminal) {
			o.logger.Debug(ctx, "late task result discarded",
				"session_id", sessionID,
				"task_id", taskID)
			return nil
		}
		return err
	}
	if retrying {
		o.logger.Info(ctx, "task failed, retry armed",
			"session_id", sessionID,
			"task_id", taskID)
	}
	return nil
}

// HandleBatchResults applies a batch of results, continuing past per-entry
// errors and returning the first one encountered.
func (o *Orchestrator) HandleBatchResults(ctx context.Context, sessionID string, entries []models.TaskResultEntry) error {
	var first error
	for _, entry := range entries {
		if err := o.HandleTaskResult(ctx, sessionID, entry.TaskID, entry.Result); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ResolveApproval consumes a task's outstanding approval request and
// applies the verdict: approval unblocks the task, denial fails it with an
// approval_denied outcome. The failure then cascades or not according to
// the task's failure policy, like any other failure; denial never retries.
func (o *Orchestrator) ResolveApproval(ctx context.Context, sessionID, taskID string, approved bool) error {
	state, ok := o.State(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	if _, err := o.approvals.Resolve(sessionID, taskID); err != nil {
		return err
	}
	if approved {
		if o.metrics != nil {
			o.metrics.RecordApproval("approved")
		}
		o.logger.Info(ctx, "task approved",
			"session_id", sessionID,
			"task_id", taskID)
		return state.GrantApproval(taskID)
	}
	if o.metrics != nil {
		o.metrics.RecordApproval("denied")
	}
	o.logger.Info(ctx, "task denied",
		"session_id", sessionID,
		"task_id", taskID)
	return state.Fail(taskID, models.Failure("approval_denied: user rejected task %q", taskID))
}

// Cancel fails every unfinished task in a session and drops its pending
// approvals. The completion event fires as usual.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, reason string) error {
	state, ok := o.State(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	cancelled := state.CancelAll(reason)
	o.approvals.DropSession(sessionID)
	o.logger.Info(ctx, "session cancelled",
		"session_id", sessionID,
		"reason", reason,
		"tasks_cancelled", len(cancelled))
	return nil
}

// Summary reports a session's terminal counts and per-task errors.
func (o *Orchestrator) Summary(sessionID string) (*Summary, error) {
	state, ok := o.State(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return state.Summary(), nil
}

// Remove discards a completed session's state. Removing an unfinished
// session errors; cancel it first.
func (o *Orchestrator) Remove(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.sessions[sessionID]
	if !ok {
		return nil
	}
	if !state.Completed() {
		return fmt.Errorf("session %q still has unfinished tasks", sessionID)
	}
	delete(o.sessions, sessionID)
	return nil
}
