package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/aide/internal/binding"
	"github.com/haasonsaas/aide/pkg/models"
)

var (
	// ErrTaskNotFound reports a task id absent from the execution state.
	ErrTaskNotFound = errors.New("task not found in execution state")

	// ErrTaskTerminal reports a write against a task that already finished.
	// Late results hit this and are discarded by the caller.
	ErrTaskTerminal = errors.New("task already in a terminal status")
)

// ExecutionState holds one session's task records and drives their status
// transitions. All mutation goes through its methods under a single lock;
// reads hand out clones so callers never observe a record mid-transition.
//
// Transitions are forward-only and validated against the status table in
// pkg/models. A task's output is assigned exactly once, at its terminal
// transition.
type ExecutionState struct {
	sessionID string

	mu         sync.Mutex
	tasks      map[string]*models.TaskRecord
	order      []string
	dependents map[string][]string

	// retried marks tasks whose single retry budget is spent; retryReady
	// queues tasks armed for redispatch by the engine.
	retried    map[string]bool
	retryReady map[string]bool

	approvalRequested map[string]bool
	approvalGranted   map[string]bool

	change   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewExecutionState admits a validated set of tasks for a session. Every
// task starts pending. An empty set completes immediately.
func NewExecutionState(sessionID string, tasks []models.Task) *ExecutionState {
	s := &ExecutionState{
		sessionID:         sessionID,
		tasks:             make(map[string]*models.TaskRecord, len(tasks)),
		order:             make([]string, 0, len(tasks)),
		dependents:        make(map[string][]string),
		retried:           make(map[string]bool),
		retryReady:        make(map[string]bool),
		approvalRequested: make(map[string]bool),
		approvalGranted:   make(map[string]bool),
		change:            make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	for _, task := range tasks {
		s.tasks[task.TaskID] = models.NewTaskRecord(task)
		s.order = append(s.order, task.TaskID)
		for _, dep := range task.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], task.TaskID)
		}
	}
	if len(tasks) == 0 {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return s
}

// SessionID returns the owning session's id.
func (s *ExecutionState) SessionID() string { return s.sessionID }

// Change signals that the ready set may have shifted. The channel carries
// coalesced wakeups, not one event per transition.
func (s *ExecutionState) Change() <-chan struct{} { return s.change }

// Done is closed exactly once, when every task is terminal.
func (s *ExecutionState) Done() <-chan struct{} { return s.done }

// Completed reports whether every task reached a terminal status.
func (s *ExecutionState) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedLocked()
}

func (s *ExecutionState) completedLocked() bool {
	for _, rec := range s.tasks {
		if !rec.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Record returns a clone of one task's record.
func (s *ExecutionState) Record(id string) (*models.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Records returns clones of every record in admission order.
func (s *ExecutionState) Records() []*models.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TaskRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Ready returns dispatchable task ids in admission order: tasks that are
// pending or waiting with every dependency settled. A failed dependency
// counts as settled only under the continue policy, where dependents run
// and surface the unusable upstream through binding resolution instead.
func (s *ExecutionState) Ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []string
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.Status != models.StatusPending && rec.Status != models.StatusWaiting {
			continue
		}
		if s.depsSettledLocked(rec) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (s *ExecutionState) depsSettledLocked(rec *models.TaskRecord) bool {
	for _, dep := range rec.DependsOn {
		upstream, ok := s.tasks[dep]
		if !ok {
			return false
		}
		switch upstream.Status {
		case models.StatusCompleted:
		case models.StatusFailed:
			if upstream.FailurePolicy() != models.FailContinue {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// RequestApproval moves a pending task to waiting and reports whether this
// call was the first request for it. The approval prompt goes out only on
// the first request, no matter how many scheduler passes see the task.
func (s *ExecutionState) RequestApproval(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if rec.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %q", ErrTaskTerminal, id)
	}
	if rec.Status == models.StatusPending {
		if err := s.transitionLocked(rec, models.StatusWaiting); err != nil {
			return false, err
		}
	}
	if s.approvalRequested[id] {
		return false, nil
	}
	s.approvalRequested[id] = true
	return true, nil
}

// GrantApproval records a positive verdict and wakes the scheduler.
func (s *ExecutionState) GrantApproval(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrTaskTerminal, id)
	}
	s.approvalGranted[id] = true
	s.signalLocked()
	return nil
}

// ApprovalGranted reports whether a positive verdict has arrived for id.
func (s *ExecutionState) ApprovalGranted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvalGranted[id]
}

// Start moves a task to running with its resolved inputs. Server dispatch.
func (s *ExecutionState) Start(id string, inputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if err := s.transitionLocked(rec, models.StatusRunning); err != nil {
		return err
	}
	rec.ResolvedInputs = inputs
	s.markStartedLocked(rec)
	return nil
}

// Emit moves a task to emitted with its resolved inputs and returns a clone
// enriched with the ids of server-side dependencies that completed, so the
// client can correlate results it never produced itself.
func (s *ExecutionState) Emit(id string, inputs map[string]any) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if err := s.transitionLocked(rec, models.StatusEmitted); err != nil {
		return nil, err
	}
	rec.ResolvedInputs = inputs
	s.markStartedLocked(rec)
	rec.ServerCompletedDependencies = rec.ServerCompletedDependencies[:0]
	for _, dep := range rec.DependsOn {
		upstream, ok := s.tasks[dep]
		if !ok {
			continue
		}
		if upstream.Status == models.StatusCompleted && upstream.ExecutionTarget == models.TargetServer {
			rec.ServerCompletedDependencies = append(rec.ServerCompletedDependencies, dep)
		}
	}
	return rec.Clone(), nil
}

func (s *ExecutionState) markStartedLocked(rec *models.TaskRecord) {
	if rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}
}

// Settle records an execution result. A success or an exhausted failure
// finishes the task; the first failure of a task under the retry policy
// arms one redispatch instead and reports retrying=true. Results for tasks
// that are not in flight are rejected, which is how late or duplicate
// results get discarded.
func (s *ExecutionState) Settle(id string, out *models.TaskOutput) (retrying bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if rec.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %q", ErrTaskTerminal, id)
	}
	if rec.Status != models.StatusRunning && rec.Status != models.StatusEmitted {
		return false, fmt.Errorf("task %q is %s, not in flight", id, rec.Status)
	}
	if out == nil {
		out = models.Failure("empty result")
	}
	if !out.Success && rec.FailurePolicy() == models.FailRetry && !s.retried[id] {
		s.retried[id] = true
		s.retryReady[id] = true
		s.signalLocked()
		return true, nil
	}
	return false, s.finishLocked(rec, out)
}

// TakeRetries drains the set of tasks armed for redispatch, in admission
// order. Each id is handed out once.
func (s *ExecutionState) TakeRetries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.retryReady) == 0 {
		return nil
	}
	var ids []string
	for _, id := range s.order {
		if s.retryReady[id] {
			ids = append(ids, id)
			delete(s.retryReady, id)
		}
	}
	return ids
}

// Fail finishes a task with a failure outcome, bypassing the retry policy.
// Approval denials, validation errors, and cascades land here; only
// execution results go through Settle.
func (s *ExecutionState) Fail(id string, out *models.TaskOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrTaskTerminal, id)
	}
	if out == nil || out.Success {
		out = models.Failure("failed")
	}
	return s.finishLocked(rec, out)
}

// FailDependents fails every pending or waiting task that transitively
// depends on failedID, in admission order, and returns their ids. Tasks
// already in flight are left to finish on their own.
func (s *ExecutionState) FailDependents(failedID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	reachable := make(map[string]bool)
	queue := append([]string(nil), s.dependents[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, s.dependents[id]...)
	}

	var failed []string
	for _, id := range s.order {
		if !reachable[id] {
			continue
		}
		rec := s.tasks[id]
		if rec.Status != models.StatusPending && rec.Status != models.StatusWaiting {
			continue
		}
		out := models.Failure("dependency_failed: upstream task %q failed", failedID)
		if err := s.finishLocked(rec, out); err == nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// CancelAll fails every non-terminal task with a cancelled outcome and
// returns their ids in admission order.
func (s *ExecutionState) CancelAll(reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = "session cancelled"
	}
	var cancelled []string
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.Status.IsTerminal() {
			continue
		}
		if err := s.finishLocked(rec, models.Failure("cancelled: %s", reason)); err == nil {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// finishLocked applies the terminal transition for out and stamps the
// record's output, completion time, and duration.
func (s *ExecutionState) finishLocked(rec *models.TaskRecord, out *models.TaskOutput) error {
	target := models.StatusFailed
	if out.Success {
		target = models.StatusCompleted
	}
	if err := s.transitionLocked(rec, target); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Output = out
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMS = now.Sub(*rec.StartedAt).Milliseconds()
	}
	s.signalLocked()
	if s.completedLocked() {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return nil
}

func (s *ExecutionState) transitionLocked(rec *models.TaskRecord, to models.TaskStatus) error {
	if !rec.Status.CanTransition(to) {
		return fmt.Errorf("task %q cannot transition from %s to %s", rec.TaskID, rec.Status, to)
	}
	rec.Status = to
	return nil
}

func (s *ExecutionState) signalLocked() {
	select {
	case s.change <- struct{}{}:
	default:
	}
}

// lockedView adapts the record map for binding resolution while s.mu is
// held. The resolver only reads, so handing it live records is safe here
// and avoids cloning every upstream on every parameter.
type lockedView struct {
	tasks map[string]*models.TaskRecord
}

func (v lockedView) Task(id string) (*models.TaskRecord, bool) {
	rec, ok := v.tasks[id]
	return rec, ok
}

// ResolveTaskInputs resolves a task's static inputs and bindings against
// the current state, under the state lock.
func (s *ExecutionState) ResolveTaskInputs(res *binding.Resolver, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	return res.ResolveInputs(&rec.Task, lockedView{tasks: s.tasks})
}

// PrevalidateTask reports whether a task's bindings are ready to resolve.
// False with a nil error means an upstream is still in flight.
func (s *ExecutionState) PrevalidateTask(res *binding.Resolver, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	return res.Prevalidate(&rec.Task, lockedView{tasks: s.tasks})
}

// Summary reports terminal counts and per-task error strings for the
// session's current state.
func (s *ExecutionState) Summary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &Summary{
		SessionID: s.sessionID,
		Errors:    make(map[string]string),
		Messages:  make(map[string]string),
	}
	for _, id := range s.order {
		rec := s.tasks[id]
		switch rec.Status {
		case models.StatusCompleted:
			sum.TasksCompleted++
		case models.StatusFailed:
			sum.TasksFailed++
			if rec.Output != nil {
				sum.Errors[id] = rec.Output.Error
			}
			sum.Messages[id] = rec.FailureMessage()
		}
	}
	return sum
}

// Summary is the completion report for a session's plan. Errors holds the
// raw per-task error strings; Messages holds the user-facing failure text,
// which prefers the plan's lifecycle on_failure message.
type Summary struct {
	SessionID      string            `json:"session_id"`
	TasksCompleted int               `json:"tasks_completed"`
	TasksFailed    int               `json:"tasks_failed"`
	Errors         map[string]string `json:"errors,omitempty"`
	Messages       map[string]string `json:"messages,omitempty"`
}
