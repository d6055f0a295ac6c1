// Package engine schedules admitted task plans: it watches each session's
// execution state, dispatches tasks whose dependencies have settled,
// enforces approval gates, timeouts, and failure policies, and delivers
// client work through the emitter. The orchestrator owns what each task's
// record says; the engine decides when things happen.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/aide/internal/binding"
	"github.com/haasonsaas/aide/internal/emitter"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/orchestrator"
	"github.com/haasonsaas/aide/pkg/models"
)

// Config bounds the scheduling loop.
type Config struct {
	// MaxParallelTasks caps concurrent server executions per session.
	// Zero means no cap.
	MaxParallelTasks int

	// RetryBackoff is the pause before a task's single retry.
	RetryBackoff time.Duration

	// TaskTimeout is the execution ceiling for tasks that set no timeout
	// of their own.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelTasks < 0 {
		c.MaxParallelTasks = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
	return c
}

// Engine drives execution states to completion.
type Engine struct {
	cfg     Config
	orch    *orchestrator.Orchestrator
	exec    *ServerExecutor
	emitter emitter.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds an engine over the orchestrator's sessions. metrics may be
// nil.
func New(cfg Config, orch *orchestrator.Orchestrator, exec *ServerExecutor, em emitter.Emitter, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		orch:    orch,
		exec:    exec,
		emitter: em,
		logger:  logger,
		metrics: metrics,
	}
}

// Execute seeds a plan for the session and runs it to completion.
func (e *Engine) Execute(ctx context.Context, sessionID string, plan *models.Plan) (*orchestrator.Summary, error) {
	st, err := e.orch.Seed(ctx, sessionID, plan)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, st)
}

// Run drives one session's execution state until every task is terminal,
// then sends the completion acknowledgment and returns the summary. The
// loop is event-driven: it rescans only when the state signals that the
// ready set may have changed. Cancelling ctx fails the remaining tasks.
func (e *Engine) Run(ctx context.Context, st *orchestrator.ExecutionState) (*orchestrator.Summary, error) {
	sessionCtx := observability.AddSessionID(ctx, st.SessionID())
	fanout := e.cfg.MaxParallelTasks
	if fanout <= 0 {
		// No cap: a session never holds more slots than it has tasks.
		fanout = len(st.Records())
	}
	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	observed := make(map[string]bool, len(st.Records()))

	for {
		e.observe(sessionCtx, st, observed)
		e.dispatchRetries(sessionCtx, st, sem, &wg)
		e.dispatch(sessionCtx, st, sem, &wg)

		if st.Completed() {
			break
		}
		select {
		case <-st.Change():
		case <-st.Done():
		case <-ctx.Done():
			st.CancelAll(ctx.Err().Error())
			e.orch.Approvals().DropSession(st.SessionID())
		}
	}
	wg.Wait()
	e.observe(sessionCtx, st, observed)

	sum := st.Summary()
	e.logger.Info(sessionCtx, "plan finished",
		"tasks_completed", sum.TasksCompleted,
		"tasks_failed", sum.TasksFailed)
	if err := e.emitter.Acknowledge(sessionCtx, st.SessionID(), completionMessage(sum)); err != nil {
		e.logger.Warn(sessionCtx, "completion acknowledgment not delivered", "error", err)
	}
	return sum, nil
}

// observe processes terminal transitions the loop has not seen yet:
// records metrics and applies the failed task's policy to its dependents.
func (e *Engine) observe(ctx context.Context, st *orchestrator.ExecutionState, observed map[string]bool) {
	for _, rec := range st.Records() {
		if !rec.Status.IsTerminal() || observed[rec.TaskID] {
			continue
		}
		observed[rec.TaskID] = true
		if e.metrics != nil {
			e.metrics.RecordTask(rec.Tool, string(rec.ExecutionTarget), string(rec.Status), float64(rec.DurationMS)/1000)
		}
		if rec.Status == models.StatusCompleted {
			e.logger.Info(ctx, "task completed",
				"task_id", rec.TaskID,
				"tool", rec.Tool,
				"duration_ms", rec.DurationMS)
			continue
		}

		errText := ""
		if rec.Output != nil {
			errText = rec.Output.Error
		}
		e.logger.Warn(ctx, "task failed",
			"task_id", rec.TaskID,
			"tool", rec.Tool,
			"error", errText)
		if rec.FailurePolicy() == models.FailContinue {
			continue
		}
		if cascaded := st.FailDependents(rec.TaskID); len(cascaded) > 0 {
			e.logger.Warn(ctx, "dependents cascaded",
				"task_id", rec.TaskID,
				"failed", cascaded)
		}
	}
}

// dispatch starts or emits every ready task, honoring approval gates and
// the server fan-out cap. Consecutive ready client tasks leave as one
// batch.
func (e *Engine) dispatch(ctx context.Context, st *orchestrator.ExecutionState, sem chan struct{}, wg *sync.WaitGroup) {
	var batch []*models.TaskRecord
	for _, id := range st.Ready() {
		rec, ok := st.Record(id)
		if !ok {
			continue
		}

		if rec.RequiresApproval() && !st.ApprovalGranted(id) {
			e.gateApproval(ctx, st, rec)
			continue
		}

		inputs, err := st.ResolveTaskInputs(e.orch.Resolver(), id)
		if err != nil {
			var be *binding.Error
			if errors.As(err, &be) && be.Kind == binding.KindNotCompleted {
				// An upstream settled between the ready scan and now.
				continue
			}
			e.failBeforeDispatch(ctx, st, id, models.Failure("%v", err))
			continue
		}
		if err := e.orch.Registry().CheckInputs(rec.Tool, inputs); err != nil {
			e.failBeforeDispatch(ctx, st, id, models.Failure("%v", err))
			continue
		}

		switch rec.ExecutionTarget {
		case models.TargetServer:
			select {
			case sem <- struct{}{}:
			default:
				// Fan-out is full. A finishing task frees its slot and
				// signals a rescan.
				continue
			}
			if err := st.Start(id, inputs); err != nil {
				<-sem
				e.logger.Debug(ctx, "dispatch skipped", "task_id", id, "error", err)
				continue
			}
			started, ok := st.Record(id)
			if !ok {
				<-sem
				continue
			}
			e.logger.Info(ctx, "task started",
				"task_id", id,
				"tool", started.Tool)
			wg.Add(1)
			go func() {
				defer wg.Done()
				out := e.executeServer(ctx, started)
				// The slot must be free before the settle signal fires:
				// a scheduler pass woken by it that still finds the
				// semaphore full re-parks with no later wakeup.
				<-sem
				e.settle(ctx, st, started.TaskID, out)
			}()

		case models.TargetClient:
			wire, err := st.Emit(id, inputs)
			if err != nil {
				e.logger.Debug(ctx, "emit skipped", "task_id", id, "error", err)
				continue
			}
			e.logger.Info(ctx, "task emitted",
				"task_id", id,
				"tool", wire.Tool)
			batch = append(batch, wire)
		}
	}

	switch len(batch) {
	case 0:
		return
	case 1:
		if err := e.emitter.EmitTask(ctx, st.SessionID(), batch[0]); err != nil {
			e.failEmit(ctx, st, batch[:1], err)
			return
		}
	default:
		if err := e.emitter.EmitBatch(ctx, st.SessionID(), batch); err != nil {
			e.failEmit(ctx, st, batch, err)
			return
		}
	}
	for _, rec := range batch {
		e.armEmitTimeout(ctx, st, rec)
	}
}

// armEmitTimeout bounds how long an emitted task may wait for its client
// result. A client that accepts the emission and never answers would hold
// the task in emitted forever; when the deadline passes first, the task
// settles as a timeout failure and the eventual late result is discarded.
func (e *Engine) armEmitTimeout(ctx context.Context, st *orchestrator.ExecutionState, rec *models.TaskRecord) {
	timeout := rec.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	timer := time.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			e.settle(ctx, st, rec.TaskID,
				models.Failure("timeout: tool %q did not finish before its deadline", rec.Tool))
		case <-st.Done():
		case <-ctx.Done():
		}
	}()
}

// gateApproval moves the task to waiting and sends the prompt on the
// first pass only; later scans find the request already outstanding.
func (e *Engine) gateApproval(ctx context.Context, st *orchestrator.ExecutionState, rec *models.TaskRecord) {
	first, err := st.RequestApproval(rec.TaskID)
	if err != nil || !first {
		return
	}
	question := rec.ApprovalQuestion()
	if question == "" {
		question = fmt.Sprintf("Run task %q (%s)?", rec.TaskID, rec.Tool)
	}
	req := e.orch.Approvals().Add(st.SessionID(), rec.TaskID, question)
	e.logger.Info(ctx, "approval requested",
		"task_id", rec.TaskID,
		"approval_id", req.ID)
	if err := e.emitter.RequestApproval(ctx, st.SessionID(), rec.TaskID, question); err != nil {
		if _, rerr := e.orch.Approvals().Resolve(st.SessionID(), rec.TaskID); rerr != nil {
			e.logger.Debug(ctx, "stale approval entry", "task_id", rec.TaskID, "error", rerr)
		}
		e.failBeforeDispatch(ctx, st, rec.TaskID,
			models.Failure("approval request could not be delivered: %v", err))
	}
}

func (e *Engine) failBeforeDispatch(ctx context.Context, st *orchestrator.ExecutionState, id string, out *models.TaskOutput) {
	if err := st.Fail(id, out); err != nil {
		e.logger.Debug(ctx, "pre-dispatch failure not recorded", "task_id", id, "error", err)
		return
	}
	e.logger.Warn(ctx, "task failed before dispatch",
		"task_id", id,
		"error", out.Error)
}

func (e *Engine) failEmit(ctx context.Context, st *orchestrator.ExecutionState, recs []*models.TaskRecord, err error) {
	for _, rec := range recs {
		out := models.Failure("client channel unavailable: %v", err)
		if _, serr := st.Settle(rec.TaskID, out); serr != nil {
			e.logger.Debug(ctx, "emit failure not recorded", "task_id", rec.TaskID, "error", serr)
		}
	}
}

// dispatchRetries redispatches tasks whose single retry was armed by a
// failure. The task keeps its in-flight status and resolved inputs; only
// the execution happens again, after the backoff.
func (e *Engine) dispatchRetries(ctx context.Context, st *orchestrator.ExecutionState, sem chan struct{}, wg *sync.WaitGroup) {
	for _, id := range st.TakeRetries() {
		rec, ok := st.Record(id)
		if !ok || rec.Status.IsTerminal() {
			continue
		}
		e.logger.Info(ctx, "task retrying",
			"task_id", id,
			"tool", rec.Tool,
			"backoff", e.cfg.RetryBackoff.String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runRetry(ctx, st, rec, sem)
		}()
	}
}

func (e *Engine) runRetry(ctx context.Context, st *orchestrator.ExecutionState, rec *models.TaskRecord, sem chan struct{}) {
	timer := time.NewTimer(e.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// Cancellation already failed the task.
		return
	case <-timer.C:
	}

	switch rec.ExecutionTarget {
	case models.TargetServer:
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		out := e.executeServer(ctx, rec)
		<-sem
		e.settle(ctx, st, rec.TaskID, out)
	case models.TargetClient:
		if err := e.emitter.EmitTask(ctx, st.SessionID(), rec); err != nil {
			e.settle(ctx, st, rec.TaskID, models.Failure("client channel unavailable: %v", err))
			return
		}
		e.armEmitTimeout(ctx, st, rec)
	}
}

// executeServer runs one server task under its deadline and returns the
// outcome. Callers settle it after releasing their fan-out slot.
func (e *Engine) executeServer(ctx context.Context, rec *models.TaskRecord) *models.TaskOutput {
	timeout := rec.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	tctx, cancel := context.WithTimeout(observability.AddTaskID(ctx, rec.TaskID), timeout)
	defer cancel()

	return e.exec.Execute(tctx, rec)
}

func (e *Engine) settle(ctx context.Context, st *orchestrator.ExecutionState, id string, out *models.TaskOutput) {
	retrying, err := st.Settle(id, out)
	if err != nil {
		if errors.Is(err, orchestrator.ErrTaskTerminal) {
			e.logger.Debug(ctx, "late result discarded", "task_id", id)
		} else {
			e.logger.Warn(ctx, "result not recorded", "task_id", id, "error", err)
		}
		return
	}
	if retrying {
		e.logger.Info(ctx, "task failed, retry armed", "task_id", id)
	}
}

func completionMessage(sum *orchestrator.Summary) string {
	if sum.TasksFailed == 0 {
		return fmt.Sprintf("plan complete: %d tasks succeeded", sum.TasksCompleted)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "plan complete: %d tasks succeeded, %d failed", sum.TasksCompleted, sum.TasksFailed)
	ids := make([]string, 0, len(sum.Messages))
	for id := range sum.Messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "; %s: %s", id, sum.Messages[id])
	}
	return b.String()
}
