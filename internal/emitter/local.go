package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/pkg/models"
)

// ApproverFunc answers an approval prompt. It may block, for example on a
// terminal read.
type ApproverFunc func(ctx context.Context, sessionID, taskID, question string) bool

// Local executes client tasks in-process and feeds results straight back
// into the sink. It stands in for the client device in serverless mode,
// where server and client share one process.
type Local struct {
	instances *registry.Instances
	sink      ResultSink
	logger    *observability.Logger
	metrics   *observability.Metrics

	// Approver answers approval prompts. When nil, prompts are denied;
	// an unattended process must not approve gated work on its own.
	Approver ApproverFunc

	// OnAcknowledge observes acknowledgment messages, for example to print
	// them to the terminal. Optional.
	OnAcknowledge func(sessionID, message string)

	// ApprovalTimeout bounds how long the approver may deliberate. Zero
	// means no bound. The approver sees the expiry as context
	// cancellation; an approver that honors it answers deny.
	ApprovalTimeout time.Duration

	wg sync.WaitGroup
}

// NewLocal builds a local emitter over the client-side tool instances.
// metrics may be nil.
func NewLocal(instances *registry.Instances, sink ResultSink, logger *observability.Logger, metrics *observability.Metrics) *Local {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Local{
		instances: instances,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
	}
}

// EmitTask runs the task's tool in a goroutine and reports its result to
// the sink, the same round trip a remote client would make.
func (l *Local) EmitTask(ctx context.Context, sessionID string, rec *models.TaskRecord) error {
	if rec == nil {
		return fmt.Errorf("emit: nil task record")
	}
	l.recordFrame(models.FrameTaskExecuteSingle)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.execute(ctx, sessionID, rec)
	}()
	return nil
}

// EmitBatch runs each task of the batch concurrently.
func (l *Local) EmitBatch(ctx context.Context, sessionID string, recs []*models.TaskRecord) error {
	l.recordFrame(models.FrameTaskExecuteBatch)
	for _, rec := range recs {
		rec := rec
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.execute(ctx, sessionID, rec)
		}()
	}
	return nil
}

func (l *Local) execute(ctx context.Context, sessionID string, rec *models.TaskRecord) {
	if timeout := rec.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := l.runTool(ctx, rec)
	if err := l.sink.HandleTaskResult(ctx, sessionID, rec.TaskID, out); err != nil {
		l.logger.Warn(ctx, "local client could not deliver task result",
			"session_id", sessionID,
			"task_id", rec.TaskID,
			"error", err)
	}
}

func (l *Local) runTool(ctx context.Context, rec *models.TaskRecord) (out *models.TaskOutput) {
	defer func() {
		if r := recover(); r != nil {
			out = models.Failure("tool %q panicked: %v", rec.Tool, r)
		}
	}()

	tool, ok := l.instances.Get(rec.Tool)
	if !ok {
		return models.Failure("not_implemented: tool %q has no local implementation", rec.Tool)
	}
	result, err := tool.Execute(ctx, rec.ResolvedInputs)
	if err != nil {
		return models.Failure("%v", err)
	}
	if result == nil {
		return models.Failure("tool %q returned no output", rec.Tool)
	}
	return result
}

// RequestApproval asks the configured approver and feeds the verdict back
// into the sink. Without an approver the prompt is denied.
func (l *Local) RequestApproval(ctx context.Context, sessionID, taskID, question string) error {
	l.recordFrame(models.FrameApprovalRequest)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		promptCtx := ctx
		if l.ApprovalTimeout > 0 {
			var cancel context.CancelFunc
			promptCtx, cancel = context.WithTimeout(ctx, l.ApprovalTimeout)
			defer cancel()
		}
		approved := false
		if l.Approver != nil {
			approved = l.Approver(promptCtx, sessionID, taskID, question)
		} else {
			l.logger.Warn(ctx, "no approver configured, denying task",
				"session_id", sessionID,
				"task_id", taskID)
		}
		if err := l.sink.ResolveApproval(ctx, sessionID, taskID, approved); err != nil {
			l.logger.Warn(ctx, "approval verdict not applied",
				"session_id", sessionID,
				"task_id", taskID,
				"error", err)
		}
	}()
	return nil
}

// Acknowledge logs the notice and hands it to OnAcknowledge when set.
func (l *Local) Acknowledge(ctx context.Context, sessionID, message string) error {
	l.recordFrame(models.FrameAcknowledgment)
	l.logger.Info(ctx, "acknowledgment",
		"session_id", sessionID,
		"message", message)
	if l.OnAcknowledge != nil {
		l.OnAcknowledge(sessionID, message)
	}
	return nil
}

// Wait blocks until every in-flight client execution and prompt finishes.
func (l *Local) Wait() {
	l.wg.Wait()
}

func (l *Local) recordFrame(t models.FrameType) {
	if l.metrics != nil {
		l.metrics.RecordFrame(string(t), "outbound")
	}
}
