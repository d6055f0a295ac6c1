package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/pkg/models"
)

// ServerExecutor runs server-target tools. It always produces an output:
// tool errors, panics, and deadline hits come back as failure outputs, so
// the scheduling loop has a single result path to settle.
type ServerExecutor struct {
	registry  *registry.Registry
	instances *registry.Instances
	logger    *observability.Logger
}

// NewServerExecutor builds an executor over the catalog and the registered
// server-side tool instances.
func NewServerExecutor(reg *registry.Registry, instances *registry.Instances, logger *observability.Logger) *ServerExecutor {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &ServerExecutor{registry: reg, instances: instances, logger: logger}
}

type execResult struct {
	out *models.TaskOutput
	err error
}

// Execute runs the task's tool with its resolved inputs. The tool runs in
// its own goroutine so a tool that ignores its context cannot hold the
// task past its deadline; the abandoned goroutine's eventual result is
// dropped.
func (e *ServerExecutor) Execute(ctx context.Context, rec *models.TaskRecord) *models.TaskOutput {
	if err := e.registry.Validate(rec.Tool); err != nil {
		return models.Failure("%v", err)
	}
	tool, ok := e.instances.Get(rec.Tool)
	if !ok {
		return models.Failure("not_implemented: tool %q has no server implementation", rec.Tool)
	}

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error(ctx, "tool panicked",
					"tool", rec.Tool,
					"task_id", rec.TaskID,
					"panic", fmt.Sprint(r))
				done <- execResult{err: fmt.Errorf("tool %q panicked: %v", rec.Tool, r)}
			}
		}()
		out, err := tool.Execute(ctx, rec.ResolvedInputs)
		done <- execResult{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Failure("timeout: tool %q did not finish before its deadline", rec.Tool)
		}
		return models.Failure("cancelled: %v", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return models.Failure("%v", r.err)
		}
		if r.out == nil {
			return models.Failure("tool %q returned no output", rec.Tool)
		}
		return r.out
	}
}
