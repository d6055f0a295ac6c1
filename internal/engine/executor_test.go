package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/internal/tools"
	"github.com/haasonsaas/aide/pkg/models"
)

type fakeTool struct {
	tools.Schemas
	name  string
	calls atomic.Int32
	run   func(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error)
}

func (t *fakeTool) Name() string { return t.name }

func (t *fakeTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	t.calls.Add(1)
	return t.run(ctx, inputs)
}

func succeedWith(data map[string]any) func(context.Context, map[string]any) (*models.TaskOutput, error) {
	return func(context.Context, map[string]any) (*models.TaskOutput, error) {
		return &models.TaskOutput{Success: true, Data: data}, nil
	}
}

const executorDoc = `{
  "version": "test",
  "categories": {
    "test": {
      "tools": [
        {"tool_name": "echo", "description": "Echo.", "execution_target": "server"},
        {"tool_name": "phantom", "description": "Catalogued, never implemented.", "execution_target": "server"}
      ]
    }
  }
}`

func testExecutor(t *testing.T, instances *registry.Instances) *ServerExecutor {
	t.Helper()
	reg := registry.New()
	if err := reg.Load([]byte(executorDoc)); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	return NewServerExecutor(reg, instances, logger)
}

func taskRecord(id, tool string, inputs map[string]any) *models.TaskRecord {
	rec := models.NewTaskRecord(models.Task{
		TaskID:          id,
		Tool:            tool,
		ExecutionTarget: models.TargetServer,
	})
	rec.ResolvedInputs = inputs
	return rec
}

func TestServerExecutorRunsTool(t *testing.T) {
	instances := registry.NewInstances()
	echo := &fakeTool{name: "echo", run: func(_ context.Context, inputs map[string]any) (*models.TaskOutput, error) {
		return &models.TaskOutput{Success: true, Data: map[string]any{"msg": inputs["msg"]}}, nil
	}}
	instances.Register(echo)
	exec := testExecutor(t, instances)

	out := exec.Execute(context.Background(), taskRecord("t1", "echo", map[string]any{"msg": "hi"}))
	if !out.Success || out.Data["msg"] != "hi" {
		t.Fatalf("output = %+v", out)
	}
	if echo.calls.Load() != 1 {
		t.Fatalf("calls = %d", echo.calls.Load())
	}
}

func TestServerExecutorFailureOutputs(t *testing.T) {
	instances := registry.NewInstances()
	instances.Register(&fakeTool{name: "echo", run: func(context.Context, map[string]any) (*models.TaskOutput, error) {
		return nil, errors.New("backend unavailable")
	}})
	exec := testExecutor(t, instances)

	tests := []struct {
		name string
		tool string
		want string
	}{
		{name: "uncatalogued tool", tool: "ghost", want: "not_in_registry"},
		{name: "unimplemented tool", tool: "phantom", want: "not_implemented"},
		{name: "tool error", tool: "echo", want: "backend unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := exec.Execute(context.Background(), taskRecord("t1", tt.tool, nil))
			if out.Success {
				t.Fatalf("output = %+v", out)
			}
			if !strings.Contains(out.Error, tt.want) {
				t.Fatalf("error %q does not mention %q", out.Error, tt.want)
			}
		})
	}
}

func TestServerExecutorRecoversPanic(t *testing.T) {
	instances := registry.NewInstances()
	instances.Register(&fakeTool{name: "echo", run: func(context.Context, map[string]any) (*models.TaskOutput, error) {
		panic("index out of range")
	}})
	exec := testExecutor(t, instances)

	out := exec.Execute(context.Background(), taskRecord("t1", "echo", nil))
	if out.Success || !strings.Contains(out.Error, "panicked") {
		t.Fatalf("output = %+v", out)
	}
	if !strings.Contains(out.Error, "index out of range") {
		t.Fatalf("panic value lost: %q", out.Error)
	}
}

func TestServerExecutorNilOutput(t *testing.T) {
	instances := registry.NewInstances()
	instances.Register(&fakeTool{name: "echo", run: func(context.Context, map[string]any) (*models.TaskOutput, error) {
		return nil, nil
	}})
	exec := testExecutor(t, instances)

	out := exec.Execute(context.Background(), taskRecord("t1", "echo", nil))
	if out.Success || !strings.Contains(out.Error, "no output") {
		t.Fatalf("output = %+v", out)
	}
}

func TestServerExecutorDeadline(t *testing.T) {
	instances := registry.NewInstances()
	instances.Register(&fakeTool{name: "echo", run: func(ctx context.Context, _ map[string]any) (*models.TaskOutput, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &models.TaskOutput{Success: true}, nil
		}
	}})
	exec := testExecutor(t, instances)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := exec.Execute(ctx, taskRecord("t1", "echo", nil))
	if out.Success || !strings.HasPrefix(out.Error, "timeout") {
		t.Fatalf("output = %+v", out)
	}
}

func TestServerExecutorDeadlineIgnoringTool(t *testing.T) {
	released := make(chan struct{})
	instances := registry.NewInstances()
	instances.Register(&fakeTool{name: "echo", run: func(context.Context, map[string]any) (*models.TaskOutput, error) {
		// Ignores its context entirely.
		<-released
		return &models.TaskOutput{Success: true}, nil
	}})
	defer close(released)
	exec := testExecutor(t, instances)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	out := exec.Execute(ctx, taskRecord("t1", "echo", nil))
	if out.Success || !strings.HasPrefix(out.Error, "timeout") {
		t.Fatalf("output = %+v", out)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("executor waited on a tool that ignores its context")
	}
}

func TestServerExecutorCancellation(t *testing.T) {
	instances := registry.NewInstances()
	instances.Register(&fakeTool{name: "echo", run: func(ctx context.Context, _ map[string]any) (*models.TaskOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	exec := testExecutor(t, instances)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := exec.Execute(ctx, taskRecord("t1", "echo", nil))
	if out.Success || !strings.HasPrefix(out.Error, "cancelled") {
		t.Fatalf("output = %+v", out)
	}
}
