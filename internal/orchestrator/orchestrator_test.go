package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/pkg/models"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(testRegistry(t), quietLogger(), nil)
}

func TestSeedLifecycle(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	plan := &models.Plan{Tasks: []models.Task{
		task("a", "system_info", models.TargetServer),
	}}

	st, err := o.Seed(ctx, "s1", plan)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if got, ok := o.State("s1"); !ok || got != st {
		t.Fatal("State did not return the seeded execution state")
	}

	if _, err := o.Seed(ctx, "s1", plan); err == nil || !strings.Contains(err.Error(), "active plan") {
		t.Fatalf("reseeding an active session err = %v", err)
	}

	complete(t, st, "a", nil)
	if _, err := o.Seed(ctx, "s1", plan); err != nil {
		t.Fatalf("reseeding a finished session: %v", err)
	}
}

func TestSeedRejectsInvalidPlan(t *testing.T) {
	o := newTestOrchestrator(t)
	plan := &models.Plan{Tasks: []models.Task{
		task("a", "time_travel", models.TargetServer),
	}}
	if _, err := o.Seed(context.Background(), "s1", plan); err == nil {
		t.Fatal("invalid plan admitted")
	}
	if _, ok := o.State("s1"); ok {
		t.Fatal("rejected plan left execution state behind")
	}
}

func TestSeedEmptyPlan(t *testing.T) {
	o := newTestOrchestrator(t)
	st, err := o.Seed(context.Background(), "s1", &models.Plan{})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	select {
	case <-st.Done():
	default:
		t.Fatal("empty plan did not complete at seed")
	}
	sum, err := o.Summary("s1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TasksCompleted != 0 || sum.TasksFailed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestHandleTaskResult(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	plan := &models.Plan{Tasks: []models.Task{
		task("a", "file_create", models.TargetClient),
	}}
	st, err := o.Seed(ctx, "s1", plan)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := st.Emit("a", map[string]any{"path": "/tmp/x"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	out := &models.TaskOutput{Success: true, Data: map[string]any{"path": "/tmp/x"}}
	if err := o.HandleTaskResult(ctx, "s1", "a", out); err != nil {
		t.Fatalf("HandleTaskResult: %v", err)
	}
	rec, _ := st.Record("a")
	if rec.Status != models.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}

	// A duplicate result is discarded without error or overwrite.
	if err := o.HandleTaskResult(ctx, "s1", "a", models.Failure("late")); err != nil {
		t.Fatalf("duplicate result err = %v", err)
	}
	rec, _ = st.Record("a")
	if !rec.Output.Success {
		t.Fatal("duplicate result overwrote the output")
	}

	if err := o.HandleTaskResult(ctx, "ghost", "a", out); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session err = %v", err)
	}
}

func TestHandleBatchResults(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	plan := &models.Plan{Tasks: []models.Task{
		task("a", "file_create", models.TargetClient),
		task("b", "folder_create", models.TargetClient),
	}}
	st, err := o.Seed(ctx, "s1", plan)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := st.Emit(id, nil); err != nil {
			t.Fatalf("Emit(%q): %v", id, err)
		}
	}

	entries := []models.TaskResultEntry{
		{TaskID: "a", Result: &models.TaskOutput{Success: true}},
		{TaskID: "ghost", Result: &models.TaskOutput{Success: true}},
		{TaskID: "b", Result: models.Failure("disk full")},
	}
	err = o.HandleBatchResults(ctx, "s1", entries)
	if err == nil || !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("batch err = %v, want ErrTaskNotFound", err)
	}

	recA, _ := st.Record("a")
	recB, _ := st.Record("b")
	if recA.Status != models.StatusCompleted || recB.Status != models.StatusFailed {
		t.Fatalf("statuses = %s, %s", recA.Status, recB.Status)
	}
}

func TestResolveApproval(t *testing.T) {
	t.Run("approve unblocks the task", func(t *testing.T) {
		o := newTestOrchestrator(t)
		ctx := context.Background()
		tk := task("a", "file_create", models.TargetClient)
		tk.Control = &models.Control{RequiresApproval: true, ApprovalQuestion: "write the file?"}
		st, err := o.Seed(ctx, "s1", &models.Plan{Tasks: []models.Task{tk}})
		if err != nil {
			t.Fatalf("Seed: %v", err)
		}
		if _, err := st.RequestApproval("a"); err != nil {
			t.Fatalf("RequestApproval: %v", err)
		}
		o.Approvals().Add("s1", "a", "write the file?")

		if err := o.ResolveApproval(ctx, "s1", "a", true); err != nil {
			t.Fatalf("ResolveApproval: %v", err)
		}
		if !st.ApprovalGranted("a") {
			t.Fatal("grant not recorded in state")
		}
		if err := o.ResolveApproval(ctx, "s1", "a", true); err == nil {
			t.Fatal("second verdict accepted")
		}
	})

	t.Run("deny fails the task", func(t *testing.T) {
		o := newTestOrchestrator(t)
		ctx := context.Background()
		tk := task("a", "file_create", models.TargetClient)
		tk.Control = &models.Control{RequiresApproval: true}
		st, err := o.Seed(ctx, "s1", &models.Plan{Tasks: []models.Task{tk}})
		if err != nil {
			t.Fatalf("Seed: %v", err)
		}
		if _, err := st.RequestApproval("a"); err != nil {
			t.Fatalf("RequestApproval: %v", err)
		}
		o.Approvals().Add("s1", "a", "")

		if err := o.ResolveApproval(ctx, "s1", "a", false); err != nil {
			t.Fatalf("ResolveApproval: %v", err)
		}
		rec, _ := st.Record("a")
		if rec.Status != models.StatusFailed {
			t.Fatalf("status = %s", rec.Status)
		}
		if !strings.HasPrefix(rec.Output.Error, "approval_denied") {
			t.Fatalf("error = %q", rec.Output.Error)
		}
	})
}

func TestCancelDropsApprovals(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	tk := task("a", "file_create", models.TargetClient)
	tk.Control = &models.Control{RequiresApproval: true}
	st, err := o.Seed(ctx, "s1", &models.Plan{Tasks: []models.Task{tk}})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := st.RequestApproval("a"); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	o.Approvals().Add("s1", "a", "")

	if err := o.Cancel(ctx, "s1", "user hit stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, _ := st.Record("a")
	if !strings.HasPrefix(rec.Output.Error, "cancelled") {
		t.Fatalf("error = %q", rec.Output.Error)
	}
	if got := o.Approvals().Pending("s1"); len(got) != 0 {
		t.Fatalf("approvals survived cancel: %d", len(got))
	}
}

func TestRemove(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	st, err := o.Seed(ctx, "s1", &models.Plan{Tasks: []models.Task{
		task("a", "system_info", models.TargetServer),
	}})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if err := o.Remove("s1"); err == nil {
		t.Fatal("removed a session with unfinished tasks")
	}
	complete(t, st, "a", nil)
	if err := o.Remove("s1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := o.State("s1"); ok {
		t.Fatal("state still present after Remove")
	}
	if err := o.Remove("s1"); err != nil {
		t.Fatalf("Remove of absent session: %v", err)
	}
}
