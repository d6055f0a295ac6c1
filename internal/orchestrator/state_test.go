package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/aide/internal/binding"
	"github.com/haasonsaas/aide/pkg/models"
)

func task(id, tool string, target models.ExecutionTarget, deps ...string) models.Task {
	return models.Task{
		TaskID:          id,
		Tool:            tool,
		ExecutionTarget: target,
		DependsOn:       deps,
	}
}

func withPolicy(t models.Task, policy models.FailurePolicy) models.Task {
	t.Control = &models.Control{OnFailure: policy}
	return t
}

func complete(t *testing.T, st *ExecutionState, id string, data map[string]any) {
	t.Helper()
	if err := st.Start(id, nil); err != nil {
		t.Fatalf("Start(%q): %v", id, err)
	}
	if _, err := st.Settle(id, &models.TaskOutput{Success: true, Data: data}); err != nil {
		t.Fatalf("Settle(%q): %v", id, err)
	}
}

func fail(t *testing.T, st *ExecutionState, id, msg string) {
	t.Helper()
	if err := st.Start(id, nil); err != nil {
		t.Fatalf("Start(%q): %v", id, err)
	}
	if _, err := st.Settle(id, models.Failure("%s", msg)); err != nil {
		t.Fatalf("Settle(%q): %v", id, err)
	}
}

func readyIDs(st *ExecutionState) string {
	return strings.Join(st.Ready(), ",")
}

func TestReadyFollowsDependencyOrder(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "ai_answer", models.TargetServer, "a"),
		task("c", "ai_summarize", models.TargetServer, "b"),
	})

	if got := readyIDs(st); got != "a" {
		t.Fatalf("initial ready = %q, want %q", got, "a")
	}
	complete(t, st, "a", nil)
	if got := readyIDs(st); got != "b" {
		t.Fatalf("ready after a = %q, want %q", got, "b")
	}
	complete(t, st, "b", nil)
	complete(t, st, "c", nil)
	if !st.Completed() {
		t.Fatal("state not completed after all tasks settled")
	}
}

func TestReadyWaitsForAllDependencies(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "system_info", models.TargetServer),
		task("c", "ai_answer", models.TargetServer, "a", "b"),
	})

	complete(t, st, "a", nil)
	if got := readyIDs(st); got != "b" {
		t.Fatalf("ready with one dependency done = %q, want %q", got, "b")
	}
	complete(t, st, "b", nil)
	if got := readyIDs(st); got != "c" {
		t.Fatalf("ready with both dependencies done = %q, want %q", got, "c")
	}
}

func TestReadyAfterUpstreamFailure(t *testing.T) {
	t.Run("continue unblocks dependents", func(t *testing.T) {
		st := NewExecutionState("s1", []models.Task{
			withPolicy(task("a", "system_info", models.TargetServer), models.FailContinue),
			task("b", "ai_answer", models.TargetServer, "a"),
		})
		fail(t, st, "a", "boom")
		if got := readyIDs(st); got != "b" {
			t.Fatalf("ready = %q, want %q", got, "b")
		}
	})

	t.Run("abort keeps dependents blocked", func(t *testing.T) {
		st := NewExecutionState("s1", []models.Task{
			task("a", "system_info", models.TargetServer),
			task("b", "ai_answer", models.TargetServer, "a"),
		})
		fail(t, st, "a", "boom")
		if got := readyIDs(st); got != "" {
			t.Fatalf("ready = %q, want empty", got)
		}
	})
}

func TestStartAndSettleLifecycle(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{task("a", "system_info", models.TargetServer)})

	inputs := map[string]any{"k": "v"}
	if err := st.Start("a", inputs); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, _ := st.Record("a")
	if rec.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", rec.Status)
	}
	if rec.StartedAt == nil {
		t.Fatal("StartedAt not stamped on dispatch")
	}
	if rec.ResolvedInputs["k"] != "v" {
		t.Fatalf("ResolvedInputs = %v", rec.ResolvedInputs)
	}

	if _, err := st.Settle("a", &models.TaskOutput{Success: true, Data: map[string]any{"out": 1}}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	rec, _ = st.Record("a")
	if rec.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.Output == nil || !rec.Output.Success {
		t.Fatalf("output = %+v", rec.Output)
	}
	if rec.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped")
	}
	if rec.DurationMS < 0 {
		t.Fatalf("DurationMS = %d", rec.DurationMS)
	}

	if _, err := st.Settle("a", models.Failure("late")); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("second Settle err = %v, want ErrTaskTerminal", err)
	}
	rec, _ = st.Record("a")
	if !rec.Output.Success {
		t.Fatal("late result overwrote the recorded output")
	}
}

func TestSettleRequiresInFlight(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{task("a", "system_info", models.TargetServer)})
	if _, err := st.Settle("a", models.Failure("early")); err == nil || !strings.Contains(err.Error(), "not in flight") {
		t.Fatalf("Settle on pending task err = %v", err)
	}
	if _, err := st.Settle("ghost", models.Failure("x")); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Settle on unknown task err = %v", err)
	}
}

func TestSettleArmsSingleRetry(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		withPolicy(task("a", "web_search", models.TargetClient), models.FailRetry),
	})
	if _, err := st.Emit("a", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	retrying, err := st.Settle("a", models.Failure("first failure"))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !retrying {
		t.Fatal("first failure under retry policy did not arm a retry")
	}
	rec, _ := st.Record("a")
	if rec.Status != models.StatusEmitted {
		t.Fatalf("status after armed retry = %s, want emitted", rec.Status)
	}
	if rec.Output != nil {
		t.Fatal("armed retry assigned an output")
	}

	got := st.TakeRetries()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("TakeRetries = %v, want [a]", got)
	}
	if again := st.TakeRetries(); len(again) != 0 {
		t.Fatalf("second TakeRetries = %v, want empty", again)
	}

	retrying, err = st.Settle("a", models.Failure("second failure"))
	if err != nil {
		t.Fatalf("Settle after retry: %v", err)
	}
	if retrying {
		t.Fatal("second failure armed another retry")
	}
	rec, _ = st.Record("a")
	if rec.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Output.Error != "second failure" {
		t.Fatalf("output error = %q", rec.Output.Error)
	}
}

func TestSettleRetryThenSuccess(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		withPolicy(task("a", "ai_answer", models.TargetServer), models.FailRetry),
	})
	if err := st.Start("a", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if retrying, _ := st.Settle("a", models.Failure("flaky")); !retrying {
		t.Fatal("retry not armed")
	}
	st.TakeRetries()
	if _, err := st.Settle("a", &models.TaskOutput{Success: true}); err != nil {
		t.Fatalf("Settle success: %v", err)
	}
	rec, _ := st.Record("a")
	if rec.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
}

func TestEmitEnrichesServerCompletedDependencies(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("srv", "ai_answer", models.TargetServer),
		task("cli", "file_create", models.TargetClient),
		task("out", "app_open", models.TargetClient, "srv", "cli"),
	})
	complete(t, st, "srv", map[string]any{"text": "hi"})
	if _, err := st.Emit("cli", nil); err != nil {
		t.Fatalf("Emit(cli): %v", err)
	}
	if _, err := st.Settle("cli", &models.TaskOutput{Success: true}); err != nil {
		t.Fatalf("Settle(cli): %v", err)
	}

	wire, err := st.Emit("out", map[string]any{"name": "x"})
	if err != nil {
		t.Fatalf("Emit(out): %v", err)
	}
	if len(wire.ServerCompletedDependencies) != 1 || wire.ServerCompletedDependencies[0] != "srv" {
		t.Fatalf("ServerCompletedDependencies = %v, want [srv]", wire.ServerCompletedDependencies)
	}
	if wire.Status != models.StatusEmitted {
		t.Fatalf("wire status = %s", wire.Status)
	}

	// The returned record is a clone; mutating it must not touch state.
	wire.ResolvedInputs["name"] = "mutated"
	rec, _ := st.Record("out")
	if rec.ResolvedInputs["name"] != "x" {
		t.Fatal("Emit returned a live record, not a clone")
	}
}

func TestApprovalFlow(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "file_create", models.TargetClient),
	})

	first, err := st.RequestApproval("a")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !first {
		t.Fatal("first request not reported as first")
	}
	rec, _ := st.Record("a")
	if rec.Status != models.StatusWaiting {
		t.Fatalf("status = %s, want waiting", rec.Status)
	}

	if again, _ := st.RequestApproval("a"); again {
		t.Fatal("second request reported as first")
	}
	if got := readyIDs(st); got != "a" {
		t.Fatalf("waiting task left the ready set: %q", got)
	}

	if st.ApprovalGranted("a") {
		t.Fatal("approval granted before any verdict")
	}
	if err := st.GrantApproval("a"); err != nil {
		t.Fatalf("GrantApproval: %v", err)
	}
	if !st.ApprovalGranted("a") {
		t.Fatal("grant not recorded")
	}

	select {
	case <-st.Change():
	default:
		t.Fatal("grant did not signal the scheduler")
	}
}

func TestFailBypassesRetryPolicy(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		withPolicy(task("a", "file_create", models.TargetClient), models.FailRetry),
	})
	if _, err := st.RequestApproval("a"); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if err := st.Fail("a", models.Failure("approval_denied: user rejected task %q", "a")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	rec, _ := st.Record("a")
	if rec.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !strings.HasPrefix(rec.Output.Error, "approval_denied") {
		t.Fatalf("output error = %q", rec.Output.Error)
	}
	if got := st.TakeRetries(); len(got) != 0 {
		t.Fatalf("denial armed a retry: %v", got)
	}
}

func TestFailDependentsCascade(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "ai_answer", models.TargetServer, "a"),
		task("c", "ai_summarize", models.TargetServer, "b"),
		task("d", "datetime_now", models.TargetServer),
	})
	fail(t, st, "a", "boom")

	failed := st.FailDependents("a")
	if strings.Join(failed, ",") != "b,c" {
		t.Fatalf("cascade failed %v, want [b c]", failed)
	}
	for _, id := range []string{"b", "c"} {
		rec, _ := st.Record(id)
		if rec.Status != models.StatusFailed {
			t.Fatalf("%s status = %s, want failed", id, rec.Status)
		}
		if !strings.HasPrefix(rec.Output.Error, "dependency_failed") {
			t.Fatalf("%s error = %q", id, rec.Output.Error)
		}
		if !strings.Contains(rec.Output.Error, `"a"`) {
			t.Fatalf("%s error does not name the upstream: %q", id, rec.Output.Error)
		}
	}
	rec, _ := st.Record("d")
	if rec.Status != models.StatusPending {
		t.Fatalf("unrelated task was cascaded: %s", rec.Status)
	}
}

func TestFailDependentsSkipsInFlight(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "ai_answer", models.TargetServer, "a"),
		task("c", "ai_summarize", models.TargetServer, "b"),
	})
	// b is already running when a's failure is observed.
	if err := st.Start("b", nil); err != nil {
		t.Fatalf("Start(b): %v", err)
	}
	fail(t, st, "a", "boom")

	failed := st.FailDependents("a")
	if strings.Join(failed, ",") != "c" {
		t.Fatalf("cascade failed %v, want [c]", failed)
	}
	rec, _ := st.Record("b")
	if rec.Status != models.StatusRunning {
		t.Fatalf("in-flight task cascaded: %s", rec.Status)
	}
}

func TestCancelAll(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "ai_answer", models.TargetServer, "a"),
	})
	complete(t, st, "a", nil)

	cancelled := st.CancelAll("user stopped the session")
	if strings.Join(cancelled, ",") != "b" {
		t.Fatalf("cancelled %v, want [b]", cancelled)
	}
	rec, _ := st.Record("b")
	if !strings.HasPrefix(rec.Output.Error, "cancelled") {
		t.Fatalf("error = %q", rec.Output.Error)
	}
	rec, _ = st.Record("a")
	if rec.Status != models.StatusCompleted {
		t.Fatal("cancel touched a completed task")
	}

	select {
	case <-st.Done():
	default:
		t.Fatal("done not closed after cancel")
	}
}

func TestDoneFiresWhenAllTerminal(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "datetime_now", models.TargetServer),
	})
	complete(t, st, "a", nil)
	select {
	case <-st.Done():
		t.Fatal("done closed with a task outstanding")
	default:
	}
	fail(t, st, "b", "boom")
	select {
	case <-st.Done():
	default:
		t.Fatal("done not closed with all tasks terminal")
	}
}

func TestEmptyPlanCompletesImmediately(t *testing.T) {
	st := NewExecutionState("s1", nil)
	select {
	case <-st.Done():
	default:
		t.Fatal("empty plan did not complete at admission")
	}
	if !st.Completed() {
		t.Fatal("Completed() = false for empty plan")
	}
}

func TestResolveTaskInputsAgainstState(t *testing.T) {
	res := binding.NewResolver()
	upstream := task("a", "system_info", models.TargetServer)
	downstream := task("b", "ai_answer", models.TargetServer, "a")
	downstream.Inputs = map[string]any{"question": "what os?"}
	downstream.InputBindings = map[string]string{"context": "$.a.data.os"}

	st := NewExecutionState("s1", []models.Task{upstream, downstream})

	if ready, err := st.PrevalidateTask(res, "b"); ready || err != nil {
		t.Fatalf("Prevalidate with upstream pending = (%v, %v), want (false, nil)", ready, err)
	}

	complete(t, st, "a", map[string]any{"os": "linux"})

	if ready, err := st.PrevalidateTask(res, "b"); !ready || err != nil {
		t.Fatalf("Prevalidate with upstream done = (%v, %v), want (true, nil)", ready, err)
	}
	inputs, err := st.ResolveTaskInputs(res, "b")
	if err != nil {
		t.Fatalf("ResolveTaskInputs: %v", err)
	}
	if inputs["context"] != "linux" || inputs["question"] != "what os?" {
		t.Fatalf("inputs = %v", inputs)
	}
}

func TestSummaryCountsAndErrors(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{
		task("a", "system_info", models.TargetServer),
		task("b", "ai_answer", models.TargetServer),
		task("c", "datetime_now", models.TargetServer),
	})
	complete(t, st, "a", nil)
	fail(t, st, "b", "boom")

	sum := st.Summary()
	if sum.TasksCompleted != 1 || sum.TasksFailed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Errors["b"] != "boom" {
		t.Fatalf("errors = %v", sum.Errors)
	}
	if _, ok := sum.Errors["c"]; ok {
		t.Fatal("pending task listed in errors")
	}
}

func TestStartRejectsInvalidTransition(t *testing.T) {
	st := NewExecutionState("s1", []models.Task{task("a", "system_info", models.TargetServer)})
	complete(t, st, "a", nil)
	err := st.Start("a", nil)
	if err == nil || !strings.Contains(err.Error(), "cannot transition") {
		t.Fatalf("Start on completed task err = %v", err)
	}
}
