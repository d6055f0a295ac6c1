package binding

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/aide/pkg/models"
)

type stateStub map[string]*models.TaskRecord

func (s stateStub) Task(id string) (*models.TaskRecord, bool) {
	rec, ok := s[id]
	return rec, ok
}

func record(id string, status models.TaskStatus, out *models.TaskOutput) *models.TaskRecord {
	rec := models.NewTaskRecord(models.Task{TaskID: id, Tool: "fake", ExecutionTarget: models.TargetServer})
	rec.Status = status
	rec.Output = out
	return rec
}

func completed(id string, data map[string]any) *models.TaskRecord {
	return record(id, models.StatusCompleted, &models.TaskOutput{Success: true, Data: data})
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *binding.Error", err)
	}
	return be.Kind
}

func TestCompile(t *testing.T) {
	r := NewResolver()

	path, err := r.Compile("$.step_0.data.text")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if path.TaskID() != "step_0" {
		t.Errorf("TaskID() = %q, want step_0", path.TaskID())
	}
	if path.Expr() != "$.step_0.data.text" {
		t.Errorf("Expr() = %q", path.Expr())
	}

	again, err := r.Compile("$.step_0.data.text")
	if err != nil {
		t.Fatalf("Compile again: %v", err)
	}
	if path != again {
		t.Error("repeat compile should serve the cached path")
	}
}

func TestCompileRejectsMalformedPaths(t *testing.T) {
	r := NewResolver()
	for _, expr := range []string{
		"",
		"step_0.data",
		"$.step_0",
		"$step_0.data",
		"$..data",
		"$.a..b",
		"$.a.b.",
	} {
		_, err := r.Compile(expr)
		if err == nil {
			t.Errorf("Compile(%q) should fail", expr)
			continue
		}
		if got := kindOf(t, err); got != KindBadPath {
			t.Errorf("Compile(%q) kind = %q, want bad_path", expr, got)
		}
	}
}

func TestResolveWalksEnvelope(t *testing.T) {
	r := NewResolver()
	src := stateStub{
		"A": completed("A", map[string]any{
			"val":  float64(2),
			"meta": map[string]any{"source": "fake"},
		}),
	}

	tests := []struct {
		expr string
		want any
	}{
		{"$.A.data.val", float64(2)},
		{"$.A.data.meta.source", "fake"},
		{"$.A.success", true},
		{"$.A.error", ""},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.expr, src)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestResolveReadsDataInPlace(t *testing.T) {
	r := NewResolver()
	nested := map[string]any{"k": "v"}
	src := stateStub{"A": completed("A", map[string]any{"obj": nested})}

	got, err := r.Resolve("$.A.data.obj", src)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	gotMap, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("resolved value is %T, want map", got)
	}
	if reflect.ValueOf(gotMap).Pointer() != reflect.ValueOf(nested).Pointer() {
		t.Error("resolved map should be the upstream map itself, not a copy")
	}
}

func TestResolveFirstMatchOverLists(t *testing.T) {
	r := NewResolver()
	src := stateStub{
		"A": completed("A", map[string]any{
			"results": []any{
				map[string]any{"title": "first"},
				map[string]any{"title": "second"},
			},
		}),
	}

	got, err := r.Resolve("$.A.data.results.title", src)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "first" {
		t.Errorf("Resolve = %v, want first", got)
	}
}

func TestResolveUpstreamStates(t *testing.T) {
	r := NewResolver()

	failedAbort := record("B", models.StatusFailed, &models.TaskOutput{Success: false, Error: "boom"})
	failedContinue := record("C", models.StatusFailed, &models.TaskOutput{Success: false, Error: "boom"})
	failedContinue.Control = &models.Control{OnFailure: models.FailContinue}
	unsuccessful := record("D", models.StatusCompleted, &models.TaskOutput{Success: false, Error: "tool said no"})

	src := stateStub{
		"A": record("A", models.StatusRunning, nil),
		"B": failedAbort,
		"C": failedContinue,
		"D": unsuccessful,
	}

	tests := []struct {
		expr     string
		wantKind string
	}{
		{"$.missing.data.x", KindNotFound},
		{"$.A.data.x", KindNotCompleted},
		{"$.B.data.x", KindFailedUpstream},
		{"$.C.data.x", KindDependencyNotUsable},
		{"$.D.data.x", KindFailedUpstream},
	}
	for _, tt := range tests {
		_, err := r.Resolve(tt.expr, src)
		if err == nil {
			t.Errorf("Resolve(%q) should fail", tt.expr)
			continue
		}
		if got := kindOf(t, err); got != tt.wantKind {
			t.Errorf("Resolve(%q) kind = %q, want %q", tt.expr, got, tt.wantKind)
		}
		if !strings.HasPrefix(err.Error(), tt.wantKind) {
			t.Errorf("Resolve(%q) error %q should begin with its kind", tt.expr, err)
		}
	}
}

func TestResolveMissingField(t *testing.T) {
	r := NewResolver()
	src := stateStub{"A": completed("A", map[string]any{"val": 1})}

	_, err := r.Resolve("$.A.data.other.deep", src)
	if err == nil {
		t.Fatal("Resolve should fail for a missing field")
	}
	if got := kindOf(t, err); got != KindUnresolved {
		t.Errorf("kind = %q, want unresolved", got)
	}
	if !strings.Contains(err.Error(), "data.other") {
		t.Errorf("err = %v, want it to name the failing segment", err)
	}
}

func TestResolveInputs(t *testing.T) {
	r := NewResolver()
	src := stateStub{
		"B": completed("B", map[string]any{"val": float64(2)}),
		"C": completed("C", map[string]any{"val": float64(3)}),
	}
	task := &models.Task{
		TaskID:          "D",
		Tool:            "combine",
		ExecutionTarget: models.TargetServer,
		DependsOn:       []string{"B", "C"},
		Inputs:          map[string]any{"x": "static", "mode": "sum"},
		InputBindings: map[string]string{
			"x": "$.B.data.val",
			"y": "$.C.data.val",
		},
	}

	resolved, err := r.ResolveInputs(task, src)
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	want := map[string]any{"x": float64(2), "y": float64(3), "mode": "sum"}
	if !reflect.DeepEqual(resolved, want) {
		t.Errorf("resolved = %v, want %v", resolved, want)
	}
	// static inputs on the task are untouched
	if task.Inputs["x"] != "static" {
		t.Errorf("task.Inputs mutated: %v", task.Inputs)
	}
}

func TestResolveInputsReportsParameter(t *testing.T) {
	r := NewResolver()
	src := stateStub{}
	task := &models.Task{
		TaskID:          "T",
		Tool:            "t",
		ExecutionTarget: models.TargetServer,
		InputBindings:   map[string]string{"ctx": "$.gone.data.x"},
	}

	_, err := r.ResolveInputs(task, src)
	if err == nil {
		t.Fatal("ResolveInputs should fail")
	}
	if !strings.Contains(err.Error(), `"ctx"`) {
		t.Errorf("err = %v, want parameter name", err)
	}
	if got := kindOf(t, err); got != KindNotFound {
		t.Errorf("kind = %q, want not_found through the wrap", got)
	}
}

func TestPrevalidate(t *testing.T) {
	r := NewResolver()
	task := &models.Task{
		TaskID:          "T",
		Tool:            "t",
		ExecutionTarget: models.TargetServer,
		DependsOn:       []string{"A"},
		InputBindings:   map[string]string{"v": "$.A.data.val"},
	}

	// upstream still running: not ready, no permanent error
	src := stateStub{"A": record("A", models.StatusRunning, nil)}
	ready, err := r.Prevalidate(task, src)
	if err != nil || ready {
		t.Errorf("Prevalidate(running) = %v, %v; want false, nil", ready, err)
	}

	// upstream completed with the field: ready
	src = stateStub{"A": completed("A", map[string]any{"val": 1})}
	ready, err = r.Prevalidate(task, src)
	if err != nil || !ready {
		t.Errorf("Prevalidate(completed) = %v, %v; want true, nil", ready, err)
	}

	// upstream completed without the field: permanently unresolvable
	src = stateStub{"A": completed("A", map[string]any{})}
	ready, err = r.Prevalidate(task, src)
	if err == nil || ready {
		t.Errorf("Prevalidate(missing field) = %v, %v; want error", ready, err)
	}

	// upstream failed: permanently unresolvable
	src = stateStub{"A": record("A", models.StatusFailed, &models.TaskOutput{Success: false, Error: "x"})}
	ready, err = r.Prevalidate(task, src)
	if err == nil || ready {
		t.Errorf("Prevalidate(failed) = %v, %v; want error", ready, err)
	}

	// no bindings at all: trivially ready
	ready, err = r.Prevalidate(&models.Task{TaskID: "P", Tool: "t", ExecutionTarget: models.TargetServer}, stateStub{})
	if err != nil || !ready {
		t.Errorf("Prevalidate(no bindings) = %v, %v; want true, nil", ready, err)
	}
}
