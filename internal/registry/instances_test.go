package registry

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/aide/internal/tools"
	"github.com/haasonsaas/aide/pkg/models"
)

type fakeTool struct {
	tools.Schemas
	name string
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	return &models.TaskOutput{Success: true}, nil
}

func TestInstancesRegisterAndGet(t *testing.T) {
	inst := NewInstances()
	first := &fakeTool{name: "ai_answer"}
	inst.Register(first)
	inst.Register(&fakeTool{name: "ai_summarize"})

	if inst.Count() != 2 {
		t.Errorf("Count() = %d, want 2", inst.Count())
	}
	got, ok := inst.Get("ai_answer")
	if !ok || got != first {
		t.Errorf("Get(ai_answer) = %v, %v", got, ok)
	}
	if _, ok := inst.Get("missing"); ok {
		t.Error("Get(missing) should report absent")
	}
	if got := inst.Names(); !reflect.DeepEqual(got, []string{"ai_answer", "ai_summarize"}) {
		t.Errorf("Names() = %v", got)
	}

	replacement := &fakeTool{name: "ai_answer"}
	inst.Register(replacement)
	if got, _ := inst.Get("ai_answer"); got != replacement {
		t.Error("re-registering a name should replace the instance")
	}
	if inst.Count() != 2 {
		t.Errorf("Count() after replace = %d, want 2", inst.Count())
	}
}

func TestBindInjectsSchemas(t *testing.T) {
	reg := loadTest(t, testDoc)

	inst := NewInstances()
	answer := &fakeTool{name: "ai_answer"}
	create := &fakeTool{name: "file_create"}
	inst.Register(answer)
	inst.Register(create)

	if err := inst.Bind(reg); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(create.ParamsSchema()) == 0 {
		t.Error("file_create params schema was not injected")
	}
	// ai_answer declares no schemas in the test document; Bind still
	// succeeds and leaves them empty.
	if len(answer.ParamsSchema()) != 0 {
		t.Errorf("ai_answer params schema = %s, want empty", answer.ParamsSchema())
	}
}

func TestBindRejectsUncataloguedInstance(t *testing.T) {
	reg := loadTest(t, testDoc)

	inst := NewInstances()
	inst.Register(&fakeTool{name: "rogue"})

	err := inst.Bind(reg)
	if err == nil {
		t.Fatal("Bind should fail for an instance missing from the catalog")
	}
	if !strings.Contains(err.Error(), "rogue") {
		t.Errorf("err = %v, want it to name the instance", err)
	}
}
