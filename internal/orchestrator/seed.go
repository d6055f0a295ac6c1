package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/aide/internal/binding"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/pkg/models"
)

// ValidatePlan runs full admission checks over a plan: structural
// validation, registry membership with matching execution target, binding
// expressions that compile and reference declared dependencies, and
// acyclicity of the dependency graph. A plan that passes can be seeded
// without further inspection.
func ValidatePlan(plan *models.Plan, reg *registry.Registry, res *binding.Resolver) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		meta, ok := reg.Get(task.Tool)
		if !ok {
			return fmt.Errorf("task %q: not_in_registry: unknown tool %q", task.TaskID, task.Tool)
		}
		if meta.ExecutionTarget != task.ExecutionTarget {
			return fmt.Errorf("task %q: tool %q runs on the %s, plan says %s",
				task.TaskID, task.Tool, meta.ExecutionTarget, task.ExecutionTarget)
		}
		if err := validateBindings(task, res); err != nil {
			return err
		}
	}
	return checkAcyclic(plan.Tasks)
}

func validateBindings(task *models.Task, res *binding.Resolver) error {
	declared := make(map[string]bool, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		declared[dep] = true
	}
	for param, expr := range task.InputBindings {
		path, err := res.Compile(expr)
		if err != nil {
			return fmt.Errorf("task %q parameter %q: %w", task.TaskID, param, err)
		}
		if !declared[path.TaskID()] {
			return fmt.Errorf("task %q parameter %q binds %q without depending on task %q",
				task.TaskID, param, expr, path.TaskID())
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph. Any task
// left with unresolved in-degree after the sweep sits on a cycle.
func checkAcyclic(tasks []models.Task) error {
	inDegree := make(map[string]int, len(tasks))
	downstream := make(map[string][]string)
	for _, task := range tasks {
		inDegree[task.TaskID] = len(task.DependsOn)
		for _, dep := range task.DependsOn {
			downstream[dep] = append(downstream[dep], task.TaskID)
		}
	}

	var queue []string
	for _, task := range tasks {
		if inDegree[task.TaskID] == 0 {
			queue = append(queue, task.TaskID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(tasks) {
		return nil
	}
	var stuck []string
	for id, deg := range inDegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("plan contains a dependency cycle involving %s", strings.Join(stuck, ", "))
}
