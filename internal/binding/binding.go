// Package binding resolves input-binding path expressions of the form
// $.<task_id>.<field>(.<field>)* against the output envelope of completed
// upstream tasks. Compiled paths are cached; resolution reads upstream data
// in place and never copies it.
package binding

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/aide/pkg/models"
)

// Error kinds. Error strings begin with their kind token so engines and
// UIs can match on them.
const (
	KindBadPath             = "bad_path"
	KindNotFound            = "not_found"
	KindNotCompleted        = "not_completed"
	KindFailedUpstream      = "failed_upstream"
	KindDependencyNotUsable = "dependency_not_usable"
	KindUnresolved          = "unresolved"
)

// Error describes one failed binding.
type Error struct {
	Kind   string
	Expr   string
	TaskID string
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind)
	if e.Expr != "" {
		fmt.Fprintf(&b, ": binding %q", e.Expr)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Path is a compiled binding expression.
type Path struct {
	expr   string
	taskID string
	fields []string
}

// Expr returns the original expression text.
func (p *Path) Expr() string { return p.expr }

// TaskID returns the upstream task the path references.
func (p *Path) TaskID() string { return p.taskID }

// Source supplies task records during resolution. The orchestrator's
// execution state implements it.
type Source interface {
	Task(id string) (*models.TaskRecord, bool)
}

// Resolver compiles and evaluates binding expressions. Safe for concurrent
// use; compiled paths are cached per expression.
type Resolver struct {
	cache sync.Map // expr -> *Path
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Compile parses an expression, serving repeats from the cache.
func (r *Resolver) Compile(expr string) (*Path, error) {
	if cached, ok := r.cache.Load(expr); ok {
		return cached.(*Path), nil
	}
	path, err := parse(expr)
	if err != nil {
		return nil, err
	}
	r.cache.Store(expr, path)
	return path, nil
}

func parse(expr string) (*Path, error) {
	bad := func(detail string) error {
		return &Error{Kind: KindBadPath, Expr: expr, Detail: detail}
	}
	rest, ok := strings.CutPrefix(expr, "$.")
	if !ok {
		return nil, bad(`must start with "$."`)
	}
	segs := strings.Split(rest, ".")
	if len(segs) < 2 {
		return nil, bad("needs a task id and at least one field")
	}
	for _, seg := range segs {
		if seg == "" {
			return nil, bad("empty path segment")
		}
	}
	return &Path{expr: expr, taskID: segs[0], fields: segs[1:]}, nil
}

// Resolve evaluates one expression against the session state.
func (r *Resolver) Resolve(expr string, src Source) (any, error) {
	path, err := r.Compile(expr)
	if err != nil {
		return nil, err
	}
	rec, err := usableUpstream(path, src)
	if err != nil {
		return nil, err
	}
	return evaluate(path, rec)
}

// usableUpstream checks the referenced task is present, completed, and
// succeeded. A failed upstream whose policy let dependents run reports
// dependency_not_usable instead of failed_upstream.
func usableUpstream(path *Path, src Source) (*models.TaskRecord, error) {
	rec, ok := src.Task(path.taskID)
	if !ok {
		return nil, &Error{
			Kind: KindNotFound, Expr: path.expr, TaskID: path.taskID,
			Detail: fmt.Sprintf("task %q is not in the session state", path.taskID),
		}
	}
	switch {
	case rec.Status == models.StatusCompleted && rec.Output != nil && rec.Output.Success:
		return rec, nil
	case !rec.Status.IsTerminal():
		return nil, &Error{
			Kind: KindNotCompleted, Expr: path.expr, TaskID: path.taskID,
			Detail: fmt.Sprintf("task %q is %s", path.taskID, rec.Status),
		}
	default:
		kind := KindFailedUpstream
		if rec.FailurePolicy() == models.FailContinue {
			kind = KindDependencyNotUsable
		}
		detail := fmt.Sprintf("task %q failed", path.taskID)
		if rec.Output != nil && rec.Output.Error != "" {
			detail += ": " + rec.Output.Error
		}
		return nil, &Error{Kind: kind, Expr: path.expr, TaskID: path.taskID, Detail: detail}
	}
}

// evaluate walks the field segments through the upstream output envelope
// {data, success, error}. Data is read in place. A field applied to a list
// takes the first element that carries it.
func evaluate(path *Path, rec *models.TaskRecord) (any, error) {
	var cur any = map[string]any{
		"data":    rec.Output.Data,
		"success": rec.Output.Success,
		"error":   rec.Output.Error,
	}
	for i, field := range path.fields {
		next, ok := lookup(cur, field)
		if !ok {
			return nil, &Error{
				Kind: KindUnresolved, Expr: path.expr, TaskID: path.taskID,
				Detail: fmt.Sprintf("no value at %q", strings.Join(path.fields[:i+1], ".")),
			}
		}
		cur = next
	}
	return cur, nil
}

func lookup(val any, field string) (any, bool) {
	switch typed := val.(type) {
	case map[string]any:
		next, ok := typed[field]
		return next, ok
	case []any:
		for _, item := range typed {
			if next, ok := lookup(item, field); ok {
				return next, true
			}
		}
	}
	return nil, false
}

// ResolveInputs builds the final parameter map for a task: static inputs
// copied first, then each bound parameter resolved and overwriting any
// static entry of the same name. The first failing binding aborts; the
// tool must not be invoked in that case.
func (r *Resolver) ResolveInputs(task *models.Task, src Source) (map[string]any, error) {
	resolved := make(map[string]any, len(task.Inputs)+len(task.InputBindings))
	for k, v := range task.Inputs {
		resolved[k] = v
	}
	for _, param := range sortedParams(task.InputBindings) {
		val, err := r.Resolve(task.InputBindings[param], src)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", param, err)
		}
		resolved[param] = val
	}
	return resolved, nil
}

// Prevalidate reports whether every binding of the task can resolve right
// now. ready=false with a nil error means some upstream has not reached a
// terminal state yet; a non-nil error means resolution can never succeed,
// because an upstream is unusable or a completed output lacks the path.
func (r *Resolver) Prevalidate(task *models.Task, src Source) (bool, error) {
	for _, param := range sortedParams(task.InputBindings) {
		path, err := r.Compile(task.InputBindings[param])
		if err != nil {
			return false, fmt.Errorf("parameter %q: %w", param, err)
		}
		rec, err := usableUpstream(path, src)
		if err != nil {
			var be *Error
			if errors.As(err, &be) && be.Kind == KindNotCompleted {
				return false, nil
			}
			return false, fmt.Errorf("parameter %q: %w", param, err)
		}
		if _, err := evaluate(path, rec); err != nil {
			return false, fmt.Errorf("parameter %q: %w", param, err)
		}
	}
	return true, nil
}

func sortedParams(bindings map[string]string) []string {
	params := make([]string, 0, len(bindings))
	for param := range bindings {
		params = append(params, param)
	}
	sort.Strings(params)
	return params
}
