package statetree

import (
	"fmt"
	"reflect"
	"sort"
)

// Task is a unit of behavior attached to a state. Tasks are shared by every
// instance of an asset, so per-instance progress lives in TaskContext.Memory.
type Task interface {
	// EnterState runs when the owning state becomes active. Returning a
	// terminal status completes the state immediately.
	EnterState(ctx *TaskContext) RunStatus
	// Tick advances the task by dt seconds.
	Tick(ctx *TaskContext, dt float64) RunStatus
	// ExitState runs when the owning state is left or the tree is stopped.
	ExitState(ctx *TaskContext)
}

// ExternalDataUser is implemented by tasks that need data the host binds per
// execution, for example a handle onto the owning entity.
type ExternalDataUser interface {
	ExternalData() []ExternalDataDesc
}

// ExternalDataDesc describes one piece of external data. The host's collector
// matches descriptors by Type.
type ExternalDataDesc struct {
	Name     string
	Type     reflect.Type
	Required bool
}

// TaskMemory is the per-instance scratch space of one task.
type TaskMemory struct {
	Elapsed float64
	Values  map[string]float64
}

func (m *TaskMemory) reset() {
	m.Elapsed = 0
	clear(m.Values)
}

// TaskContext is handed to every task call.
type TaskContext struct {
	State  string
	Memory *TaskMemory
	// Params are the instance parameters, seeded from the asset defaults.
	Params map[string]float64

	exec *ExecutionContext
}

// External returns the external data bound for t, if any.
func (c *TaskContext) External(t reflect.Type) (any, bool) {
	if c.exec == nil {
		return nil, false
	}
	return c.exec.lookupExternal(t)
}

// ExternalData returns the bound external data of type T.
func ExternalData[T any](c *TaskContext) (T, bool) {
	var zero T
	v, ok := c.External(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// TaskFactory builds a task from the params of its definition.
type TaskFactory func(params map[string]any) (Task, error)

// TaskRegistry maps task type names to factories. It is populated before
// assets are linked and read-only afterwards.
type TaskRegistry struct {
	factories map[string]TaskFactory
}

// NewTaskRegistry returns a registry holding the built-in task types
// (wait, succeed, fail).
func NewTaskRegistry() *TaskRegistry {
	r := &TaskRegistry{factories: make(map[string]TaskFactory, 8)}
	r.factories["wait"] = newWaitTask
	r.factories["succeed"] = func(map[string]any) (Task, error) { return constTask(StatusSucceeded), nil }
	r.factories["fail"] = func(map[string]any) (Task, error) { return constTask(StatusFailed), nil }
	return r
}

func (r *TaskRegistry) Register(name string, f TaskFactory) error {
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateTaskType)
	}
	r.factories[name] = f
	return nil
}

// Types returns the registered type names in sorted order.
func (r *TaskRegistry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *TaskRegistry) build(def TaskDef) (Task, error) {
	f, ok := r.factories[def.Type]
	if !ok {
		return nil, fmt.Errorf("%q: %w", def.Type, ErrUnknownTaskType)
	}
	return f(def.Params)
}

type constTask RunStatus

func (t constTask) EnterState(*TaskContext) RunStatus   { return RunStatus(t) }
func (t constTask) Tick(*TaskContext, float64) RunStatus { return RunStatus(t) }
func (t constTask) ExitState(*TaskContext)               {}

type waitTask struct {
	seconds float64
	param   string
}

// newWaitTask accepts either a literal "seconds" or the name of an instance
// parameter holding the duration.
func newWaitTask(params map[string]any) (Task, error) {
	t := &waitTask{}
	if name, ok, err := ParamString(params, "param"); err != nil {
		return nil, err
	} else if ok {
		t.param = name
		return t, nil
	}
	secs, err := ParamFloat(params, "seconds", -1)
	if err != nil {
		return nil, err
	}
	if secs < 0 {
		return nil, fmt.Errorf("wait: seconds must be set and non-negative")
	}
	t.seconds = secs
	return t, nil
}

func (t *waitTask) duration(ctx *TaskContext) float64 {
	if t.param != "" {
		return ctx.Params[t.param]
	}
	return t.seconds
}

func (t *waitTask) EnterState(ctx *TaskContext) RunStatus {
	if t.duration(ctx) <= 0 {
		return StatusSucceeded
	}
	return StatusRunning
}

func (t *waitTask) Tick(ctx *TaskContext, _ float64) RunStatus {
	if ctx.Memory.Elapsed >= t.duration(ctx) {
		return StatusSucceeded
	}
	return StatusRunning
}

func (t *waitTask) ExitState(*TaskContext) {}

// ParamFloat reads a numeric task parameter, returning def when absent.
func ParamFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("param %q: want number, got %T", key, v)
	}
}

// ParamString reads a string task parameter.
func ParamString(params map[string]any, key string) (string, bool, error) {
	v, ok := params[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("param %q: want string, got %T", key, v)
	}
	return s, true, nil
}
