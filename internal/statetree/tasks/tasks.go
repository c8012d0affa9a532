// Package tasks provides the state-tree task types that act on the owning
// entity through a binding.Context.
package tasks

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/l1jgo/statebridge/internal/binding"
	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/scripting"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// Register adds set_var, check_var and, when lua is non-nil, the lua task type.
func Register(reg *statetree.TaskRegistry, lua *scripting.Engine, log *zap.Logger) error {
	errs := []error{
		reg.Register("set_var", newSetVar),
		reg.Register("check_var", newCheckVar),
	}
	if lua != nil {
		errs = append(errs, reg.Register("lua", func(params map[string]any) (statetree.Task, error) {
			return newLuaTask(lua, log, params)
		}))
	}
	return errors.Join(errs...)
}

// bound is embedded by tasks that need the entity binding.
type bound struct{}

func (bound) ExternalData() []statetree.ExternalDataDesc {
	return []statetree.ExternalDataDesc{binding.Desc}
}

func bindingOf(ctx *statetree.TaskContext) (*binding.Context, bool) {
	bc, ok := statetree.ExternalData[*binding.Context](ctx)
	if !ok || !bc.IsValid() {
		return nil, false
	}
	return bc, true
}

// entityVars adapts the entity's Vars component to scripting.Vars.
type entityVars struct {
	bc *binding.Context
}

func (v entityVars) Get(key string) (float64, bool) {
	vars, ok := binding.TryRead[component.Vars](v.bc)
	if !ok {
		return 0, false
	}
	val, ok := vars.Values[key]
	return val, ok
}

func (v entityVars) Set(key string, value float64) bool {
	if binding.Modify(v.bc, func(vars *component.Vars) {
		if vars.Values == nil {
			vars.Values = make(map[string]float64)
		}
		vars.Values[key] = value
	}) {
		return true
	}
	return binding.Write(v.bc, component.Vars{Values: map[string]float64{key: value}})
}

// setVar writes a value into the entity's Vars on enter and succeeds.
type setVar struct {
	bound
	key   string
	value float64
	add   bool
}

func newSetVar(params map[string]any) (statetree.Task, error) {
	key, ok, err := statetree.ParamString(params, "key")
	if err != nil {
		return nil, err
	}
	if !ok || key == "" {
		return nil, errors.New("set_var: key is required")
	}
	t := &setVar{key: key}
	if t.value, err = statetree.ParamFloat(params, "value", 0); err != nil {
		return nil, err
	}
	if delta, err := statetree.ParamFloat(params, "add", 0); err != nil {
		return nil, err
	} else if _, has := params["add"]; has {
		t.value, t.add = delta, true
	}
	return t, nil
}

func (t *setVar) EnterState(ctx *statetree.TaskContext) statetree.RunStatus {
	bc, ok := bindingOf(ctx)
	if !ok {
		return statetree.StatusFailed
	}
	vars := entityVars{bc: bc}
	v := t.value
	if t.add {
		cur, _ := vars.Get(t.key)
		v += cur
	}
	if !vars.Set(t.key, v) {
		return statetree.StatusFailed
	}
	return statetree.StatusSucceeded
}

func (t *setVar) Tick(*statetree.TaskContext, float64) statetree.RunStatus {
	return statetree.StatusSucceeded
}

func (t *setVar) ExitState(*statetree.TaskContext) {}

// checkVar waits until a Vars entry satisfies a comparison.
type checkVar struct {
	bound
	key     string
	op      string
	value   float64
	failing bool // fail instead of waiting while the check is false
}

func newCheckVar(params map[string]any) (statetree.Task, error) {
	key, ok, err := statetree.ParamString(params, "key")
	if err != nil {
		return nil, err
	}
	if !ok || key == "" {
		return nil, errors.New("check_var: key is required")
	}
	op, ok, err := statetree.ParamString(params, "op")
	if err != nil {
		return nil, err
	}
	if !ok {
		op = ">="
	}
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("check_var: unknown op %q", op)
	}
	value, err := statetree.ParamFloat(params, "value", 0)
	if err != nil {
		return nil, err
	}
	mode, _, err := statetree.ParamString(params, "else")
	if err != nil {
		return nil, err
	}
	return &checkVar{key: key, op: op, value: value, failing: mode == "fail"}, nil
}

func (t *checkVar) check(ctx *statetree.TaskContext) statetree.RunStatus {
	bc, ok := bindingOf(ctx)
	if !ok {
		return statetree.StatusFailed
	}
	cur, _ := entityVars{bc: bc}.Get(t.key)
	var pass bool
	switch t.op {
	case "==":
		pass = cur == t.value
	case "!=":
		pass = cur != t.value
	case "<":
		pass = cur < t.value
	case "<=":
		pass = cur <= t.value
	case ">":
		pass = cur > t.value
	case ">=":
		pass = cur >= t.value
	}
	switch {
	case pass:
		return statetree.StatusSucceeded
	case t.failing:
		return statetree.StatusFailed
	default:
		return statetree.StatusRunning
	}
}

func (t *checkVar) EnterState(ctx *statetree.TaskContext) statetree.RunStatus {
	return t.check(ctx)
}

func (t *checkVar) Tick(ctx *statetree.TaskContext, _ float64) statetree.RunStatus {
	return t.check(ctx)
}

func (t *checkVar) ExitState(*statetree.TaskContext) {}
