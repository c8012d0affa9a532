package tasks

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/l1jgo/statebridge/internal/scripting"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// luaTask delegates enter/tick/exit to a Lua function. The function's return
// value maps to a run status; nothing or "running" keeps the state active.
type luaTask struct {
	bound
	engine *scripting.Engine
	fn     string
	log    *zap.Logger
}

func newLuaTask(engine *scripting.Engine, log *zap.Logger, params map[string]any) (statetree.Task, error) {
	fn, ok, err := statetree.ParamString(params, "function")
	if err != nil {
		return nil, err
	}
	if !ok || fn == "" {
		return nil, errors.New("lua: function is required")
	}
	if !engine.HasFunction(fn) {
		return nil, fmt.Errorf("lua: function %s is not defined", fn)
	}
	return &luaTask{engine: engine, fn: fn, log: log}, nil
}

func parseStatus(s string) (statetree.RunStatus, bool) {
	switch s {
	case "", "running":
		return statetree.StatusRunning, true
	case "succeeded", "success":
		return statetree.StatusSucceeded, true
	case "failed", "failure":
		return statetree.StatusFailed, true
	}
	return statetree.StatusFailed, false
}

func (t *luaTask) call(ctx *statetree.TaskContext, event string, dt float64) statetree.RunStatus {
	bc, ok := bindingOf(ctx)
	if !ok {
		return statetree.StatusFailed
	}
	ret, err := t.engine.CallTask(scripting.TaskCall{
		Function:     t.fn,
		Event:        event,
		State:        ctx.State,
		Entity:       uint64(bc.Entity()),
		DeltaSeconds: dt,
		Elapsed:      ctx.Memory.Elapsed,
		Vars:         entityVars{bc: bc},
	})
	if err != nil {
		t.log.Error("lua task error", zap.String("function", t.fn), zap.String("state", ctx.State), zap.Error(err))
		return statetree.StatusFailed
	}
	status, ok := parseStatus(ret)
	if !ok {
		t.log.Warn("lua task returned unknown status", zap.String("function", t.fn), zap.String("status", ret))
	}
	return status
}

func (t *luaTask) EnterState(ctx *statetree.TaskContext) statetree.RunStatus {
	return t.call(ctx, "enter", 0)
}

func (t *luaTask) Tick(ctx *statetree.TaskContext, dt float64) statetree.RunStatus {
	return t.call(ctx, "tick", dt)
}

func (t *luaTask) ExitState(ctx *statetree.TaskContext) {
	t.call(ctx, "exit", 0)
}
