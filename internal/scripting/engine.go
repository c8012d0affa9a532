package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM for state-tree task scripts.
// Single-goroutine access only (game loop).
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
	dir string // empty for engines built from inline source
}

// NewEngine creates a Lua engine and loads all scripts from the given
// directory, then its tasks/ subdirectory. Missing directories are skipped.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	e := newEngine(log)
	e.dir = scriptsDir
	for _, dir := range []string{scriptsDir, filepath.Join(scriptsDir, "tasks")} {
		if err := e.loadDir(dir); err != nil {
			e.vm.Close()
			return nil, err
		}
	}
	return e, nil
}

// Reload rebuilds the VM from the scripts directory the engine was created
// with. On error the current VM stays in place.
func (e *Engine) Reload() error {
	if e.dir == "" {
		return fmt.Errorf("reload: engine has no scripts directory")
	}
	next, err := NewEngine(e.dir, e.log)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	e.vm.Close()
	e.vm = next.vm
	return nil
}

// NewEngineFromSource creates an engine from an inline chunk.
func NewEngineFromSource(src string, log *zap.Logger) (*Engine, error) {
	e := newEngine(log)
	if err := e.vm.DoString(src); err != nil {
		e.vm.Close()
		return nil, fmt.Errorf("load lua source: %w", err)
	}
	return e, nil
}

func newEngine(log *zap.Logger) *Engine {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	// Set API version global
	vm.SetGlobal("API_VERSION", lua.LNumber(1))
	return &Engine{vm: vm, log: log}
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// HasFunction reports whether a global Lua function with the given name exists.
func (e *Engine) HasFunction(name string) bool {
	_, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	return ok
}

// Vars is the blackboard a task script reads and writes through ctx.get and
// ctx.set.
type Vars interface {
	Get(key string) (float64, bool)
	Set(key string, value float64) bool
}

// TaskCall holds the pre-packed data for one task script invocation.
type TaskCall struct {
	Function     string
	Event        string // "enter", "tick" or "exit"
	State        string
	Entity       uint64
	DeltaSeconds float64
	Elapsed      float64
	Vars         Vars
}

// CallTask calls the task's Lua function with a context table and returns the
// string it returns ("" when it returns nothing).
//
//	function guard(ctx)
//	  if ctx.get("alert") > 0 then return "failed" end
//	  ctx.set("patrols", (ctx.get("patrols") or 0) + 1)
//	  return "running"
//	end
func (e *Engine) CallTask(call TaskCall) (string, error) {
	fn, ok := e.vm.GetGlobal(call.Function).(*lua.LFunction)
	if !ok {
		return "", fmt.Errorf("lua function %s not found", call.Function)
	}

	t := e.vm.NewTable()
	t.RawSetString("event", lua.LString(call.Event))
	t.RawSetString("state", lua.LString(call.State))
	t.RawSetString("entity", lua.LNumber(call.Entity))
	t.RawSetString("dt", lua.LNumber(call.DeltaSeconds))
	t.RawSetString("elapsed", lua.LNumber(call.Elapsed))
	t.RawSetString("get", e.vm.NewFunction(func(L *lua.LState) int {
		if call.Vars == nil {
			L.Push(lua.LNil)
			return 1
		}
		v, ok := call.Vars.Get(L.CheckString(1))
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	t.RawSetString("set", e.vm.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		val := float64(L.CheckNumber(2))
		ok := call.Vars != nil && call.Vars.Set(key, val)
		L.Push(lua.LBool(ok))
		return 1
	}))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		return "", fmt.Errorf("lua %s: %w", call.Function, err)
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)
	if result == lua.LNil {
		return "", nil
	}
	return lua.LVAsString(result), nil
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
