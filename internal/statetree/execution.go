package statetree

import (
	"fmt"
	"reflect"
)

// maxTransitionsPerUpdate bounds how many transitions a single Start or Tick
// may chain before the run is failed.
const maxTransitionsPerUpdate = 16

// CollectExternalData fills out[i] for each descriptor it can satisfy. It is
// called once while the execution context is built; returning false aborts
// the build.
type CollectExternalData func(ctx *ExecutionContext, asset *Asset, descs []ExternalDataDesc, out []any) bool

// ExecutionContext drives one instance of an asset. It is cheap to build and
// meant to live for a single Start/Tick/Stop call sequence.
type ExecutionContext struct {
	asset    *Asset
	data     *InstanceData
	external map[reflect.Type]any
}

// NewExecutionContext validates that data belongs to asset and binds the
// asset's external data through collect.
func NewExecutionContext(asset *Asset, data *InstanceData, collect CollectExternalData) (*ExecutionContext, error) {
	if !asset.IsReadyToRun() {
		return nil, fmt.Errorf("execution context for %s: %w", asset.Name(), ErrAssetNotReady)
	}
	if data.Asset() != asset {
		return nil, fmt.Errorf("execution context for %s: %w", asset.Name(), ErrInstanceMismatch)
	}

	e := &ExecutionContext{asset: asset, data: data}
	descs := asset.ExternalData()
	if len(descs) == 0 {
		return e, nil
	}
	if collect == nil {
		return nil, fmt.Errorf("execution context for %s: %w", asset.Name(), ErrMissingExternalData)
	}
	out := make([]any, len(descs))
	if !collect(e, asset, descs, out) {
		return nil, fmt.Errorf("execution context for %s: %w", asset.Name(), ErrExternalDataRejected)
	}
	e.external = make(map[reflect.Type]any, len(descs))
	for i, d := range descs {
		v := out[i]
		if v == nil {
			if d.Required {
				return nil, fmt.Errorf("execution context for %s: %s: %w", asset.Name(), d.Name, ErrMissingExternalData)
			}
			continue
		}
		if !reflect.TypeOf(v).AssignableTo(d.Type) {
			return nil, fmt.Errorf("execution context for %s: %s: got %T, want %s", asset.Name(), d.Name, v, d.Type)
		}
		e.external[d.Type] = v
	}
	return e, nil
}

func (e *ExecutionContext) lookupExternal(t reflect.Type) (any, bool) {
	v, ok := e.external[t]
	return v, ok
}

// Asset returns the asset being executed.
func (e *ExecutionContext) Asset() *Asset { return e.asset }

// Status returns the last run status stored in the instance data.
func (e *ExecutionContext) Status() RunStatus { return e.data.Status }

// Start (re)starts the tree from its root. A run that is still active is
// stopped first.
func (e *ExecutionContext) Start() RunStatus {
	if len(e.data.Active) > 0 {
		e.Stop()
	}
	e.data.Params = e.asset.defaultParams()
	e.data.Elapsed = 0
	e.data.Status = StatusRunning

	status, at := e.enter(e.asset.root)
	return e.settle(status, at)
}

// Tick advances the active states root first. The first task to report a
// terminal status completes its state.
func (e *ExecutionContext) Tick(dt float64) RunStatus {
	if e.data.Status != StatusRunning {
		return e.data.Status
	}
	e.data.Elapsed += dt

	for _, idx := range e.data.Active {
		st := &e.asset.states[idx]
		for _, ts := range st.tasks {
			ctx := e.taskContext(st, ts.slot)
			ctx.Memory.Elapsed += dt
			if s := ts.task.Tick(ctx, dt); s != StatusRunning {
				return e.settle(s, idx)
			}
		}
	}
	return StatusRunning
}

// Stop exits every active state, leaf first, and marks the run stopped.
func (e *ExecutionContext) Stop() RunStatus {
	e.exitFrom(0)
	e.data.Status = StatusStopped
	return StatusStopped
}

// settle follows transitions until the tree is running again or finished.
func (e *ExecutionContext) settle(status RunStatus, at int) RunStatus {
	for range maxTransitionsPerUpdate {
		if status == StatusRunning || status == StatusStopped {
			e.data.Status = StatusRunning
			return StatusRunning
		}
		tr, ok := e.findTransition(at, status)
		if !ok {
			e.data.Status = status
			return status
		}
		switch tr.target {
		case targetSucceeded:
			e.data.Status = StatusSucceeded
			return StatusSucceeded
		case targetFailed:
			e.data.Status = StatusFailed
			return StatusFailed
		}
		status, at = e.enter(tr.target)
	}
	e.data.Status = StatusFailed
	return StatusFailed
}

// findTransition walks from the completed state towards the root and returns
// the first transition matching status.
func (e *ExecutionContext) findTransition(from int, status RunStatus) (transition, bool) {
	for idx := from; idx >= 0; idx = e.asset.states[idx].parent {
		for _, tr := range e.asset.states[idx].transitions {
			if tr.on.matches(status) {
				return tr, true
			}
		}
	}
	return transition{}, false
}

// enter makes target active, re-entering it if it already is. States below
// the shared ancestor are exited first; then target's ancestors, target and
// its first-child chain are entered root first. Entering stops at the first
// state whose task completes, and that state and status are returned.
func (e *ExecutionContext) enter(target int) (RunStatus, int) {
	var path []int
	for idx := target; idx >= 0; idx = e.asset.states[idx].parent {
		path = append(path, idx)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	for st := &e.asset.states[target]; len(st.children) > 0; st = &e.asset.states[st.children[0]] {
		path = append(path, st.children[0])
	}

	keep := 0
	limit := e.asset.states[target].depth
	for keep < len(e.data.Active) && keep < len(path) && keep < limit && e.data.Active[keep] == path[keep] {
		keep++
	}
	e.exitFrom(keep)

	for _, idx := range path[keep:] {
		e.data.Active = append(e.data.Active, idx)
		st := &e.asset.states[idx]
		for _, ts := range st.tasks {
			ctx := e.taskContext(st, ts.slot)
			ctx.Memory.reset()
			if s := ts.task.EnterState(ctx); s != StatusRunning {
				return s, idx
			}
		}
		if len(st.tasks) == 0 && len(st.children) == 0 {
			return StatusSucceeded, idx
		}
	}
	return StatusRunning, target
}

// exitFrom exits the active states at positions >= keep, leaf first.
func (e *ExecutionContext) exitFrom(keep int) {
	for i := len(e.data.Active) - 1; i >= keep; i-- {
		st := &e.asset.states[e.data.Active[i]]
		for j := len(st.tasks) - 1; j >= 0; j-- {
			ts := st.tasks[j]
			ts.task.ExitState(e.taskContext(st, ts.slot))
		}
	}
	e.data.Active = e.data.Active[:keep]
}

func (e *ExecutionContext) taskContext(st *state, slot int) *TaskContext {
	return &TaskContext{
		State:  st.name,
		Memory: &e.data.Memory[slot],
		Params: e.data.Params,
		exec:   e,
	}
}
