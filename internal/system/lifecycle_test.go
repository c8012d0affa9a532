package system

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/l1jgo/statebridge/internal/binding"
	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/core/event"
	"github.com/l1jgo/statebridge/internal/statetree"
)

const fixedStep = time.Second / 60

// fakeEngine counts executor calls and returns scripted statuses.
type fakeEngine struct {
	starts, ticks, stops int
	startStatus          statetree.RunStatus
	tickStatus           statetree.RunStatus
	tickDts              []float64
	buildErr             error
	bindings             []*binding.Context
	assets               []*statetree.Asset
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{startStatus: statetree.StatusRunning, tickStatus: statetree.StatusRunning}
}

func (f *fakeEngine) factory(asset *statetree.Asset, _ *statetree.InstanceData, collect statetree.CollectExternalData) (Executor, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	out := make([]any, 1)
	collect(nil, asset, []statetree.ExternalDataDesc{binding.Desc}, out)
	if bc, ok := out[0].(*binding.Context); ok {
		f.bindings = append(f.bindings, bc)
	}
	f.assets = append(f.assets, asset)
	return fakeExecutor{f}, nil
}

type fakeExecutor struct{ f *fakeEngine }

func (e fakeExecutor) Start() statetree.RunStatus {
	e.f.starts++
	return e.f.startStatus
}

func (e fakeExecutor) Tick(dt float64) statetree.RunStatus {
	e.f.ticks++
	e.f.tickDts = append(e.f.tickDts, dt)
	return e.f.tickStatus
}

func (e fakeExecutor) Stop() statetree.RunStatus {
	e.f.stops++
	return statetree.StatusStopped
}

func readyAsset(t *testing.T, name string) *statetree.Asset {
	t.Helper()
	a := statetree.NewAsset(statetree.Definition{Name: name, States: []statetree.StateDef{{Name: "Root"}}})
	require.NoError(t, a.Link(statetree.NewTaskRegistry()))
	return a
}

func unreadyAsset(name string) *statetree.Asset {
	return statetree.NewAsset(statetree.Definition{Name: name, States: []statetree.StateDef{{Name: "Root"}}})
}

type harness struct {
	world *ecs.World
	id    ecs.EntityID
	eng   *fakeEngine
	lc    *Lifecycle
	cfg   *component.StateTreeConfig
	rt    *component.StateTreeRuntime
	bus   *event.Bus
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg component.StateTreeConfig) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{world: ecs.NewWorld(), eng: newFakeEngine(), bus: event.NewBus(), logs: logs}
	h.id = h.world.CreateEntity()
	require.True(t, AttachStateTree(h.world, h.id, cfg))
	h.cfg, _ = ecs.Get[component.StateTreeConfig](h.world, h.id)
	h.rt, _ = ecs.Get[component.StateTreeRuntime](h.world, h.id)
	h.lc = NewLifecycle(zap.New(core), func() time.Duration { return fixedStep },
		WithExecutorFactory(h.eng.factory),
		WithEventBus(h.bus))
	return h
}

func (h *harness) step(n int) {
	for range n {
		h.lc.Step(h.world, h.id, h.cfg, h.rt)
	}
}

// requireInvariants checks the runtime invariants that must hold after
// every step.
func (h *harness) requireInvariants(t *testing.T) {
	t.Helper()
	require.False(t, h.rt.IsRunning && h.rt.PendingStart, "running and pending at once")
	if h.rt.IsRunning || h.rt.PendingStart {
		require.Same(t, h.cfg.Asset, h.rt.ActiveAsset)
	}
	if h.rt.ActiveAsset != nil {
		require.Same(t, h.rt.ActiveAsset, h.rt.Instance.Data().Asset())
	} else {
		require.True(t, h.rt.Instance.Data().IsEmpty())
	}
}

func TestBindThenStartThenTick(t *testing.T) {
	a := readyAsset(t, "a")
	h := newHarness(t, component.StateTreeConfig{Asset: a, AutoStart: true})

	h.step(1)
	h.requireInvariants(t)
	require.Same(t, a, h.rt.ActiveAsset)
	require.True(t, h.rt.PendingStart)
	require.False(t, h.rt.IsRunning)
	require.Zero(t, h.eng.starts)

	h.step(1)
	h.requireInvariants(t)
	require.Equal(t, 1, h.eng.starts)
	require.Zero(t, h.eng.ticks, "start and tick never share a step")
	require.True(t, h.rt.IsRunning)
	require.Equal(t, statetree.StatusRunning, h.rt.LastRunStatus)

	h.step(2)
	h.requireInvariants(t)
	require.Equal(t, 1, h.eng.starts)
	require.Equal(t, 2, h.eng.ticks)
}

func TestAssetSwapResetsInstanceData(t *testing.T) {
	for _, autoStart := range []bool{true, false} {
		a, b := readyAsset(t, "a"), readyAsset(t, "b")
		h := newHarness(t, component.StateTreeConfig{Asset: a, AutoStart: true})
		h.step(2)
		require.True(t, h.rt.IsRunning)
		before := h.rt.Instance.Data()

		h.cfg.Asset = b
		h.cfg.AutoStart = autoStart
		h.step(1)
		h.requireInvariants(t)

		require.Same(t, b, h.rt.ActiveAsset)
		require.False(t, h.rt.IsRunning)
		require.Equal(t, autoStart, h.rt.PendingStart)
		require.Equal(t, statetree.StatusStopped, h.rt.LastRunStatus)
		require.NotSame(t, before, h.rt.Instance.Data())
		require.Same(t, b, h.rt.Instance.Data().Asset())
		require.Equal(t, 1, h.eng.stops, "outgoing run is stopped")
		require.Same(t, a, h.eng.assets[len(h.eng.assets)-1], "stop runs against the previous asset")
	}
}

func TestNoAutoRestartStaysStopped(t *testing.T) {
	a := readyAsset(t, "a")
	h := newHarness(t, component.StateTreeConfig{Asset: a, AutoStart: true})
	h.step(2)
	require.True(t, h.rt.IsRunning)

	h.eng.tickStatus = statetree.StatusSucceeded
	h.step(1)
	require.Equal(t, statetree.StatusSucceeded, h.rt.LastRunStatus)
	require.Equal(t, 1, h.eng.stops)

	for range 5 {
		h.step(1)
		h.requireInvariants(t)
		require.False(t, h.rt.PendingStart)
		require.False(t, h.rt.IsRunning)
	}
	require.Equal(t, 1, h.eng.starts)
	require.Equal(t, 1, h.eng.ticks)

	// only a new asset arms a start again
	h.cfg.Asset = readyAsset(t, "b")
	h.step(1)
	require.True(t, h.rt.PendingStart)
}

func TestAutoRestartRearms(t *testing.T) {
	a := readyAsset(t, "a")
	h := newHarness(t, component.StateTreeConfig{Asset: a, AutoStart: true, AutoRestart: true})
	h.step(2)
	require.Equal(t, 1, h.eng.starts)

	h.eng.tickStatus = statetree.StatusFailed
	h.step(1)
	h.requireInvariants(t)
	require.Equal(t, statetree.StatusFailed, h.rt.LastRunStatus)
	require.False(t, h.rt.IsRunning)
	require.True(t, h.rt.PendingStart)
	require.Equal(t, 1, h.eng.stops)

	h.eng.tickStatus = statetree.StatusRunning
	h.step(1)
	require.Equal(t, 2, h.eng.starts)
	require.True(t, h.rt.IsRunning)
}

func TestTickIntervalResolution(t *testing.T) {
	tests := []struct {
		name     string
		override float64
		want     float64
	}{
		{"override", 0.1, 0.1},
		{"fixed step", 0, fixedStep.Seconds()},
		{"negative falls back", -1, fixedStep.Seconds()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true, TickIntervalOverride: tt.override})
			h.step(3)
			require.Len(t, h.eng.tickDts, 1)
			require.InDelta(t, tt.want, h.eng.tickDts[0], 1e-9)
			require.InDelta(t, tt.want, h.eng.bindings[0].DeltaSeconds(), 1e-9)
		})
	}
}

func TestInvalidAssetNeverStarts(t *testing.T) {
	h := newHarness(t, component.StateTreeConfig{AutoStart: true, AutoRestart: true})
	h.step(5)
	require.Zero(t, h.eng.starts)
	require.Zero(t, h.eng.ticks)
	require.Nil(t, h.rt.ActiveAsset)
	require.True(t, h.rt.LastTickTime.IsZero(), "invalid asset short-circuits before the tick time")
	require.Zero(t, h.logs.Len(), "a missing asset is not warned about")

	h.cfg.Asset = unreadyAsset("broken")
	h.step(5)
	require.Zero(t, h.eng.starts)
	require.Nil(t, h.rt.ActiveAsset)
	require.Equal(t, 1, h.logs.FilterMessage("state tree asset not ready to run").Len())
}

func TestStartFailureWithAutoRestart(t *testing.T) {
	for _, autoRestart := range []bool{true, false} {
		h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true, AutoRestart: autoRestart})
		h.eng.startStatus = statetree.StatusFailed
		h.step(2)
		h.requireInvariants(t)

		require.Equal(t, 1, h.eng.starts)
		require.Equal(t, 1, h.eng.stops)
		require.Zero(t, h.eng.ticks)
		require.False(t, h.rt.IsRunning)
		require.Equal(t, autoRestart, h.rt.PendingStart)
		require.Equal(t, statetree.StatusFailed, h.rt.LastRunStatus)
	}
}

func TestAssetInvalidatedWhileRunning(t *testing.T) {
	t.Run("asset removed stops the run", func(t *testing.T) {
		h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true})
		h.step(2)
		h.cfg.Asset = nil
		h.step(1)
		h.requireInvariants(t)
		require.Equal(t, 1, h.eng.stops)
		require.Nil(t, h.rt.ActiveAsset)
		require.False(t, h.rt.IsRunning)
		require.False(t, h.rt.PendingStart)
		require.Equal(t, statetree.StatusStopped, h.rt.LastRunStatus)
	})

	t.Run("asset broken in place resets without stop", func(t *testing.T) {
		a := readyAsset(t, "a")
		h := newHarness(t, component.StateTreeConfig{Asset: a, AutoStart: true})
		h.step(2)
		reg := statetree.NewTaskRegistry()
		broken := statetree.NewAsset(statetree.Definition{Name: "a", States: []statetree.StateDef{{Name: "Root", Tasks: []statetree.TaskDef{{Type: "gone"}}}}})
		require.Error(t, broken.Link(reg))
		*a = *broken

		h.step(1)
		h.requireInvariants(t)
		require.Zero(t, h.eng.stops)
		require.Nil(t, h.rt.ActiveAsset)
		require.Equal(t, 1, h.logs.FilterMessage("state tree asset not ready to run").Len())
	})
}

func TestInvalidAssetWarningIsEdgeTriggered(t *testing.T) {
	good := readyAsset(t, "good")
	bad := unreadyAsset("bad")
	h := newHarness(t, component.StateTreeConfig{Asset: bad})
	warned := func() int { return h.logs.FilterMessage("state tree asset not ready to run").Len() }

	h.step(3)
	require.Equal(t, 1, warned())

	other := unreadyAsset("other")
	h.cfg.Asset = other
	h.step(2)
	require.Equal(t, 2, warned(), "a different invalid asset warns again")

	h.cfg.Asset = good
	h.step(1)
	h.cfg.Asset = bad
	h.step(2)
	require.Equal(t, 2, warned(), "bad was never seen ready")

	require.NoError(t, bad.Link(statetree.NewTaskRegistry()))
	h.step(1)
	*bad = *unreadyAsset("bad")
	h.cfg.Asset = bad
	h.step(1)
	require.Equal(t, 3, warned(), "relapse after recovery warns again")
}

func TestContextBuildFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true})
	h.step(1)
	require.True(t, h.rt.PendingStart)

	h.eng.buildErr = errors.New("no context")
	h.step(3)
	require.True(t, h.rt.PendingStart)
	require.False(t, h.rt.IsRunning)
	require.Zero(t, h.eng.starts)
	require.Equal(t, 3, h.logs.FilterMessage("state tree execution context build failed").Len())

	h.eng.buildErr = nil
	h.step(1)
	require.Equal(t, 1, h.eng.starts)
	require.True(t, h.rt.IsRunning)
}

func TestLastTickTime(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: false})
	h.lc = NewLifecycle(zap.NewNop(), func() time.Duration { return fixedStep },
		WithExecutorFactory(h.eng.factory),
		WithClock(func() time.Time { return now }))

	h.step(1)
	require.True(t, h.rt.LastTickTime.IsZero(), "bind step resets only")

	h.step(1)
	require.Equal(t, now, h.rt.LastTickTime, "recorded on idle steps too")
	require.Zero(t, h.eng.starts)
	require.Empty(t, h.eng.bindings, "idle entities build no context")
}

func TestBindingContextIsReleasedAfterStep(t *testing.T) {
	h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true})
	h.step(3)
	require.Len(t, h.eng.bindings, 2)
	for _, bc := range h.eng.bindings {
		require.Equal(t, h.id, bc.Entity())
		require.False(t, bc.IsValid())
		require.False(t, binding.Write(bc, component.Vars{}))
	}
	require.NotSame(t, h.eng.bindings[0], h.eng.bindings[1], "one context per step")
}

func TestLifecycleEmitsEvents(t *testing.T) {
	var changes []event.RunStatusChanged
	var resets []event.InstanceReset
	h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true})
	event.Subscribe(h.bus, func(e event.RunStatusChanged) { changes = append(changes, e) })
	event.Subscribe(h.bus, func(e event.InstanceReset) { resets = append(resets, e) })

	h.step(2)
	h.eng.tickStatus = statetree.StatusSucceeded
	h.step(1)
	h.cfg.Asset = nil
	h.step(1)

	h.bus.SwapBuffers()
	h.bus.DispatchAll()

	require.Len(t, resets, 2)
	require.Equal(t, "a", resets[0].Asset)
	require.NotZero(t, resets[0].Instance)
	require.Empty(t, resets[1].Asset)

	require.Len(t, changes, 2)
	require.Equal(t, statetree.StatusStopped, changes[0].From)
	require.Equal(t, statetree.StatusRunning, changes[0].To)
	require.Equal(t, statetree.StatusSucceeded, changes[1].To)
	require.Equal(t, h.id, changes[1].EntityID)
}

func TestSweepForgetsReplacedInvalidAssets(t *testing.T) {
	h := newHarness(t, component.StateTreeConfig{Asset: unreadyAsset("door")})
	warned := func() int { return h.logs.FilterMessage("state tree asset not ready to run").Len() }

	for range 3 {
		h.step(1)
		h.lc.Sweep()
	}
	require.Equal(t, 1, warned())
	require.Len(t, h.lc.reported, 1)

	// a reload replaces the still-broken asset with a new pointer
	for range 4 {
		h.cfg.Asset = unreadyAsset("door")
		h.step(1)
		h.lc.Sweep()
		require.Len(t, h.lc.reported, 1, "replaced assets are not retained")
	}
	require.Equal(t, 5, warned())

	h.cfg.Asset = nil
	h.step(1)
	h.lc.Sweep()
	require.Empty(t, h.lc.reported)
}

type stepPanicExecutor struct{ fakeExecutor }

func (e stepPanicExecutor) Start() statetree.RunStatus {
	e.f.starts++
	panic("enter hook failed")
}

func TestStepRecoversTaskPanic(t *testing.T) {
	h := newHarness(t, component.StateTreeConfig{Asset: readyAsset(t, "a"), AutoStart: true})
	h.lc.newExecutor = func(asset *statetree.Asset, d *statetree.InstanceData, collect statetree.CollectExternalData) (Executor, error) {
		exec, err := h.eng.factory(asset, d, collect)
		return stepPanicExecutor{exec.(fakeExecutor)}, err
	}

	require.NoError(t, h.lc.Step(h.world, h.id, h.cfg, h.rt))
	err := h.lc.Step(h.world, h.id, h.cfg, h.rt)
	require.ErrorIs(t, err, ErrTaskPanic)
	h.requireInvariants(t)
	require.Equal(t, statetree.StatusFailed, h.rt.LastRunStatus)
	require.Equal(t, 1, h.eng.stops)

	for range 3 {
		require.NoError(t, h.lc.Step(h.world, h.id, h.cfg, h.rt))
	}
	require.Equal(t, 1, h.eng.starts, "persistent failure leaves the entity idle")
	require.False(t, h.rt.PendingStart)

	entries := h.logs.FilterMessage("state tree task panic recovered").All()
	require.Len(t, entries, 1)
	require.Equal(t, "start", entries[0].ContextMap()["op"])
}
