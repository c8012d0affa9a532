package system

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/core/event"
	coresys "github.com/l1jgo/statebridge/internal/core/system"
	"github.com/l1jgo/statebridge/internal/data"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// panicExecutor panics from Start or Tick and counts the attempts.
type panicExecutor struct {
	fakeExecutor
	onStart bool
	calls   *int
}

func (p panicExecutor) Start() statetree.RunStatus {
	if !p.onStart {
		return p.fakeExecutor.Start()
	}
	*p.calls++
	panic("task exploded")
}

func (p panicExecutor) Tick(dt float64) statetree.RunStatus {
	if p.onStart {
		return p.fakeExecutor.Tick(dt)
	}
	*p.calls++
	panic("task exploded")
}

type panicHarness struct {
	world       *ecs.World
	sys         *StateTreeSystem
	eng         *fakeEngine
	logs        *observer.ObservedLogs
	rec         *tracetest.SpanRecorder
	bad, good   ecs.EntityID
	badAttempts int
}

func newPanicHarness(t *testing.T, onStart, autoRestart bool) *panicHarness {
	t.Helper()
	h := &panicHarness{world: ecs.NewWorld(), eng: newFakeEngine(), rec: tracetest.NewSpanRecorder()}
	bad, good := readyAsset(t, "bad"), readyAsset(t, "good")
	factory := func(asset *statetree.Asset, d *statetree.InstanceData, collect statetree.CollectExternalData) (Executor, error) {
		exec, err := h.eng.factory(asset, d, collect)
		if asset == bad {
			return panicExecutor{fakeExecutor: exec.(fakeExecutor), onStart: onStart, calls: &h.badAttempts}, err
		}
		return exec, err
	}

	core, logs := observer.New(zapcore.ErrorLevel)
	h.logs = logs
	log := zap.New(core)
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(h.rec))
	lc := NewLifecycle(log, func() time.Duration { return fixedStep }, WithExecutorFactory(factory))
	h.sys = NewStateTreeSystem(h.world, coresys.PhaseUpdate, lc, tp.Tracer("test"), log)

	h.bad, h.good = h.world.CreateEntity(), h.world.CreateEntity()
	AttachStateTree(h.world, h.bad, component.StateTreeConfig{Asset: bad, AutoStart: true, AutoRestart: autoRestart})
	AttachStateTree(h.world, h.good, component.StateTreeConfig{Asset: good, AutoStart: true})
	return h
}

func (h *panicHarness) update(n int) {
	for range n {
		h.sys.Update(fixedStep)
	}
}

func (h *panicHarness) runtime(id ecs.EntityID) *component.StateTreeRuntime {
	rt, _ := ecs.Get[component.StateTreeRuntime](h.world, id)
	return rt
}

func TestStateTreeSystemIsolatesPanics(t *testing.T) {
	h := newPanicHarness(t, true, false)
	require.Equal(t, coresys.PhaseUpdate, h.sys.Phase())

	h.update(6)

	require.Equal(t, 1, h.badAttempts, "a failed start is not retried without auto-restart")
	require.Equal(t, 1, h.eng.starts, "the healthy entity still started")
	require.Equal(t, 1, h.eng.stops, "the panicked run is stopped")
	require.Equal(t, 1, h.logs.FilterMessage("state tree task panic recovered").Len())

	require.True(t, h.runtime(h.good).IsRunning)
	badRT := h.runtime(h.bad)
	require.False(t, badRT.IsRunning)
	require.False(t, badRT.PendingStart)
	require.Equal(t, statetree.StatusFailed, badRT.LastRunStatus)

	spans := h.rec.Ended()
	require.Len(t, spans, 6)
	require.Equal(t, "statetree.step", spans[1].Name())
	require.Len(t, spans[1].Events(), 1, "panic recorded on the span")
	require.ErrorContains(t, errorFromSpan(t, spans[1]), ErrTaskPanic.Error())
	for _, s := range spans[2:] {
		require.Empty(t, s.Events())
	}

	h.world.Close()
	h.update(1)
	require.Len(t, h.rec.Ended(), 6, "closed world is not stepped")
}

func TestPanickingStartRetriesUnderAutoRestart(t *testing.T) {
	h := newPanicHarness(t, true, true)
	h.update(4)
	// bind, then one start attempt per step
	require.Equal(t, 3, h.badAttempts)
	badRT := h.runtime(h.bad)
	require.True(t, badRT.PendingStart)
	require.False(t, badRT.IsRunning)
}

func TestPanickingTickFailsTheRun(t *testing.T) {
	h := newPanicHarness(t, false, false)
	h.update(5)

	require.Equal(t, 1, h.badAttempts, "a failed tick is not repeated")
	require.Equal(t, 2, h.eng.starts)
	require.Equal(t, 1, h.eng.stops, "exit hooks run after the panic")
	badRT := h.runtime(h.bad)
	require.False(t, badRT.IsRunning)
	require.False(t, badRT.PendingStart)
	require.Equal(t, statetree.StatusFailed, badRT.LastRunStatus)
	require.True(t, h.runtime(h.good).IsRunning)
}

func errorFromSpan(t *testing.T, s trace.ReadOnlySpan) error {
	t.Helper()
	for _, ev := range s.Events() {
		for _, kv := range ev.Attributes {
			if kv.Key == "exception.message" {
				return errors.New(kv.Value.AsString())
			}
		}
	}
	t.Fatal("span has no recorded error")
	return nil
}

type mapSource map[string]*statetree.Asset

func (m mapSource) Get(name string) (*statetree.Asset, bool) {
	a, ok := m[name]
	return a, ok
}

func TestRebindAssets(t *testing.T) {
	w := ecs.NewWorld()
	require.Zero(t, RebindAssets(w, mapSource{}, []string{"a"}, zap.NewNop()))

	a1, b := readyAsset(t, "a"), readyAsset(t, "b")
	ids := []ecs.EntityID{w.CreateEntity(), w.CreateEntity(), w.CreateEntity()}
	AttachStateTree(w, ids[0], component.StateTreeConfig{Asset: a1})
	AttachStateTree(w, ids[1], component.StateTreeConfig{Asset: b})
	AttachStateTree(w, ids[2], component.StateTreeConfig{})

	a2 := readyAsset(t, "a")
	lib := mapSource{"a": a2, "b": b}
	require.Equal(t, 1, RebindAssets(w, lib, []string{"a"}, zap.NewNop()))

	cfg, _ := ecs.Get[component.StateTreeConfig](w, ids[0])
	require.Same(t, a2, cfg.Asset)
	cfg, _ = ecs.Get[component.StateTreeConfig](w, ids[1])
	require.Same(t, b, cfg.Asset)

	require.Zero(t, RebindAssets(w, lib, nil, zap.NewNop()))
	require.Zero(t, RebindAssets(w, mapSource{}, []string{"b"}, zap.NewNop()), "missing assets are left alone")
}

func TestAttachAndDetach(t *testing.T) {
	w := ecs.NewWorld()
	id := w.CreateEntity()
	a := readyAsset(t, "a")
	require.True(t, AttachStateTree(w, id, component.StateTreeConfig{Asset: a}))

	rt, ok := ecs.Get[component.StateTreeRuntime](w, id)
	require.True(t, ok)
	require.Nil(t, rt.ActiveAsset)
	require.Equal(t, statetree.StatusStopped, rt.LastRunStatus)
	rt.ActiveAsset = a

	require.True(t, AttachStateTree(w, id, component.StateTreeConfig{Asset: readyAsset(t, "b")}))
	rt, _ = ecs.Get[component.StateTreeRuntime](w, id)
	require.Same(t, a, rt.ActiveAsset, "existing runtime is kept")

	DetachStateTree(w, id)
	_, ok = ecs.Get[component.StateTreeRuntime](w, id)
	require.False(t, ok)

	w.Destroy(id)
	require.False(t, AttachStateTree(w, id, component.StateTreeConfig{}))
}

func TestSpawnScene(t *testing.T) {
	w := ecs.NewWorld()
	lib := mapSource{"patrol": readyAsset(t, "patrol")}
	off := false
	scene := &data.Scene{Entities: []data.SpawnEntry{
		{Name: "guards", Asset: "patrol", Count: 2, Vars: map[string]float64{"alert": 1}},
		{Name: "idle", Asset: "patrol", Count: 1, AutoStart: &off, TickInterval: 0.5},
	}}

	ids, err := SpawnScene(w, lib, scene)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	cfg, _ := ecs.Get[component.StateTreeConfig](w, ids[0])
	require.True(t, cfg.AutoStart)
	cfg, _ = ecs.Get[component.StateTreeConfig](w, ids[2])
	require.False(t, cfg.AutoStart)
	require.Equal(t, 0.5, cfg.TickIntervalOverride)

	v0, _ := ecs.Get[component.Vars](w, ids[0])
	v1, _ := ecs.Get[component.Vars](w, ids[1])
	v0.Values["alert"] = 9
	require.Equal(t, 1.0, v1.Values["alert"], "vars are copied per entity")

	_, err = SpawnScene(w, lib, &data.Scene{Entities: []data.SpawnEntry{{Asset: "missing", Count: 1}}})
	require.Error(t, err)
}

func TestCleanupSystemDropsRuntime(t *testing.T) {
	w := ecs.NewWorld()
	id := w.CreateEntity()
	AttachStateTree(w, id, component.StateTreeConfig{})
	w.MarkForDestruction(id)

	sys := NewCleanupSystem(w, zap.NewNop())
	require.Equal(t, coresys.PhaseCleanup, sys.Phase())
	sys.Update(fixedStep)

	require.False(t, w.Alive(id))
	require.Zero(t, ecs.Register[component.StateTreeRuntime](w).Len())
}

func TestEventDispatchSystem(t *testing.T) {
	bus := event.NewBus()
	var got []event.InstanceReset
	event.Subscribe(bus, func(e event.InstanceReset) { got = append(got, e) })

	sys := NewEventDispatchSystem(bus)
	require.Equal(t, coresys.PhasePreUpdate, sys.Phase())

	event.Emit(bus, event.InstanceReset{Asset: "a"})
	require.Empty(t, got)
	sys.Update(fixedStep)
	require.Len(t, got, 1)
	sys.Update(fixedStep)
	require.Len(t, got, 1, "events are delivered once")
}
