package system

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/statebridge/internal/binding"
	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/core/event"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// Lifecycle is the per-entity Stopped / PendingStart / Running machine.
// Step is called once per tick for every entity carrying both a
// StateTreeConfig and a StateTreeRuntime; it is the only writer of the
// runtime component.
type Lifecycle struct {
	log         *zap.Logger
	fixedStep   func() time.Duration
	newExecutor ExecutorFactory
	now         func() time.Time
	bus         *event.Bus

	// invalid assets already warned about, mapped to the pass that last saw
	// them. An entry is dropped once the asset is seen ready, so a later
	// relapse warns again, or by Sweep once no entity references it.
	reported map[*statetree.Asset]uint64
	pass     uint64
}

// ErrTaskPanic wraps a panic raised by a task during Start, Tick or Stop.
var ErrTaskPanic = errors.New("state tree task panicked")

type LifecycleOption func(*Lifecycle)

func WithExecutorFactory(f ExecutorFactory) LifecycleOption {
	return func(l *Lifecycle) {
		if f != nil {
			l.newExecutor = f
		}
	}
}

func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEventBus makes the lifecycle emit RunStatusChanged and InstanceReset.
func WithEventBus(b *event.Bus) LifecycleOption {
	return func(l *Lifecycle) { l.bus = b }
}

// NewLifecycle creates a lifecycle whose default tick interval is read from
// fixedStep on every step.
func NewLifecycle(log *zap.Logger, fixedStep func() time.Duration, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		log:         log,
		fixedStep:   fixedStep,
		newExecutor: NewExecutionContext,
		now:         time.Now,
		reported:    make(map[*statetree.Asset]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Step advances one entity by one tick. A panicking task fails the run the
// same way a Failed status would; the recovered panic is returned.
func (l *Lifecycle) Step(w *ecs.World, id ecs.EntityID, cfg *component.StateTreeConfig, rt *component.StateTreeRuntime) error {
	asset := cfg.Asset

	if !asset.IsReadyToRun() {
		var err error
		if rt.ActiveAsset != nil {
			err = l.unbind(w, id, rt)
		}
		l.reportInvalid(id, asset)
		return err
	}
	delete(l.reported, asset)

	// A swap only resets; the new instance starts on the following step.
	if rt.ActiveAsset != asset {
		return l.bind(w, id, cfg, rt)
	}
	if !rt.IsRunning && !rt.PendingStart && cfg.AutoStart && rt.LastRunStatus == statetree.StatusStopped {
		rt.PendingStart = true
	}

	dt := l.interval(cfg)
	rt.LastTickTime = l.now()

	if !rt.PendingStart && !rt.IsRunning {
		return nil
	}

	bc := binding.New(w, id, dt)
	defer bc.Release()

	exec, err := l.newExecutor(asset, rt.Instance.Data(), collectBinding(bc))
	if err != nil {
		l.log.Error("state tree execution context build failed",
			zap.Stringer("entity", id),
			zap.String("asset", asset.Name()),
			zap.Error(err))
		return nil
	}

	var status statetree.RunStatus
	if rt.PendingStart {
		rt.PendingStart = false
		status, err = l.guard(id, asset, "start", exec.Start)
	} else {
		status, err = l.guard(id, asset, "tick", func() statetree.RunStatus { return exec.Tick(dt) })
	}
	l.record(id, rt, status)

	if status != statetree.StatusRunning {
		_, stopErr := l.guard(id, asset, "stop", exec.Stop)
		err = errors.Join(err, stopErr)
		rt.PendingStart = cfg.AutoRestart
	}
	return err
}

// guard runs one executor call. A panic is logged with its stack and turned
// into StatusFailed.
func (l *Lifecycle) guard(id ecs.EntityID, asset *statetree.Asset, op string, call func() statetree.RunStatus) (status statetree.RunStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("state tree task panic recovered",
				zap.Stringer("entity", id),
				zap.String("asset", asset.Name()),
				zap.String("op", op),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			status = statetree.StatusFailed
			err = fmt.Errorf("entity %s: %s: %w: %v", id, op, ErrTaskPanic, rec)
		}
	}()
	return call(), nil
}

// interval returns the effective tick delta in seconds.
func (l *Lifecycle) interval(cfg *component.StateTreeConfig) float64 {
	if cfg.TickIntervalOverride > 0 {
		return cfg.TickIntervalOverride
	}
	return l.fixedStep().Seconds()
}

func collectBinding(bc *binding.Context) statetree.CollectExternalData {
	return func(_ *statetree.ExecutionContext, _ *statetree.Asset, descs []statetree.ExternalDataDesc, out []any) bool {
		for i, d := range descs {
			if d.Type == binding.Type {
				out[i] = bc
			}
		}
		return true
	}
}

func (l *Lifecycle) record(id ecs.EntityID, rt *component.StateTreeRuntime, status statetree.RunStatus) {
	from := rt.LastRunStatus
	rt.LastRunStatus = status
	rt.IsRunning = status == statetree.StatusRunning
	if from == status {
		return
	}
	data := rt.Instance.Data()
	event.Emit(l.bus, event.RunStatusChanged{
		EntityID: id,
		Asset:    rt.ActiveAsset.Name(),
		Instance: data.ID,
		From:     from,
		To:       status,
	})
	l.log.Debug("state tree run status changed",
		zap.Stringer("entity", id),
		zap.String("asset", rt.ActiveAsset.Name()),
		zap.Stringer("from", from),
		zap.Stringer("to", status))
}

// bind resets the runtime for cfg.Asset. A run still active on the previous
// asset is stopped first.
func (l *Lifecycle) bind(w *ecs.World, id ecs.EntityID, cfg *component.StateTreeConfig, rt *component.StateTreeRuntime) error {
	stopErr := l.stopOutgoing(w, id, rt)
	if err := rt.Instance.Rebuild(cfg.Asset); err != nil {
		l.reset(rt, nil)
		l.log.Error("state tree instance rebuild failed",
			zap.Stringer("entity", id),
			zap.String("asset", cfg.Asset.Name()),
			zap.Error(err))
		return stopErr
	}
	l.reset(rt, cfg.Asset)
	rt.PendingStart = cfg.AutoStart
	event.Emit(l.bus, event.InstanceReset{
		EntityID: id,
		Asset:    cfg.Asset.Name(),
		Instance: rt.Instance.Data().ID,
	})
	return stopErr
}

// unbind returns the runtime to the unbound state.
func (l *Lifecycle) unbind(w *ecs.World, id ecs.EntityID, rt *component.StateTreeRuntime) error {
	err := l.stopOutgoing(w, id, rt)
	rt.Instance.Clear()
	l.reset(rt, nil)
	event.Emit(l.bus, event.InstanceReset{EntityID: id})
	return err
}

func (l *Lifecycle) reset(rt *component.StateTreeRuntime, asset *statetree.Asset) {
	rt.ActiveAsset = asset
	rt.IsRunning = false
	rt.PendingStart = false
	rt.LastRunStatus = statetree.StatusStopped
	rt.LastTickTime = time.Time{}
}

// stopOutgoing runs the exit hooks of an active run whose asset can still
// execute. Runs on an asset that is no longer ready are dropped without Stop.
func (l *Lifecycle) stopOutgoing(w *ecs.World, id ecs.EntityID, rt *component.StateTreeRuntime) error {
	if !rt.IsRunning || !rt.ActiveAsset.IsReadyToRun() {
		return nil
	}
	data := rt.Instance.Data()
	if data.Asset() != rt.ActiveAsset {
		return nil
	}
	bc := binding.New(w, id, 0)
	defer bc.Release()
	exec, err := l.newExecutor(rt.ActiveAsset, data, collectBinding(bc))
	if err != nil {
		l.log.Warn("state tree stop skipped",
			zap.Stringer("entity", id),
			zap.String("asset", rt.ActiveAsset.Name()),
			zap.Error(err))
		return nil
	}
	_, err = l.guard(id, rt.ActiveAsset, "stop", exec.Stop)
	l.record(id, rt, statetree.StatusStopped)
	return err
}

func (l *Lifecycle) reportInvalid(id ecs.EntityID, asset *statetree.Asset) {
	if asset == nil {
		return
	}
	_, done := l.reported[asset]
	l.reported[asset] = l.pass
	if done {
		return
	}
	l.log.Warn("state tree asset not ready to run",
		zap.Stringer("entity", id),
		zap.String("asset", asset.Name()))
}

// Sweep ends a pass over all entities. Invalid assets no entity referenced
// during the pass are forgotten, so replaced assets are not kept alive.
func (l *Lifecycle) Sweep() {
	for asset, seen := range l.reported {
		if seen != l.pass {
			delete(l.reported, asset)
		}
	}
	l.pass++
}
