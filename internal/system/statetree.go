package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	coresys "github.com/l1jgo/statebridge/internal/core/system"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// StateTreeSystem steps every entity carrying a StateTreeConfig and a
// StateTreeRuntime. Its phase is whatever the host game loop reported.
type StateTreeSystem struct {
	world     *ecs.World
	phase     coresys.Phase
	lifecycle *Lifecycle
	tracer    trace.Tracer
	log       *zap.Logger

	configs  *ecs.ComponentStore[component.StateTreeConfig]
	runtimes *ecs.ComponentStore[component.StateTreeRuntime]
}

func NewStateTreeSystem(w *ecs.World, phase coresys.Phase, l *Lifecycle, tracer trace.Tracer, log *zap.Logger) *StateTreeSystem {
	return &StateTreeSystem{
		world:     w,
		phase:     phase,
		lifecycle: l,
		tracer:    tracer,
		log:       log,
		configs:   ecs.Register[component.StateTreeConfig](w),
		runtimes:  ecs.Register[component.StateTreeRuntime](w),
	}
}

func (s *StateTreeSystem) Phase() coresys.Phase { return s.phase }

func (s *StateTreeSystem) Update(_ time.Duration) {
	if s.world.Closed() {
		return
	}
	_, span := s.tracer.Start(context.Background(), "statetree.step")
	defer span.End()

	entities, failed := 0, 0
	ecs.Each2(s.configs, s.runtimes, func(id ecs.EntityID, cfg *component.StateTreeConfig, rt *component.StateTreeRuntime) {
		entities++
		if err := s.safeStep(id, cfg, rt); err != nil {
			failed++
			span.RecordError(err)
		}
	})
	s.lifecycle.Sweep()
	span.SetAttributes(
		attribute.Int("statetree.entities", entities),
		attribute.Int("statetree.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, "entity step panicked")
	}
}

// safeStep isolates one entity's step so a panic outside the task calls the
// lifecycle already guards cannot stop the other entities from ticking.
func (s *StateTreeSystem) safeStep(id ecs.EntityID, cfg *component.StateTreeConfig, rt *component.StateTreeRuntime) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("state tree step panic recovered",
				zap.Stringer("entity", id),
				zap.String("asset", cfg.Asset.Name()),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			err = fmt.Errorf("entity %s: panic: %v", id, rec)
		}
	}()
	return s.lifecycle.Step(s.world, id, cfg, rt)
}

// AttachStateTree gives an entity a state tree. The runtime starts in the
// all-stopped state; an existing runtime is kept so the next step sees the
// config change as an asset swap.
func AttachStateTree(w *ecs.World, id ecs.EntityID, cfg component.StateTreeConfig) bool {
	if !ecs.Set(w, id, cfg) {
		return false
	}
	if _, ok := ecs.Get[component.StateTreeRuntime](w, id); !ok {
		ecs.Set(w, id, component.StateTreeRuntime{})
	}
	return true
}

// DetachStateTree removes both state tree components from an entity. The
// instance is dropped without running exit hooks.
func DetachStateTree(w *ecs.World, id ecs.EntityID) {
	ecs.Remove[component.StateTreeConfig](w, id)
	ecs.Remove[component.StateTreeRuntime](w, id)
}

// AssetSource resolves assets by name.
type AssetSource interface {
	Get(name string) (*statetree.Asset, bool)
}

var errAssetMissing = errors.New("asset no longer in library")

// RebindAssets points every config that references one of the changed asset
// names at the library's current asset. The lifecycle picks the change up on
// the next step as an asset swap. It returns how many entities were rebound.
func RebindAssets(w *ecs.World, lib AssetSource, changed []string, log *zap.Logger) int {
	if len(changed) == 0 || !ecs.Registered[component.StateTreeConfig](w) {
		return 0
	}
	names := make(map[string]struct{}, len(changed))
	for _, n := range changed {
		names[n] = struct{}{}
	}
	n := 0
	ecs.Register[component.StateTreeConfig](w).Each(func(id ecs.EntityID, cfg *component.StateTreeConfig) {
		if cfg.Asset == nil {
			return
		}
		name := cfg.Asset.Name()
		if _, ok := names[name]; !ok {
			return
		}
		next, ok := lib.Get(name)
		if !ok {
			log.Warn("state tree rebind skipped", zap.Stringer("entity", id), zap.String("asset", name), zap.Error(errAssetMissing))
			return
		}
		if next != cfg.Asset {
			cfg.Asset = next
			n++
		}
	})
	return n
}
