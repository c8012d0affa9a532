package system

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/core/event"
	coresys "github.com/l1jgo/statebridge/internal/core/system"
)

const (
	// DefaultSystemName is the runner name the state tree system is installed under.
	DefaultSystemName = "statetree.step"
	// DefaultFixedStep is used until the host reports a positive interval.
	DefaultFixedStep = time.Second / 60
)

// GameLoopExtension is implemented by host game loops that can run state
// trees. Either value may be unavailable for the first frames after boot.
type GameLoopExtension interface {
	StateTreeTickPhase() (coresys.Phase, bool)
	StateTreeFixedStepInterval() (time.Duration, bool)
}

// Host exposes the object acting as the game loop, which may or may not
// implement GameLoopExtension.
type Host interface {
	GameLoop() any
}

// HostFunc adapts a function to Host.
type HostFunc func() any

func (f HostFunc) GameLoop() any { return f() }

// RegistrationState is the coordinator's progress towards installing the
// state tree system.
type RegistrationState int

const (
	StateUnregistered RegistrationState = iota
	StateAwaitingDependencies
	StateRegistered
)

func (s RegistrationState) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateAwaitingDependencies:
		return "AwaitingDependencies"
	case StateRegistered:
		return "Registered"
	default:
		return "Unknown"
	}
}

// condition is the reason the last attempt could not proceed.
type condition int

const (
	conditionNone condition = iota
	conditionMissingGameLoop
	conditionMissingTickPhase
)

// CoordinatorDeps bundles everything the coordinator touches.
type CoordinatorDeps struct {
	World  *ecs.World
	Runner *coresys.Runner
	Ticker *coresys.Ticker
	Host   Host
	Bus    *event.Bus
	Log    *zap.Logger

	// Optional.
	Executors  ExecutorFactory
	Tracer     trace.Tracer
	Clock      func() time.Time
	SystemName string
}

// Coordinator installs the state tree system on the host's tick phase once
// the host can provide it. It polls once per frame through the ticker until
// registration succeeds.
type Coordinator struct {
	deps          CoordinatorDeps
	name          string
	state         RegistrationState
	lastCondition condition
	fixedStep     time.Duration
	handle        coresys.TickerHandle
	lifecycle     *Lifecycle
}

func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/l1jgo/statebridge/internal/system")
	}
	c := &Coordinator{
		deps:      deps,
		name:      deps.SystemName,
		fixedStep: DefaultFixedStep,
	}
	if c.name == "" {
		c.name = DefaultSystemName
	}
	c.lifecycle = NewLifecycle(deps.Log, c.FixedStep,
		WithExecutorFactory(deps.Executors),
		WithClock(deps.Clock),
		WithEventBus(deps.Bus))
	return c
}

func (c *Coordinator) State() RegistrationState { return c.state }
func (c *Coordinator) SystemName() string       { return c.name }

// FixedStep returns the global tick interval used by entities without an
// override.
func (c *Coordinator) FixedStep() time.Duration { return c.fixedStep }

// Initialize subscribes Poll to the frame ticker. Calling it again while
// subscribed or registered does nothing.
func (c *Coordinator) Initialize() {
	if c.handle.IsValid() || c.state == StateRegistered {
		return
	}
	c.handle = c.deps.Ticker.AddTicker(c.Poll)
}

// OnBeginPlay makes one registration attempt right away instead of waiting
// for the next frame.
func (c *Coordinator) OnBeginPlay() {
	if c.TryRegister() && c.handle.IsValid() {
		c.deps.Ticker.RemoveTicker(c.handle)
		c.handle = 0
	}
}

// Poll is the frame callback. It returns false once registered, which
// removes the subscription.
func (c *Coordinator) Poll(time.Duration) bool {
	if c.TryRegister() {
		c.handle = 0
		return false
	}
	return true
}

// TryRegister runs one registration attempt and reports whether the system
// is installed.
func (c *Coordinator) TryRegister() bool {
	if c.state == StateRegistered {
		if _, ok := c.deps.Runner.Lookup(c.name); ok {
			return true
		}
		c.deps.Log.Warn("state tree system disappeared, registering again", zap.String("system", c.name))
	}
	c.state = StateAwaitingDependencies

	var loop GameLoopExtension
	if c.deps.Host != nil {
		loop, _ = c.deps.Host.GameLoop().(GameLoopExtension)
	}
	if loop == nil {
		c.report(conditionMissingGameLoop)
		return false
	}
	phase, ok := loop.StateTreeTickPhase()
	if !ok {
		c.report(conditionMissingTickPhase)
		return false
	}
	if d, ok := loop.StateTreeFixedStepInterval(); ok && d > 0 {
		c.fixedStep = d
	}
	c.report(conditionNone)

	ecs.Register[component.StateTreeConfig](c.deps.World)
	ecs.Register[component.StateTreeRuntime](c.deps.World)
	ecs.Register[component.Vars](c.deps.World)

	if _, ok := c.deps.Runner.Lookup(c.name); ok {
		c.state = StateRegistered
		return true
	}

	sys := NewStateTreeSystem(c.deps.World, phase, c.lifecycle, c.deps.Tracer, c.deps.Log)
	if err := c.deps.Runner.Add(c.name, sys); err != nil {
		c.deps.Log.Error("state tree system registration failed", zap.String("system", c.name), zap.Error(err))
		return false
	}
	if _, ok := c.deps.Runner.Lookup(c.name); !ok {
		c.deps.Log.Error("state tree system missing after registration", zap.String("system", c.name))
		return false
	}

	c.state = StateRegistered
	c.deps.Log.Info("state tree system registered",
		zap.String("system", c.name),
		zap.Stringer("phase", phase),
		zap.Duration("fixed_step", c.fixedStep))
	return true
}

// report logs cond once when it begins and once when it clears.
func (c *Coordinator) report(cond condition) {
	if cond == c.lastCondition {
		return
	}
	prev := c.lastCondition
	c.lastCondition = cond
	switch cond {
	case conditionMissingGameLoop:
		c.deps.Log.Info("state tree registration waiting: host has no game loop extension")
	case conditionMissingTickPhase:
		c.deps.Log.Info("state tree registration waiting: game loop has no tick phase yet")
	case conditionNone:
		c.deps.Log.Debug("state tree registration dependencies resolved", zap.Int("previous_condition", int(prev)))
	}
}

// Deinitialize removes the installed system and the frame subscription.
// It is safe to call at any time and more than once.
func (c *Coordinator) Deinitialize() {
	if c.handle.IsValid() {
		c.deps.Ticker.RemoveTicker(c.handle)
		c.handle = 0
	}
	if c.deps.Runner.Remove(c.name) {
		c.deps.Log.Info("state tree system removed", zap.String("system", c.name))
	}
	c.state = StateUnregistered
	c.lastCondition = conditionNone
}
