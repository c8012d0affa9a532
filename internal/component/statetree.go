package component

import (
	"time"

	"github.com/l1jgo/statebridge/internal/statetree"
)

// StateTreeConfig attaches a state tree asset to an entity.
// Pure data, authored by whoever creates the entity.
type StateTreeConfig struct {
	Asset       *statetree.Asset // nil when unassigned
	AutoStart   bool             // start as soon as the asset is bound
	AutoRestart bool             // start again after the run ends
	// TickIntervalOverride in seconds; zero or negative uses the global fixed step.
	TickIntervalOverride float64
}

// StateTreeRuntime is the per-entity bookkeeping the lifecycle maintains.
// Nothing but the lifecycle step may mutate it. The zero value is the
// unbound, stopped state.
type StateTreeRuntime struct {
	ActiveAsset   *statetree.Asset
	IsRunning     bool
	PendingStart  bool
	LastRunStatus statetree.RunStatus
	LastTickTime  time.Time
	Instance      statetree.InstanceStore
}

// Vars is a per-entity numeric blackboard shared by the entity's tasks.
type Vars struct {
	Values map[string]float64
}
