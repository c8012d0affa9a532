package system

import (
	"github.com/l1jgo/statebridge/internal/statetree"
)

// Executor drives one instance of a state tree for the duration of a step.
// *statetree.ExecutionContext satisfies it.
type Executor interface {
	Start() statetree.RunStatus
	Tick(dt float64) statetree.RunStatus
	Stop() statetree.RunStatus
}

// ExecutorFactory builds an Executor for an asset and its instance data,
// binding external data through collect.
type ExecutorFactory func(asset *statetree.Asset, data *statetree.InstanceData, collect statetree.CollectExternalData) (Executor, error)

// NewExecutionContext is the default ExecutorFactory.
func NewExecutionContext(asset *statetree.Asset, data *statetree.InstanceData, collect statetree.CollectExternalData) (Executor, error) {
	e, err := statetree.NewExecutionContext(asset, data, collect)
	if err != nil {
		return nil, err
	}
	return e, nil
}
