package event

import (
	"github.com/google/uuid"

	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// RunStatusChanged is emitted whenever an entity's state-tree run changes
// status (start, completion, stop).
type RunStatusChanged struct {
	EntityID ecs.EntityID
	Asset    string
	Instance uuid.UUID
	From     statetree.RunStatus
	To       statetree.RunStatus
}

// InstanceReset is emitted when an entity's instance data is rebuilt for a
// new asset or cleared because its asset became unusable.
type InstanceReset struct {
	EntityID ecs.EntityID
	Asset    string // empty when cleared
	Instance uuid.UUID
}
