package statetree

import (
	"fmt"

	"github.com/google/uuid"
)

// InstanceData is the mutable execution buffer of one running state tree.
// It is owned by exactly one entity and never shared.
type InstanceData struct {
	ID     uuid.UUID
	Active []int // active state path, root first
	Memory []TaskMemory
	Params map[string]float64
	Status RunStatus
	// Elapsed is the time in seconds since the current run started.
	Elapsed float64

	asset *Asset
}

var newInstanceID = uuid.New

// Asset returns the asset this buffer was built from, nil for an empty buffer.
func (d *InstanceData) Asset() *Asset {
	if d == nil {
		return nil
	}
	return d.asset
}

// IsEmpty reports whether the buffer is bound to no asset.
func (d *InstanceData) IsEmpty() bool { return d.Asset() == nil }

// ActiveStates returns the names of the active states, root first.
func (d *InstanceData) ActiveStates() []string {
	if d.IsEmpty() {
		return nil
	}
	out := make([]string, len(d.Active))
	for i, idx := range d.Active {
		out[i] = d.asset.states[idx].name
	}
	return out
}

// InstanceStore owns the execution buffer of one entity. Rebuild and Clear
// swap in a new buffer; the previous one is dropped, never reused.
type InstanceStore struct {
	data *InstanceData
}

// Rebuild replaces the buffer with the asset's default instance data. An
// unready asset clears the store instead and returns ErrAssetNotReady.
func (s *InstanceStore) Rebuild(asset *Asset) error {
	if !asset.IsReadyToRun() {
		s.Clear()
		return fmt.Errorf("rebuild instance for %s: %w", asset.Name(), ErrAssetNotReady)
	}
	s.data = asset.DefaultInstanceData()
	return nil
}

// Clear installs an empty buffer.
func (s *InstanceStore) Clear() {
	s.data = &InstanceData{Status: StatusStopped}
}

// Data returns the current buffer, creating an empty one if needed.
func (s *InstanceStore) Data() *InstanceData {
	if s.data == nil {
		s.Clear()
	}
	return s.data
}
