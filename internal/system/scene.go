package system

import (
	"fmt"
	"maps"

	"github.com/l1jgo/statebridge/internal/component"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/data"
)

// SpawnScene creates the scene's entities and attaches their state trees.
// Every asset name must resolve in lib; nothing is spawned otherwise.
func SpawnScene(w *ecs.World, lib AssetSource, scene *data.Scene) ([]ecs.EntityID, error) {
	for i := range scene.Entities {
		e := &scene.Entities[i]
		if _, ok := lib.Get(e.Asset); !ok {
			return nil, fmt.Errorf("spawn %s: unknown state tree asset %q", e.Name, e.Asset)
		}
	}

	ids := make([]ecs.EntityID, 0, scene.Count())
	for i := range scene.Entities {
		e := &scene.Entities[i]
		asset, _ := lib.Get(e.Asset)
		for range e.Count {
			id := w.CreateEntity()
			AttachStateTree(w, id, component.StateTreeConfig{
				Asset:                asset,
				AutoStart:            e.Starts(),
				AutoRestart:          e.AutoRestart,
				TickIntervalOverride: e.TickInterval,
			})
			vars := make(map[string]float64, len(e.Vars))
			maps.Copy(vars, e.Vars)
			ecs.Set(w, id, component.Vars{Values: vars})
			ids = append(ids, id)
		}
	}
	return ids, nil
}
