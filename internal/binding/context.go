// Package binding exposes one entity's world data to state-tree tasks for the
// duration of a single lifecycle step.
package binding

import (
	"reflect"
	"weak"

	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/statetree"
)

// Type is the external data type tasks request to receive a *Context.
var Type = reflect.TypeFor[*Context]()

// Desc is the descriptor tasks return from ExternalData to require a binding.
var Desc = statetree.ExternalDataDesc{Name: "binding", Type: Type, Required: true}

// Context is a tick-scoped handle on one entity. It holds the world weakly
// and is released when the step that created it returns; after that every
// operation fails. Never keep a Context beyond the task call it was passed to.
type Context struct {
	entity   ecs.EntityID
	world    weak.Pointer[ecs.World]
	dt       float64
	released bool
}

func New(w *ecs.World, id ecs.EntityID, deltaSeconds float64) *Context {
	return &Context{
		entity: id,
		world:  weak.Make(w),
		dt:     deltaSeconds,
	}
}

func (c *Context) Entity() ecs.EntityID  { return c.entity }
func (c *Context) DeltaSeconds() float64 { return c.dt }

// Release ends the context's lifetime.
func (c *Context) Release() { c.released = true }

// IsValid reports whether the entity is alive in a world that still exists.
func (c *Context) IsValid() bool {
	_, ok := c.resolve()
	return ok
}

func (c *Context) resolve() (*ecs.World, bool) {
	if c == nil || c.released {
		return nil, false
	}
	w := c.world.Value()
	if w == nil || !w.Alive(c.entity) {
		return nil, false
	}
	return w, true
}

// Enqueue hands the entity to writer right away if the context is valid. It
// is the seam for callers that route writes through a command buffer.
func (c *Context) Enqueue(writer func(ecs.EntityID)) bool {
	if _, ok := c.resolve(); !ok {
		return false
	}
	writer(c.entity)
	return true
}

// TryRead returns a copy of the entity's T component.
func TryRead[T any](c *Context) (T, bool) {
	var zero T
	w, ok := c.resolve()
	if !ok {
		return zero, false
	}
	p, ok := ecs.Get[T](w, c.entity)
	if !ok {
		return zero, false
	}
	return *p, true
}

// Write sets the entity's T component.
func Write[T any](c *Context, v T) bool {
	w, ok := c.resolve()
	if !ok {
		return false
	}
	return ecs.Set(w, c.entity, v)
}

// Modify reads T, applies fn to the copy and writes it back. It fails without
// calling fn when the component is absent.
func Modify[T any](c *Context, fn func(*T)) bool {
	cur, ok := TryRead[T](c)
	if !ok {
		return false
	}
	fn(&cur)
	return Write(c, cur)
}
