package ecs

import "reflect"

// Registry maps component types to their stores and supports bulk cleanup
// on entity destroy.
type Registry struct {
	stores map[reflect.Type]Removable
	order  []Removable
}

func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[reflect.Type]Removable, 16),
		order:  make([]Removable, 0, 16),
	}
}

func (r *Registry) lookup(t reflect.Type) (Removable, bool) {
	s, ok := r.stores[t]
	return s, ok
}

func (r *Registry) add(t reflect.Type, store Removable) {
	r.stores[t] = store
	r.order = append(r.order, store)
}

// Len returns the number of registered component types.
func (r *Registry) Len() int { return len(r.order) }

// RemoveAll clears the given entity from every registered component store.
func (r *Registry) RemoveAll(id EntityID) {
	for _, s := range r.order {
		s.Remove(id)
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register returns the store for T, creating it on first use. Calling it
// again for the same type is a no-op.
func Register[T any](w *World) *ComponentStore[T] {
	t := typeOf[T]()
	if s, ok := w.registry.lookup(t); ok {
		return s.(*ComponentStore[T])
	}
	s := NewComponentStore[T]()
	w.registry.add(t, s)
	return s
}

// Registered reports whether a store for T exists.
func Registered[T any](w *World) bool {
	_, ok := w.registry.lookup(typeOf[T]())
	return ok
}

// Get returns the entity's T component if the entity is alive and has one.
func Get[T any](w *World, id EntityID) (*T, bool) {
	if !w.Alive(id) {
		return nil, false
	}
	s, ok := w.registry.lookup(typeOf[T]())
	if !ok {
		return nil, false
	}
	return s.(*ComponentStore[T]).Get(id)
}

// Set writes v as the entity's T component. An existing value is overwritten
// in place so pointers handed out during iteration stay valid.
func Set[T any](w *World, id EntityID, v T) bool {
	if !w.Alive(id) {
		return false
	}
	s := Register[T](w)
	if cur, ok := s.Get(id); ok {
		*cur = v
		return true
	}
	s.Set(id, &v)
	return true
}

// Remove deletes the entity's T component.
func Remove[T any](w *World, id EntityID) {
	if s, ok := w.registry.lookup(typeOf[T]()); ok {
		s.Remove(id)
	}
}
