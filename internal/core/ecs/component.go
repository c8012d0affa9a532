package ecs

// Removable is implemented by all component stores so the Registry can
// bulk-remove an entity's data from every store on destroy.
type Removable interface {
	Remove(id EntityID)
}

// ComponentStore holds one component type keyed by entity. Values are stored
// by pointer so systems can mutate them in place during iteration.
type ComponentStore[T any] struct {
	data map[EntityID]*T
}

func NewComponentStore[T any]() *ComponentStore[T] {
	return &ComponentStore[T]{
		data: make(map[EntityID]*T, 256),
	}
}

func (s *ComponentStore[T]) Set(id EntityID, c *T) {
	s.data[id] = c
}

func (s *ComponentStore[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *ComponentStore[T]) Remove(id EntityID) {
	delete(s.data, id)
}

func (s *ComponentStore[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *ComponentStore[T]) Len() int {
	return len(s.data)
}

func (s *ComponentStore[T]) Each(fn func(EntityID, *T)) {
	for id, c := range s.data {
		fn(id, c)
	}
}
