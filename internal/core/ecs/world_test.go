package ecs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type position struct{ X, Y float64 }
type health struct{ HP int }

func TestEntityPool(t *testing.T) {
	t.Run("zero id is never alive", func(t *testing.T) {
		p := NewEntityPool()
		id := p.Create()
		require.False(t, id.IsZero())
		require.False(t, p.Alive(0))
		require.True(t, p.Alive(id))
	})

	t.Run("destroy invalidates stale handles", func(t *testing.T) {
		p := NewEntityPool()
		a := p.Create()
		require.True(t, p.Destroy(a))
		require.False(t, p.Alive(a))
		require.False(t, p.Destroy(a))

		b := p.Create()
		require.Equal(t, a.Index(), b.Index())
		require.NotEqual(t, a.Generation(), b.Generation())
		require.False(t, p.Alive(a))
		require.True(t, p.Alive(b))
		require.Equal(t, 1, p.Len())
	})
}

func TestComponents(t *testing.T) {
	w := NewWorld()
	e := w.CreateEntity()

	_, ok := Get[position](w, e)
	require.False(t, ok)

	require.True(t, Set(w, e, position{X: 1}))
	p, ok := Get[position](w, e)
	require.True(t, ok)
	require.Equal(t, 1.0, p.X)

	// overwrite keeps the pointer stable
	require.True(t, Set(w, e, position{X: 2}))
	require.Equal(t, 2.0, p.X)

	Remove[position](w, e)
	_, ok = Get[position](w, e)
	require.False(t, ok)

	require.Same(t, Register[position](w), Register[position](w))
	require.True(t, Registered[position](w))
	require.False(t, Registered[health](w))
}

func TestDestroyClearsStores(t *testing.T) {
	w := NewWorld()
	e := w.CreateEntity()
	Set(w, e, position{})
	Set(w, e, health{HP: 3})

	w.MarkForDestruction(e)
	require.True(t, w.Alive(e))
	require.Equal(t, 1, w.FlushDestroyQueue())

	require.False(t, w.Alive(e))
	require.False(t, Register[position](w).Has(e))
	require.False(t, Register[health](w).Has(e))
	require.False(t, Set(w, e, health{}))
}

func TestEach2(t *testing.T) {
	w := NewWorld()
	both := w.CreateEntity()
	onlyPos := w.CreateEntity()
	Set(w, both, position{})
	Set(w, both, health{HP: 1})
	Set(w, onlyPos, position{})

	seen := map[EntityID]int{}
	Each2(Register[position](w), Register[health](w), func(id EntityID, p *position, h *health) {
		seen[id]++
		p.X = float64(h.HP)
	})
	require.Equal(t, map[EntityID]int{both: 1}, seen)
	p, _ := Get[position](w, both)
	require.Equal(t, 1.0, p.X)
}

func TestClosedWorld(t *testing.T) {
	w := NewWorld()
	e := w.CreateEntity()
	w.Close()
	require.True(t, w.Closed())
	require.False(t, w.Alive(e))
}
