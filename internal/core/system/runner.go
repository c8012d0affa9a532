package system

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrDuplicateSystem = errors.New("system already registered")
	ErrEmptySystemName = errors.New("system name is empty")
)

type entry struct {
	name string
	sys  System
}

// Runner executes systems in phase order each tick. Systems sharing a phase
// run in registration order.
type Runner struct {
	systems []entry
	byName  map[string]System
	sorted  bool
}

func NewRunner() *Runner {
	return &Runner{
		systems: make([]entry, 0, 16),
		byName:  make(map[string]System, 16),
	}
}

// Register adds an anonymous system. Anonymous systems cannot be looked up
// or removed.
func (r *Runner) Register(s System) {
	r.systems = append(r.systems, entry{sys: s})
	r.sorted = false
}

// Add registers a system under a unique name.
func (r *Runner) Add(name string, s System) error {
	if name == "" {
		return ErrEmptySystemName
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("add %q: %w", name, ErrDuplicateSystem)
	}
	r.byName[name] = s
	r.systems = append(r.systems, entry{name: name, sys: s})
	r.sorted = false
	return nil
}

// Lookup returns the system registered under name.
func (r *Runner) Lookup(name string) (System, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Remove unregisters the named system. It reports whether anything was removed.
func (r *Runner) Remove(name string) bool {
	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	for i, e := range r.systems {
		if e.name == name {
			r.systems = append(r.systems[:i], r.systems[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered systems, named or not.
func (r *Runner) Len() int { return len(r.systems) }

func (r *Runner) Tick(dt time.Duration) {
	r.ensureSorted()
	for _, e := range r.systems {
		e.sys.Update(dt)
	}
}

// TickPhase runs only the systems bound to phase.
func (r *Runner) TickPhase(phase Phase, dt time.Duration) {
	r.ensureSorted()
	for _, e := range r.systems {
		if e.sys.Phase() == phase {
			e.sys.Update(dt)
		}
	}
}

func (r *Runner) ensureSorted() {
	if !r.sorted {
		sort.SliceStable(r.systems, func(i, j int) bool {
			return r.systems[i].sys.Phase() < r.systems[j].sys.Phase()
		})
		r.sorted = true
	}
}
