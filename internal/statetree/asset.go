package statetree

import (
	"errors"
	"fmt"
	"maps"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Definition is the authored form of a state tree.
//
//	name: patrol
//	parameters: {rest_seconds: 2}
//	states:
//	  - name: Root
//	  - name: Walk
//	    parent: Root
//	    tasks: [{type: wait, params: {seconds: 1}}]
//	    transitions: [{on: succeeded, target: Rest}]
//
// States are listed in order; a state's children are the states naming it as
// parent, in list order, and entering a state enters its first child.
type Definition struct {
	Name       string             `yaml:"name"`
	Parameters map[string]float64 `yaml:"parameters"`
	States     []StateDef         `yaml:"states"`
}

type StateDef struct {
	Name        string          `yaml:"name"`
	Parent      string          `yaml:"parent"`
	Tasks       []TaskDef       `yaml:"tasks"`
	Transitions []TransitionDef `yaml:"transitions"`
}

type TaskDef struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// TransitionDef fires when the state completes. On is one of succeeded,
// failed or completed; Target is a state name, $succeeded or $failed.
type TransitionDef struct {
	On     string `yaml:"on"`
	Target string `yaml:"target"`
}

const (
	TargetSucceeded = "$succeeded"
	TargetFailed    = "$failed"
)

const (
	targetSucceeded = -2
	targetFailed    = -3
)

type trigger uint8

const (
	onSucceeded trigger = iota + 1
	onFailed
	onCompleted
)

func parseTrigger(s string) (trigger, bool) {
	switch s {
	case "succeeded":
		return onSucceeded, true
	case "failed":
		return onFailed, true
	case "completed", "":
		return onCompleted, true
	}
	return 0, false
}

func (t trigger) matches(s RunStatus) bool {
	switch t {
	case onSucceeded:
		return s == StatusSucceeded
	case onFailed:
		return s == StatusFailed
	case onCompleted:
		return s.Done()
	}
	return false
}

type transition struct {
	on     trigger
	target int
}

type taskSlot struct {
	task Task
	slot int
}

type state struct {
	name        string
	parent      int
	children    []int
	depth       int
	tasks       []taskSlot
	transitions []transition
}

// Asset is an immutable, shareable state tree. It must be linked against a
// TaskRegistry before it is ready to run.
type Asset struct {
	name   string
	def    Definition
	digest uint64

	states    []state
	root      int
	taskCount int
	external  []ExternalDataDesc
	linked    bool
}

// Parse decodes a YAML definition. The asset is named after the definition,
// falling back to fallbackName.
func Parse(fallbackName string, raw []byte) (*Asset, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse state tree %s: %w", fallbackName, err)
	}
	if def.Name == "" {
		def.Name = fallbackName
	}
	a := NewAsset(def)
	a.digest = xxhash.Sum64(raw)
	return a, nil
}

// NewAsset wraps an in-memory definition. The result is not linked.
func NewAsset(def Definition) *Asset {
	return &Asset{name: def.Name, def: def}
}

// Name returns the asset name; it is safe to call on a nil asset.
func (a *Asset) Name() string {
	if a == nil {
		return "<none>"
	}
	return a.name
}

// Digest is the xxhash of the source bytes, or zero for in-memory assets.
func (a *Asset) Digest() uint64 { return a.digest }

// IsReadyToRun reports whether the asset linked successfully.
func (a *Asset) IsReadyToRun() bool {
	return a != nil && a.linked
}

// ExternalData lists the external data the asset's tasks require.
func (a *Asset) ExternalData() []ExternalDataDesc { return a.external }

// Link resolves state hierarchy, transitions and task types. On failure the
// asset stays not ready.
func (a *Asset) Link(reg *TaskRegistry) error {
	a.linked = false
	states, root, err := buildStates(a.def.States)
	if err != nil {
		return fmt.Errorf("link %s: %w", a.name, err)
	}

	index := make(map[string]int, len(states))
	for i := range states {
		index[states[i].name] = i
	}

	var (
		slots    int
		external []ExternalDataDesc
		seen     = map[ExternalDataDesc]bool{}
		errs     []error
	)
	for i, sd := range a.def.States {
		st := &states[i]
		for _, td := range sd.Tasks {
			task, err := reg.build(td)
			if err != nil {
				errs = append(errs, fmt.Errorf("state %s: %w", sd.Name, err))
				continue
			}
			st.tasks = append(st.tasks, taskSlot{task: task, slot: slots})
			slots++
			if u, ok := task.(ExternalDataUser); ok {
				for _, d := range u.ExternalData() {
					if !seen[d] {
						seen[d] = true
						external = append(external, d)
					}
				}
			}
		}
		for _, td := range sd.Transitions {
			on, ok := parseTrigger(td.On)
			if !ok {
				errs = append(errs, fmt.Errorf("state %s: unknown trigger %q", sd.Name, td.On))
				continue
			}
			var target int
			switch td.Target {
			case TargetSucceeded:
				target = targetSucceeded
			case TargetFailed:
				target = targetFailed
			default:
				t, ok := index[td.Target]
				if !ok {
					errs = append(errs, fmt.Errorf("state %s: unknown transition target %q", sd.Name, td.Target))
					continue
				}
				target = t
			}
			st.transitions = append(st.transitions, transition{on: on, target: target})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("link %s: %w", a.name, err)
	}

	a.states = states
	a.root = root
	a.taskCount = slots
	a.external = external
	a.linked = true
	return nil
}

func buildStates(defs []StateDef) ([]state, int, error) {
	if len(defs) == 0 {
		return nil, 0, errors.New("no states")
	}
	index := make(map[string]int, len(defs))
	for i, sd := range defs {
		if sd.Name == "" {
			return nil, 0, fmt.Errorf("state %d has no name", i)
		}
		if sd.Name == TargetSucceeded || sd.Name == TargetFailed {
			return nil, 0, fmt.Errorf("state name %q is reserved", sd.Name)
		}
		if _, dup := index[sd.Name]; dup {
			return nil, 0, fmt.Errorf("duplicate state %q", sd.Name)
		}
		index[sd.Name] = i
	}

	states := make([]state, len(defs))
	root := -1
	for i, sd := range defs {
		states[i] = state{name: sd.Name, parent: -1}
		if sd.Parent == "" {
			if root >= 0 {
				return nil, 0, fmt.Errorf("multiple root states: %q and %q", defs[root].Name, sd.Name)
			}
			root = i
			continue
		}
		p, ok := index[sd.Parent]
		if !ok {
			return nil, 0, fmt.Errorf("state %q: unknown parent %q", sd.Name, sd.Parent)
		}
		states[i].parent = p
	}
	if root < 0 {
		return nil, 0, errors.New("no root state")
	}
	for i := range states {
		if p := states[i].parent; p >= 0 {
			states[p].children = append(states[p].children, i)
		}
	}

	// Depth by walking to the root; a walk longer than the state count is a cycle.
	for i := range states {
		depth := 0
		for p := states[i].parent; p >= 0; p = states[p].parent {
			depth++
			if depth > len(states) {
				return nil, 0, fmt.Errorf("state %q: parent cycle", states[i].name)
			}
		}
		states[i].depth = depth
	}
	return states, root, nil
}

// DefaultInstanceData returns a fresh execution buffer for this asset, or nil
// if the asset is not ready.
func (a *Asset) DefaultInstanceData() *InstanceData {
	if !a.IsReadyToRun() {
		return nil
	}
	mem := make([]TaskMemory, a.taskCount)
	for i := range mem {
		mem[i].Values = make(map[string]float64)
	}
	return &InstanceData{
		ID:     newInstanceID(),
		asset:  a,
		Memory: mem,
		Params: a.defaultParams(),
		Status: StatusStopped,
	}
}

func (a *Asset) defaultParams() map[string]float64 {
	params := make(map[string]float64, len(a.def.Parameters))
	maps.Copy(params, a.def.Parameters)
	return params
}

// StateNames returns the state names in definition order.
func (a *Asset) StateNames() []string {
	out := make([]string, len(a.def.States))
	for i, sd := range a.def.States {
		out[i] = sd.Name
	}
	return out
}
