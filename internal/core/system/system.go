package system

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Phase defines execution ordering within a single tick. Hosts may hand out
// phases beyond the built-in ones; they run after PhaseCleanup in numeric order.
type Phase int

const (
	PhaseInput      Phase = iota // 0: drain input queues
	PhasePreUpdate               // 1: dispatch last tick's events
	PhaseUpdate                  // 2: game logic
	PhasePostUpdate              // 3: derived state
	PhaseOutput                  // 4: publish results
	PhaseCleanup                 // 5: destroy queued entities
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "Input"
	case PhasePreUpdate:
		return "PreUpdate"
	case PhaseUpdate:
		return "Update"
	case PhasePostUpdate:
		return "PostUpdate"
	case PhaseOutput:
		return "Output"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// System is the interface every ECS system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}

// ParsePhase maps a phase name as printed by String back to its Phase.
func ParsePhase(s string) (Phase, error) {
	for p := PhaseInput; p <= PhaseCleanup; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}
