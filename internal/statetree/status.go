package statetree

// RunStatus is the result of starting, ticking or stopping a state tree.
type RunStatus uint8

const (
	StatusStopped RunStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s RunStatus) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Done reports whether s is a terminal run result.
func (s RunStatus) Done() bool {
	return s == StatusSucceeded || s == StatusFailed
}
