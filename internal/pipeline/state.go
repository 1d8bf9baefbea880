package pipeline

// State is a Driver's position in its run lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePatching
	StatePersisting
	StateDisposed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateLoading:    "loading",
	StatePatching:   "patching",
	StatePersisting: "persisting",
	StateDisposed:   "disposed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
