package workflow

// State names one stage of a chat's lifecycle.
type State string

const (
	StateNew      State = "NEW"
	StateReplied  State = "REPLIED"
	StateQuoted   State = "QUOTED"
	StateFollowed State = "FOLLOWED"
	StateOrdered  State = "ORDERED"
	StateClosed   State = "CLOSED"
	StateManual   State = "MANUAL"
)

// allowedTransitions is the full transition table. CLOSED is terminal.
var allowedTransitions = map[State][]State{
	StateNew:      {StateReplied, StateQuoted, StateManual, StateClosed},
	StateReplied:  {StateQuoted, StateFollowed, StateOrdered, StateManual, StateClosed},
	StateQuoted:   {StateFollowed, StateOrdered, StateManual, StateClosed},
	StateFollowed: {StateOrdered, StateManual, StateClosed},
	StateOrdered:  {StateClosed, StateManual},
	StateClosed:   {},
	StateManual:   {StateReplied, StateQuoted, StateFollowed, StateOrdered, StateClosed},
}

// ValidState reports whether s is a known state name.
func ValidState(s State) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
