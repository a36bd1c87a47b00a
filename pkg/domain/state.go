package domain

// AggregateState is the lifecycle state shared by all aggregate types.
// Each write-model enforces its own allowed transitions over these states;
// commands attempting a disallowed transition fail with a precondition
// error.
type AggregateState int

const (
	// StateUnspecified means the aggregate has no events yet.
	StateUnspecified AggregateState = iota

	// StateActive is the normal operating state.
	StateActive

	// StateInactive means the aggregate is deactivated but recoverable.
	StateInactive

	// StateRemoved is terminal. No further commands are accepted.
	StateRemoved
)

// Exists reports whether the aggregate has been created and not removed.
func (s AggregateState) Exists() bool {
	return s == StateActive || s == StateInactive
}

func (s AggregateState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateRemoved:
		return "removed"
	default:
		return "unspecified"
	}
}
