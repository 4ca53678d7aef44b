package crawler

// State is a step of the crawl state machine.
type State int32

const (
	StateNotStarted State = iota
	StateSessionAcquired
	StateLoginChecked
	StateLoggingIn
	StateReady
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateSessionAcquired:
		return "session_acquired"
	case StateLoginChecked:
		return "login_checked"
	case StateLoggingIn:
		return "logging_in"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
