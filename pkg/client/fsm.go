package client

// State is the connectivity state of the transport manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedPrimary
	StateConnectedFallback
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedPrimary:
		return "connected-primary"
	case StateConnectedFallback:
		return "connected-fallback"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type fsmEvent int

const (
	evConnect fsmEvent = iota
	evPrimaryUp
	evFallbackUp
	evTransportLost
	evBudgetExhausted
	evRetry
	evClose
)

// transition is the only place connectivity state changes. Events that make
// no sense in the current state leave it untouched.
func transition(s State, ev fsmEvent) State {
	switch ev {
	case evConnect:
		if s == StateDisconnected || s == StateFailed {
			return StateConnecting
		}
	case evPrimaryUp:
		if s == StateConnecting || s == StateReconnecting {
			return StateConnectedPrimary
		}
	case evFallbackUp:
		if s == StateConnecting || s == StateReconnecting {
			return StateConnectedFallback
		}
	case evTransportLost:
		if s == StateConnectedPrimary || s == StateConnectedFallback || s == StateConnecting {
			return StateReconnecting
		}
	case evBudgetExhausted:
		if s == StateConnecting || s == StateReconnecting {
			return StateFailed
		}
	case evRetry:
		if s == StateFailed {
			return StateConnecting
		}
	case evClose:
		return StateDisconnected
	}
	return s
}
