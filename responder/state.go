package responder

// State is the responder lifecycle position.
type State uint8

const (
	StateIdle State = iota
	// StateDeferred: no sensor fix has arrived yet, advertising is on hold.
	StateDeferred
	StateAdvertising
	StateClientConnected
	StateChallengeIssued
	StateAwaitingPayload
	StateValidated
	StateRejected
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateDeferred:        "deferred",
	StateAdvertising:     "advertising",
	StateClientConnected: "client_connected",
	StateChallengeIssued: "challenge_issued",
	StateAwaitingPayload: "awaiting_payload",
	StateValidated:       "validated",
	StateRejected:        "rejected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}
