package initiator

// State is the initiator engine's connection lifecycle state.
type State uint8

const (
	// StateIdle: engine constructed, Run not yet scanning.
	StateIdle State = iota
	// StateScanning: passively scanning for responder beacons.
	StateScanning
	// StatePeerIdentified: a whitelisted responder was observed; scanning stopped.
	StatePeerIdentified
	// StateConnecting: connect issued, waiting for the radio.
	StateConnecting
	// StateServiceDiscovered: session service resolved; challenge read issued.
	StateServiceDiscovered
	// StateChallengeReceived: responder nonce in hand; payload being built.
	StateChallengeReceived
	// StateSending: payload write issued.
	StateSending
	// StateAwaitingConfirmation: waiting for the write confirmation.
	StateAwaitingConfirmation
	// StateDisconnected: session over; cooldown before rescanning.
	StateDisconnected
)

var stateNames = map[State]string{
	StateIdle:                 "idle",
	StateScanning:             "scanning",
	StatePeerIdentified:       "peer_identified",
	StateConnecting:           "connecting",
	StateServiceDiscovered:    "service_discovered",
	StateChallengeReceived:    "challenge_received",
	StateSending:              "sending",
	StateAwaitingConfirmation: "awaiting_confirmation",
	StateDisconnected:         "disconnected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}
