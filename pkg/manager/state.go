package manager

import "fmt"

// State is the connection/security state of a connection record.
type State uint8

const (
	StateIdle State = iota
	StateDisconnected
	StateConnected
	StatePairing
	StatePairingFailed
	StatePaired
	StateEncrypting
	StateEncryptionFailed
	StateEncryptionCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StatePairing:
		return "pairing"
	case StatePairingFailed:
		return "pairing-failed"
	case StatePaired:
		return "paired"
	case StateEncrypting:
		return "encrypting"
	case StateEncryptionFailed:
		return "encryption-failed"
	case StateEncryptionCompleted:
		return "encryption-completed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Live reports whether the state belongs to an established link.
func (s State) Live() bool {
	return s != StateIdle && s != StateDisconnected
}

var transitions = map[State][]State{
	StateIdle:                {StateConnected},
	StateDisconnected:        {StateConnected, StateIdle},
	StateConnected:           {StatePairing, StateEncrypting, StatePaired, StateIdle},
	StatePairing:             {StatePaired, StatePairingFailed, StateEncrypting, StateIdle},
	StatePairingFailed:       {StateEncrypting, StateIdle},
	StatePaired:              {StateEncrypting, StateDisconnected, StateIdle},
	StateEncrypting:          {StateConnected, StateEncryptionCompleted, StateEncryptionFailed, StateIdle},
	StateEncryptionFailed:    {StateEncrypting, StateIdle},
	StateEncryptionCompleted: {StateEncrypting, StateDisconnected, StateIdle},
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
