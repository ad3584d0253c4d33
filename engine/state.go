package engine

// PeerState is the per-peer position in the connection state machine.
type PeerState int

const (
	StateIdle PeerState = iota
	StateDiscovering
	StateConnected
	StateExchanging
)

// String returns a readable state name.
func (s PeerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateExchanging:
		return "exchanging"
	default:
		return "unknown"
	}
}
