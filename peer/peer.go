package peer

import (
	"net"
	"time"
)

// State represents the lifecycle state of a peer.
type State uint8

const (
	// StateDiscovered means the peer was sighted but no session exists.
	StateDiscovered State = iota
	// StateAuthenticating means a handshake is in flight.
	StateAuthenticating
	// StateActive means an authenticated session is established.
	StateActive
	// StateDegraded means heartbeats are being missed but the session has
	// not been declared dead yet.
	StateDegraded
	// StateClosed means the session was torn down; the record lingers for
	// reconnection dedup until the silence eviction period passes.
	StateClosed
	// StateRejected means authentication failed; a cooldown applies before
	// another handshake attempt is permitted.
	StateRejected
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// validTransitions encodes the lifecycle state machine. A new handshake on a
// Closed or Rejected peer restarts at Authenticating.
var validTransitions = map[State][]State{
	StateDiscovered:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateActive, StateRejected, StateClosed},
	StateActive:         {StateDegraded, StateClosed},
	StateDegraded:       {StateActive, StateClosed},
	StateClosed:         {StateAuthenticating},
	StateRejected:       {StateAuthenticating},
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Peer represents a remote companion instance known to the local node.
// Addresses are not identity: a sighting may move a peer to a new address,
// but its ID (derived from its public key) never changes.
type Peer struct {
	ID            string
	Addr          net.Addr
	UserID        string
	PublicKey     [32]byte
	State         State
	LastSeen      time.Time
	CooldownUntil time.Time
}

// InCooldown reports whether the peer is still inside its post-rejection
// cooldown window at the given time.
func (p *Peer) InCooldown(now time.Time) bool {
	return p.State == StateRejected && now.Before(p.CooldownUntil)
}
