// Package peer implements the peer directory for the companion network.
//
// This package owns the Peer record, its lifecycle state machine
// (Discovered, Authenticating, Active, Degraded, Closed, Rejected), and the
// Registry: the single shared directory of known peers, guarded by one lock
// so no component ever observes a partially updated peer.
package peer
