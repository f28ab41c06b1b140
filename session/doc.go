// Package session implements the authenticated message-exchange channel to
// a peer.
//
// Each Active peer owns exactly one Session: heartbeats in both
// directions, monotonic sequence numbers with duplicate/replay drop, an
// outbound queue that survives degraded connectivity, and the mandatory
// relationship-filter step on every outgoing context update. A slow or
// dead peer never blocks other sessions; each session runs on its own
// goroutine and is torn down by cancelling its context.
package session
