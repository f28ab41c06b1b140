// Package filter implements the relationship-based sharing policy engine.
//
// The engine decides which context categories about the local user may
// cross the trust boundary to a given peer, based on the declared
// relationship between the two users. It is pure, stateless, and
// fail-closed: a category is shared only when the policy explicitly allows
// it, and anything unrecognized is denied by default.
package filter
