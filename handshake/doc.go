// Package handshake implements mutual authentication and session-key
// establishment between companion peers.
//
// The handshake runs the Noise XX pattern, which authenticates both static
// identity keys without either side trusting the key advertised during
// discovery: the advertised key is only believed once it matches the key
// proven inside the handshake. Initiation races are avoided
// deterministically, the lexicographically smaller peer ID initiates and
// the larger responds, so two peers sighting each other simultaneously
// converge on exactly one handshake.
package handshake
