// Package discovery implements local-network peer discovery for the
// companion network.
//
// The service periodically broadcasts a presence announcement and listens
// for announcements from other instances. Sightings carry no trust: the
// advertised public key is unverified until a handshake completes.
// Discovery never raises a fatal error; transport failures degrade to "no
// new sightings" and the loop keeps retrying with exponential backoff.
package discovery
