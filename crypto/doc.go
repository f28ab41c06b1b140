// Package crypto implements the cryptographic identity primitives for the
// companion peer network.
//
// This package handles identity key generation, peer identifier derivation,
// nonce generation, and secure memory wiping using the NaCl cryptography
// primitives through Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Peer ID:", crypto.PeerIDFromPublicKey(keys.Public))
package crypto
