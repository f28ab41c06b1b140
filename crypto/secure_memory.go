package crypto

// ZeroBytes overwrites the given byte slice with zeros. Used to wipe private
// key material from memory once it has been copied into a handshake state.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
