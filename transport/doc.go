// Package transport implements the network transport layer for the
// companion peer network.
//
// This package handles packet framing, the abstract local-network transport
// interface (unicast send, presence broadcast, handler dispatch), a UDP
// implementation, and an in-memory implementation used by tests.
//
// Example:
//
//	tr, err := transport.NewUDPTransport(":8888")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tr.RegisterHandler(transport.PacketAnnounce, func(p *transport.Packet, addr net.Addr) {
//	    // handle a presence announcement
//	})
package transport
