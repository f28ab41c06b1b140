package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// PipeNetwork is an in-memory transport fabric for tests and simulations.
// Every attached PipeTransport can unicast to any other by address and
// broadcast to all others, with no real sockets involved.
type PipeNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*PipeTransport
}

// NewPipeNetwork creates an empty in-memory network.
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{
		endpoints: make(map[string]*PipeTransport),
	}
}

// pipeAddr is a synthetic net.Addr for in-memory endpoints.
type pipeAddr struct {
	name string
}

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.name }

// inboxSize bounds how many undelivered packets an endpoint may hold, like
// a socket receive buffer. Packets beyond it are dropped.
const inboxSize = 256

// inbound is one packet queued for delivery.
type inbound struct {
	packet *Packet
	from   net.Addr
}

// PipeTransport is one endpoint on a PipeNetwork. Inbound packets are
// delivered one at a time in arrival order by a single pump goroutine, the
// way a UDP read loop dispatches, so handlers never see two frames from
// the same sender concurrently.
type PipeTransport struct {
	network  *PipeNetwork
	addr     pipeAddr
	handlers map[PacketType]PacketHandler
	inbox    chan inbound
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
}

// Attach creates a new endpoint with the given address name.
func (n *PipeNetwork) Attach(name string) *PipeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &PipeTransport{
		network:  n,
		addr:     pipeAddr{name: name},
		handlers: make(map[PacketType]PacketHandler),
		inbox:    make(chan inbound, inboxSize),
		done:     make(chan struct{}),
	}
	n.endpoints[name] = t
	go t.pump()
	return t
}

// RegisterHandler registers a handler for a specific packet type.
func (t *PipeTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send delivers a packet to the endpoint named by addr.
func (t *PipeTransport) Send(packet *Packet, addr net.Addr) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.New("transport closed")
	}

	t.network.mu.RLock()
	target, ok := t.network.endpoints[addr.String()]
	t.network.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no endpoint at %s", addr.String())
	}

	// Serialize and reparse so tests exercise the same framing as UDP.
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	parsed, err := ParsePacket(data)
	if err != nil {
		return err
	}

	target.enqueue(parsed, t.addr)
	return nil
}

// Broadcast delivers a packet to every other endpoint on the network.
func (t *PipeTransport) Broadcast(packet *Packet) error {
	t.network.mu.RLock()
	targets := make([]*PipeTransport, 0, len(t.network.endpoints))
	for name, ep := range t.network.endpoints {
		if name == t.addr.name {
			continue
		}
		targets = append(targets, ep)
	}
	t.network.mu.RUnlock()

	for _, target := range targets {
		if err := t.Send(packet, target.addr); err != nil {
			return err
		}
	}
	return nil
}

// LocalAddr returns the endpoint's synthetic address.
func (t *PipeTransport) LocalAddr() net.Addr {
	return t.addr
}

// Close detaches the endpoint from the network and stops its pump.
func (t *PipeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.network.mu.Lock()
	delete(t.network.endpoints, t.addr.name)
	t.network.mu.Unlock()
	return nil
}

// enqueue queues a packet for in-order delivery. A full inbox drops the
// packet, as a full socket buffer would.
func (t *PipeTransport) enqueue(packet *Packet, from net.Addr) {
	select {
	case t.inbox <- inbound{packet: packet, from: from}:
	case <-t.done:
	default:
	}
}

// pump dispatches queued packets to handlers one at a time.
func (t *PipeTransport) pump() {
	for {
		select {
		case <-t.done:
			return
		case in := <-t.inbox:
			t.deliver(in.packet, in.from)
		}
	}
}

func (t *PipeTransport) deliver(packet *Packet, from net.Addr) {
	t.mu.RLock()
	closed := t.closed
	handler, ok := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if closed || !ok {
		return
	}
	handler(packet, from)
}
