package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/limits"
)

// UDPTransport implements Transport over a UDP socket. Discovery broadcasts
// go to the IPv4 broadcast address on the configured discovery port; all
// other traffic is unicast.
type UDPTransport struct {
	conn          net.PacketConn
	listenAddr    net.Addr
	broadcastAddr net.Addr
	handlers      map[PacketType]PacketHandler
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewUDPTransport creates a UDP transport listening on listenAddr.
// discoveryPort is the port presence broadcasts are sent to.
func NewUDPTransport(listenAddr string, discoveryPort int) (Transport, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		broadcastAddr: &net.UDPAddr{
			IP:   net.IPv4bcast,
			Port: discoveryPort,
		},
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function":       "NewUDPTransport",
		"listen_addr":    t.listenAddr.String(),
		"discovery_port": discoveryPort,
	}).Info("UDP transport started")

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Broadcast sends a packet to the local-network broadcast address.
func (t *UDPTransport) Broadcast(packet *Packet) error {
	return t.Send(packet, t.broadcastAddr)
}

// LocalAddr returns the address this transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()

	buffer := make([]byte, limits.MaxProcessingBuffer)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	// Read deadline keeps the loop responsive to cancellation.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"addr":     addr.String(),
			"error":    err,
		}).Debug("Dropping malformed packet")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

// dispatchPacketToHandler finds and executes the handler for a packet type.
// Unrecognized packet types are dropped and logged, never fatal.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.PacketType,
			"addr":        addr.String(),
		}).Debug("Dropping packet with no registered handler")
		return
	}

	handler(packet, addr)
}
