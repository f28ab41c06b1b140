package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeParse(t *testing.T) {
	packet := &Packet{
		PacketType: PacketAnnounce,
		Data:       []byte("hello"),
	}

	data, err := packet.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, packet.PacketType, parsed.PacketType)
	assert.Equal(t, packet.Data, parsed.Data)
}

func TestPacketSerializeNilData(t *testing.T) {
	packet := &Packet{PacketType: PacketHandshake}
	_, err := packet.Serialize()
	assert.Error(t, err)
}

func TestParsePacketTooShort(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope := &Envelope{
		Type:     EnvelopeContextUpdate,
		SenderID: "abcd1234",
		Sequence: 42,
		Payload:  []byte{0xa0},
	}

	data, err := envelope.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, envelope.Type, parsed.Type)
	assert.Equal(t, envelope.SenderID, parsed.SenderID)
	assert.Equal(t, envelope.Sequence, parsed.Sequence)
}

func TestParseEnvelopeGarbage(t *testing.T) {
	_, err := ParseEnvelope([]byte{0xff, 0x00, 0x01})
	assert.Error(t, err)
}

func TestAnnounceRoundTrip(t *testing.T) {
	announce := &Announce{
		PeerID:    "deadbeef",
		UserID:    "user-1",
		PublicKey: make([]byte, 32),
		Port:      8888,
	}

	data, err := announce.Marshal()
	require.NoError(t, err)

	parsed, err := ParseAnnounce(data)
	require.NoError(t, err)
	assert.Equal(t, announce.PeerID, parsed.PeerID)
	assert.Equal(t, announce.Port, parsed.Port)
}

func TestPipeTransportSend(t *testing.T) {
	network := NewPipeNetwork()
	alice := network.Attach("alice")
	bob := network.Attach("bob")
	defer alice.Close()
	defer bob.Close()

	received := make(chan *Packet, 1)
	bob.RegisterHandler(PacketAnnounce, func(p *Packet, addr net.Addr) {
		received <- p
	})

	err := alice.Send(&Packet{PacketType: PacketAnnounce, Data: []byte("hi")}, bob.LocalAddr())
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, []byte("hi"), p.Data)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestPipeTransportBroadcast(t *testing.T) {
	network := NewPipeNetwork()
	alice := network.Attach("alice")
	bob := network.Attach("bob")
	carol := network.Attach("carol")
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	handler := func(p *Packet, addr net.Addr) { wg.Done() }
	bob.RegisterHandler(PacketAnnounce, handler)
	carol.RegisterHandler(PacketAnnounce, handler)

	// Sender must not receive its own broadcast.
	alice.RegisterHandler(PacketAnnounce, func(p *Packet, addr net.Addr) {
		t.Error("sender received its own broadcast")
	})

	err := alice.Broadcast(&Packet{PacketType: PacketAnnounce, Data: []byte("presence")})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered to all endpoints")
	}
}

// Packets sent to one endpoint are handled one at a time in send order,
// matching how a UDP read loop dispatches. Handlers relying on this must
// never see two packets concurrently.
func TestPipeTransportDeliversInOrder(t *testing.T) {
	network := NewPipeNetwork()
	alice := network.Attach("alice")
	bob := network.Attach("bob")
	defer alice.Close()
	defer bob.Close()

	const total = 50
	got := make(chan byte, total)
	var inHandler int32
	bob.RegisterHandler(PacketAnnounce, func(p *Packet, addr net.Addr) {
		if atomic.AddInt32(&inHandler, 1) != 1 {
			t.Error("handler entered concurrently")
		}
		got <- p.Data[0]
		atomic.AddInt32(&inHandler, -1)
	})

	for i := 0; i < total; i++ {
		err := alice.Send(&Packet{PacketType: PacketAnnounce, Data: []byte{byte(i)}}, bob.LocalAddr())
		require.NoError(t, err)
	}

	for i := 0; i < total; i++ {
		select {
		case b := <-got:
			assert.Equal(t, byte(i), b)
		case <-time.After(time.Second):
			t.Fatalf("packet %d not delivered", i)
		}
	}
}

func TestUDPTransportSendReceive(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan *Packet, 1)
	b.RegisterHandler(PacketSessionMessage, func(p *Packet, addr net.Addr) {
		received <- p
	})

	err = a.Send(&Packet{PacketType: PacketSessionMessage, Data: []byte("frame")}, b.LocalAddr())
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, []byte("frame"), p.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not received over UDP")
	}
}
