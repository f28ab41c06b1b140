package handshake

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/transport"
)

// testPeer bundles one side of a handshake for tests.
type testPeer struct {
	id      string
	manager *Manager
	tr      *transport.PipeTransport
	success chan *Result
	failure chan error
}

func newTestPeer(t *testing.T, network *transport.PipeNetwork, name string, admit AdmitFunc) *testPeer {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	id := crypto.PeerIDFromPublicKey(keys.Public)
	tr := network.Attach(name)

	m, err := NewManager(Config{
		LocalID:     id,
		LocalUserID: "user-" + name,
		KeyPair:     keys,
		Timeout:     2 * time.Second,
	}, tr, admit)
	require.NoError(t, err)

	p := &testPeer{
		id:      id,
		manager: m,
		tr:      tr,
		success: make(chan *Result, 4),
		failure: make(chan error, 4),
	}
	m.OnSuccess(func(result *Result) { p.success <- result })
	m.OnFailure(func(peerID string, reason error) { p.failure <- reason })
	return p
}

// orderPeers returns (initiator, responder) under the tie-break rule.
func orderPeers(a, b *testPeer) (*testPeer, *testPeer) {
	if a.id < b.id {
		return a, b
	}
	return b, a
}

func TestHandshakeCompletes(t *testing.T) {
	network := transport.NewPipeNetwork()
	alice, bob := orderPeers(
		newTestPeer(t, network, "a", nil),
		newTestPeer(t, network, "b", nil),
	)

	require.NoError(t, alice.manager.Initiate(bob.id, bob.tr.LocalAddr()))

	var aliceResult, bobResult *Result
	select {
	case aliceResult = <-alice.success:
	case err := <-alice.failure:
		t.Fatalf("initiator handshake failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("initiator handshake did not complete")
	}
	select {
	case bobResult = <-bob.success:
	case err := <-bob.failure:
		t.Fatalf("responder handshake failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("responder handshake did not complete")
	}

	assert.Equal(t, bob.id, aliceResult.PeerID)
	assert.Equal(t, alice.id, bobResult.PeerID)
	assert.Equal(t, Initiator, aliceResult.Role)
	assert.Equal(t, Responder, bobResult.Role)
	assert.Equal(t, "user-"+nameOf(alice, "a", "b"), bobResult.UserID)

	// Both directions round-trip through the derived cipher states: the
	// responder must pair its ciphers opposite to the initiator's.
	sealed, err := aliceResult.SendCipher.Encrypt(nil, nil, []byte("from initiator"))
	require.NoError(t, err)
	opened, err := bobResult.RecvCipher.Decrypt(nil, nil, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("from initiator"), opened)

	sealed, err = bobResult.SendCipher.Encrypt(nil, nil, []byte("from responder"))
	require.NoError(t, err)
	opened, err = aliceResult.RecvCipher.Decrypt(nil, nil, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("from responder"), opened)
}

// nameOf maps the ordered peer back to its attachment name.
func nameOf(p *testPeer, aName, bName string) string {
	if p.tr.LocalAddr().String() == aName {
		return aName
	}
	return bName
}

// Two peers attempting to initiate simultaneously must converge on exactly
// one handshake, with the lexicographically smaller ID as initiator.
func TestSimultaneousInitiationConverges(t *testing.T) {
	network := transport.NewPipeNetwork()
	alice, bob := orderPeers(
		newTestPeer(t, network, "a", nil),
		newTestPeer(t, network, "b", nil),
	)

	errAlice := alice.manager.Initiate(bob.id, bob.tr.LocalAddr())
	errBob := bob.manager.Initiate(alice.id, alice.tr.LocalAddr())

	// The larger ID must be refused locally by the tie-break.
	assert.NoError(t, errAlice)
	assert.ErrorIs(t, errBob, ErrNotInitiator)

	var aliceResult, bobResult *Result
	select {
	case aliceResult = <-alice.success:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake did not converge for initiator")
	}
	select {
	case bobResult = <-bob.success:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake did not converge for responder")
	}

	assert.Equal(t, Initiator, aliceResult.Role)
	assert.Equal(t, Responder, bobResult.Role)

	// Exactly one session each, never two.
	select {
	case extra := <-alice.success:
		t.Fatalf("initiator produced a second handshake result: %+v", extra)
	case extra := <-bob.success:
		t.Fatalf("responder produced a second handshake result: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCapacityRejection(t *testing.T) {
	network := transport.NewPipeNetwork()

	overCap := fmt.Errorf("%w: 16 peers live", ErrCapacityRejected)
	var alice, bob *testPeer
	alice, bob = orderPeers(
		newTestPeer(t, network, "a", func(string) error { return overCap }),
		newTestPeer(t, network, "b", func(string) error { return overCap }),
	)

	require.NoError(t, alice.manager.Initiate(bob.id, bob.tr.LocalAddr()))

	// The responder refuses with an explicit capacity outcome...
	select {
	case err := <-bob.failure:
		assert.ErrorContains(t, err, "capacity")
	case <-time.After(3 * time.Second):
		t.Fatal("responder never refused the handshake")
	}

	// ...and the initiator learns it was a capacity rejection, retryable.
	select {
	case err := <-alice.failure:
		assert.ErrorIs(t, err, ErrCapacityRejected)
	case <-alice.success:
		t.Fatal("handshake unexpectedly succeeded")
	case <-time.After(3 * time.Second):
		t.Fatal("initiator never saw the capacity rejection")
	}
}

func TestDenylistedPeerRefused(t *testing.T) {
	network := transport.NewPipeNetwork()
	alice, bob := orderPeers(
		newTestPeer(t, network, "a", nil),
		newTestPeer(t, network, "b", nil),
	)

	bob.manager.Block(alice.id)

	require.NoError(t, alice.manager.Initiate(bob.id, bob.tr.LocalAddr()))

	select {
	case err := <-bob.failure:
		assert.ErrorIs(t, err, ErrDenylisted)
	case <-bob.success:
		t.Fatal("denylisted peer completed a handshake")
	case <-time.After(3 * time.Second):
		t.Fatal("denylisted handshake was not refused")
	}
}

func TestInitiateToDenylistedPeer(t *testing.T) {
	network := transport.NewPipeNetwork()
	alice, bob := orderPeers(
		newTestPeer(t, network, "a", nil),
		newTestPeer(t, network, "b", nil),
	)

	alice.manager.Block(bob.id)
	err := alice.manager.Initiate(bob.id, bob.tr.LocalAddr())
	assert.ErrorIs(t, err, ErrDenylisted)
}

func TestHandshakeTimeout(t *testing.T) {
	network := transport.NewPipeNetwork()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id := crypto.PeerIDFromPublicKey(keys.Public)

	tr := network.Attach("lonely")
	m, err := NewManager(Config{
		LocalID:     id,
		LocalUserID: "user-lonely",
		KeyPair:     keys,
		Timeout:     100 * time.Millisecond,
	}, tr, nil)
	require.NoError(t, err)

	failure := make(chan error, 1)
	m.OnFailure(func(peerID string, reason error) { failure <- reason })

	// A peer ID larger than ours that will never answer. Hex IDs sort
	// after anything starting with 'f'... use a max-value key.
	var silentKey [32]byte
	for i := range silentKey {
		silentKey[i] = 0xff
	}
	silentID := crypto.PeerIDFromPublicKey(silentKey)
	require.True(t, id < silentID)

	ghost := network.Attach("ghost") // attached but no handlers
	defer ghost.Close()

	require.NoError(t, m.Initiate(silentID, ghost.LocalAddr()))

	select {
	case reason := <-failure:
		assert.ErrorIs(t, reason, ErrHandshakeTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never timed out")
	}
}

func TestDuplicateInitiateRefused(t *testing.T) {
	network := transport.NewPipeNetwork()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id := crypto.PeerIDFromPublicKey(keys.Public)

	tr := network.Attach("local")
	m, err := NewManager(Config{
		LocalID:     id,
		LocalUserID: "user-local",
		KeyPair:     keys,
		Timeout:     5 * time.Second,
	}, tr, nil)
	require.NoError(t, err)

	var silentKey [32]byte
	for i := range silentKey {
		silentKey[i] = 0xff
	}
	silentID := crypto.PeerIDFromPublicKey(silentKey)
	require.True(t, id < silentID)

	ghost := network.Attach("ghost") // attached but no handlers
	defer ghost.Close()

	require.NoError(t, m.Initiate(silentID, ghost.LocalAddr()))
	err = m.Initiate(silentID, ghost.LocalAddr())
	assert.ErrorIs(t, err, ErrAttemptInFlight)
}

// A capacity rejection that does not echo the token from our first
// handshake message is forgeable by anyone on the network and must not
// kill the attempt.
func TestForgedCapacityRejectIgnored(t *testing.T) {
	network := transport.NewPipeNetwork()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id := crypto.PeerIDFromPublicKey(keys.Public)

	tr := network.Attach("local")
	m, err := NewManager(Config{
		LocalID:     id,
		LocalUserID: "user-local",
		KeyPair:     keys,
		Timeout:     5 * time.Second,
	}, tr, nil)
	require.NoError(t, err)

	failure := make(chan error, 1)
	m.OnFailure(func(peerID string, reason error) { failure <- reason })

	var silentKey [32]byte
	for i := range silentKey {
		silentKey[i] = 0xff
	}
	silentID := crypto.PeerIDFromPublicKey(silentKey)
	require.True(t, id < silentID)

	ghost := network.Attach("ghost") // attached but no handlers
	defer ghost.Close()

	require.NoError(t, m.Initiate(silentID, ghost.LocalAddr()))

	// Forge a rejection in the silent peer's name with no token.
	reject := &transport.CapacityReject{
		SenderID: silentID,
		Reason:   "at capacity",
	}
	data, err := reject.Marshal()
	require.NoError(t, err)
	require.NoError(t, ghost.Send(&transport.Packet{
		PacketType: transport.PacketCapacityReject,
		Data:       data,
	}, tr.LocalAddr()))

	select {
	case reason := <-failure:
		t.Fatalf("forged rejection aborted the attempt: %v", reason)
	case <-time.After(300 * time.Millisecond):
	}

	// The attempt is still in flight.
	err = m.Initiate(silentID, ghost.LocalAddr())
	assert.ErrorIs(t, err, ErrAttemptInFlight)
}

// A retransmitted or duplicated frame must not reach the Noise state a
// second time while the first copy is being processed.
func TestDuplicateStageFrameDropped(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id := crypto.PeerIDFromPublicKey(keys.Public)

	network := transport.NewPipeNetwork()
	m, err := NewManager(Config{
		LocalID:     id,
		LocalUserID: "user-local",
		KeyPair:     keys,
		Timeout:     5 * time.Second,
	}, network.Attach("local"), nil)
	require.NoError(t, err)

	m.mu.Lock()
	m.attempts["remote"] = &attempt{
		peerID: "remote",
		role:   Initiator,
		timer:  time.AfterFunc(time.Hour, func() {}),
	}
	m.mu.Unlock()

	assert.Nil(t, m.claim("remote", Responder), "wrong role claimed the attempt")
	require.NotNil(t, m.claim("remote", Initiator))
	assert.Nil(t, m.claim("remote", Initiator), "duplicate frame claimed the attempt")
	assert.Nil(t, m.claim("unknown", Initiator))
}

func TestReplayGuard(t *testing.T) {
	guard := newReplayGuard(time.Minute)

	nonce := []byte("nonce-one")
	assert.True(t, guard.Check("peer-a", nonce))
	assert.False(t, guard.Check("peer-a", nonce), "replayed nonce accepted")

	// Same nonce from a different peer is a distinct attempt.
	assert.True(t, guard.Check("peer-b", nonce))
}

func TestReplayGuardExpiry(t *testing.T) {
	guard := newReplayGuard(10 * time.Millisecond)

	nonce := []byte("nonce-two")
	assert.True(t, guard.Check("peer-a", nonce))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, guard.Check("peer-a", nonce), "expired nonce still rejected")
}
