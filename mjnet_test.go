package mjnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/filter"
	"github.com/opd-ai/mjnet/peer"
	"github.com/opd-ai/mjnet/session"
	"github.com/opd-ai/mjnet/transport"
)

// staticRelationships answers every lookup with one fixed relationship.
type staticRelationships struct {
	rel filter.Relationship
}

func (s staticRelationships) Relationship(ctx context.Context, remoteUserID string) (filter.Relationship, error) {
	return s.rel, nil
}

// staticContext serves one fixed snapshot.
type staticContext struct {
	snap filter.Snapshot
}

func (s staticContext) ContextSnapshot(ctx context.Context) (filter.Snapshot, error) {
	return s.snap, nil
}

// newTestNode builds a node on the shared in-memory network with fast
// timers for test convergence.
func newTestNode(t *testing.T, network *transport.PipeNetwork, name, userID string, rel filter.Relationship, snap filter.Snapshot) *Network {
	t.Helper()

	opts := NewOptions()
	opts.UserID = userID
	opts.HeartbeatInterval = 50 * time.Millisecond
	opts.ContextInterval = 50 * time.Millisecond
	opts.DegradedGrace = time.Hour
	opts.Transport = network.Attach(name)

	node, err := New(opts, staticRelationships{rel: rel}, staticContext{snap: snap})
	require.NoError(t, err)
	return node
}

func TestTwoNodesDiscoverAuthenticateAndShare(t *testing.T) {
	network := transport.NewPipeNetwork()

	snapshot := filter.Snapshot{
		filter.CategoryGeneralMood:     "cheerful",
		filter.CategoryPrivateThoughts: "never leaves the node",
	}
	friend := filter.Relationship{Type: filter.RelationshipFriend}

	a := newTestNode(t, network, "node-a", "user-a", friend, snapshot)
	b := newTestNode(t, network, "node-b", "user-b", friend, snapshot)

	aActive := make(chan string, 4)
	bActive := make(chan string, 4)
	a.OnPeerActive(func(peerID, userID string) { aActive <- userID })
	b.OnPeerActive(func(peerID, userID string) { bActive <- userID })

	bContext := make(chan filter.Snapshot, 4)
	b.OnContextReceived(func(peerID string, snap filter.Snapshot) { bContext <- snap })

	bStatus := make(chan string, 4)
	b.OnPeerStatus(func(peerID, status string) { bStatus <- status })

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	// Discovery plus one handshake converge to an Active peer on each side.
	select {
	case userID := <-aActive:
		assert.Equal(t, "user-b", userID)
	case <-time.After(5 * time.Second):
		t.Fatal("node a never saw node b become active")
	}
	select {
	case userID := <-bActive:
		assert.Equal(t, "user-a", userID)
	case <-time.After(5 * time.Second):
		t.Fatal("node b never saw node a become active")
	}

	// Context updates arrive already filtered: friend-visible categories
	// only, the sensitive ones withheld at the sender.
	select {
	case snap := <-bContext:
		assert.Equal(t, "cheerful", snap[filter.CategoryGeneralMood])
		assert.NotContains(t, snap, filter.CategoryPrivateThoughts)
	case <-time.After(5 * time.Second):
		t.Fatal("node b never received a context update")
	}

	a.BroadcastStatus("focused")
	select {
	case status := <-bStatus:
		assert.Equal(t, "focused", status)
	case <-time.After(5 * time.Second):
		t.Fatal("node b never received the status broadcast")
	}
}

func TestCloseReleasesPeerAndNotifies(t *testing.T) {
	network := transport.NewPipeNetwork()

	a := newTestNode(t, network, "node-a", "user-a", filter.Stranger(), nil)
	b := newTestNode(t, network, "node-b", "user-b", filter.Stranger(), nil)

	aActive := make(chan string, 1)
	a.OnPeerActive(func(peerID, userID string) { aActive <- peerID })
	bClosed := make(chan string, 1)
	b.OnPeerClosed(func(peerID, reason string) { bClosed <- reason })

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	var peerID string
	select {
	case peerID = <-aActive:
	case <-time.After(5 * time.Second):
		t.Fatal("nodes never converged")
	}

	a.BlockPeer(peerID)

	select {
	case reason := <-bClosed:
		assert.Equal(t, session.ReasonRemoteClose, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("remote close never surfaced")
	}

	// The blocked peer's record moves out of the live states.
	assert.Eventually(t, func() bool {
		for _, p := range a.Peers() {
			if p.ID == peerID {
				return p.State == peer.StateClosed || p.State == peer.StateRejected
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

// A session superseded in place by a fresh handshake leaves the registry
// alone: the peer is already active again under the replacing session.
func TestSupersededCloseKeepsPeerActive(t *testing.T) {
	network := transport.NewPipeNetwork()
	node := newTestNode(t, network, "solo", "user-solo", filter.Stranger(), nil)

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerID := crypto.PeerIDFromPublicKey(keys.Public)

	node.registry.Sighting(peerID, "user-remote", keys.Public, nil)
	require.NoError(t, node.registry.BeginHandshake(peerID))
	require.NoError(t, node.registry.Transition(peerID, peer.StateActive))

	node.sessionClosed(peerID, session.ReasonSuperseded)
	p, err := node.registry.Get(peerID)
	require.NoError(t, err)
	assert.Equal(t, peer.StateActive, p.State)
	assert.Empty(t, node.events, "superseded close must not surface as peer_closed")

	node.sessionClosed(peerID, "local shutdown")
	p, err = node.registry.Get(peerID)
	require.NoError(t, err)
	assert.Equal(t, peer.StateClosed, p.State)
	assert.Len(t, node.events, 1)
}

// A peer that crashes and comes back with the same identity key must be
// able to re-establish a session, well before the stale session's grace
// period would have expired.
func TestRestartedPeerReestablishesSession(t *testing.T) {
	network := transport.NewPipeNetwork()

	keysA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	keysB, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	makeOpts := func(name, userID string, keys *crypto.KeyPair) *Options {
		opts := NewOptions()
		opts.UserID = userID
		opts.HeartbeatInterval = 50 * time.Millisecond
		opts.ContextInterval = 50 * time.Millisecond
		opts.DegradedGrace = time.Hour
		opts.SecretKey = &keys.Private
		opts.Transport = network.Attach(name)
		return opts
	}

	a, err := New(makeOpts("node-a", "user-a", keysA), nil, nil)
	require.NoError(t, err)
	bOpts := makeOpts("node-b", "user-b", keysB)
	bTr := bOpts.Transport
	b, err := New(bOpts, nil, nil)
	require.NoError(t, err)

	aActive := make(chan string, 4)
	a.OnPeerActive(func(peerID, userID string) { aActive <- peerID })

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()

	select {
	case <-aActive:
	case <-time.After(5 * time.Second):
		t.Fatal("nodes never converged")
	}

	// Simulate a crash: the transport dies first, so no close envelope
	// reaches the surviving node.
	require.NoError(t, bTr.Close())
	b.Stop()

	restarted, err := New(makeOpts("node-b-restarted", "user-b", keysB), nil, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	select {
	case peerID := <-aActive:
		assert.Equal(t, restarted.SelfID(), peerID)
	case <-time.After(4 * time.Second):
		t.Fatal("restarted peer never became active again")
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := NewOptions()
	opts.DiscoveryPort = 0

	_, err := New(opts, nil, nil)
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	network := transport.NewPipeNetwork()
	node := newTestNode(t, network, "solo", "user-solo", filter.Stranger(), nil)

	require.NoError(t, node.Start())
	defer node.Stop()

	assert.Error(t, node.Start())
}

func TestStopIsIdempotent(t *testing.T) {
	network := transport.NewPipeNetwork()
	node := newTestNode(t, network, "solo", "user-solo", filter.Stranger(), nil)

	require.NoError(t, node.Start())
	node.Stop()
	node.Stop()
}

func TestSelfIdentity(t *testing.T) {
	network := transport.NewPipeNetwork()
	node := newTestNode(t, network, "solo", "user-solo", filter.Stranger(), nil)

	assert.Len(t, node.SelfID(), 64)
	assert.Equal(t, "user-solo", node.SelfUserID())
}
