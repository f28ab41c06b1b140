// Package mjnet implements a peer-to-peer network for AI companion
// instances on a shared local network.
//
// Nodes discover each other over UDP broadcast, authenticate mutually with
// a Noise XX handshake, and exchange relationship-filtered context updates
// over per-peer encrypted sessions. What a peer may see is decided by the
// local user's relationship to the remote user; the filter is fail-closed
// and sits on every outbound send.
//
// Basic usage:
//
//	opts, err := mjnet.LoadOptionsFromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//	node, err := mjnet.New(opts, relationships, contexts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	node.OnContextReceived(func(peerID string, snapshot filter.Snapshot) {
//		// feed the companion's awareness of nearby friends
//	})
//	if err := node.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer node.Stop()
package mjnet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/discovery"
	"github.com/opd-ai/mjnet/filter"
	"github.com/opd-ai/mjnet/handshake"
	"github.com/opd-ai/mjnet/peer"
	"github.com/opd-ai/mjnet/session"
	"github.com/opd-ai/mjnet/telemetry"
	"github.com/opd-ai/mjnet/transport"
)

// RelationshipProvider resolves the local user's relationship toward a
// remote user. Errors and unknown users degrade to the stranger default
// downstream; they never block communication.
type RelationshipProvider interface {
	Relationship(ctx context.Context, remoteUserID string) (filter.Relationship, error)
}

// ContextProvider supplies the local companion's current context snapshot.
type ContextProvider interface {
	ContextSnapshot(ctx context.Context) (filter.Snapshot, error)
}

// PeerActiveCallback fires when a handshake completes and a session opens.
type PeerActiveCallback func(peerID, userID string)

// PeerClosedCallback fires when a session is torn down.
type PeerClosedCallback func(peerID, reason string)

// ContextReceivedCallback fires with a peer's already-filtered context.
type ContextReceivedCallback func(peerID string, snapshot filter.Snapshot)

// PeerStatusCallback fires with a peer's mode/status broadcast.
type PeerStatusCallback func(peerID, status string)

// event is one callback delivery, drained by the dispatch goroutine so a
// slow consumer can never block session or handshake goroutines.
type event struct {
	kind     eventKind
	peerID   string
	userID   string
	reason   string
	status   string
	snapshot filter.Snapshot
}

type eventKind uint8

const (
	eventPeerActive eventKind = iota
	eventPeerClosed
	eventContextReceived
	eventPeerStatus
)

// Network is one node on the companion network.
type Network struct {
	opts    *Options
	keys    *crypto.KeyPair
	localID string

	tr           transport.Transport
	ownTransport bool

	registry   *peer.Registry
	disco      *discovery.Service
	handshaker *handshake.Manager
	sessions   *session.Manager

	relationships RelationshipProvider
	contexts      ContextProvider

	callbackMu sync.RWMutex
	onActive   PeerActiveCallback
	onClosed   PeerClosedCallback
	onContext  ContextReceivedCallback
	onStatus   PeerStatusCallback

	events chan event

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Network from options. The relationship and context
// providers may be nil: a nil relationship provider treats every peer as a
// stranger, and a nil context provider shares nothing.
func New(options *Options, relationships RelationshipProvider, contexts ContextProvider) (*Network, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	keys, err := identityKeys(options)
	if err != nil {
		return nil, err
	}
	localID := crypto.PeerIDFromPublicKey(keys.Public)

	tr := options.Transport
	ownTransport := false
	if tr == nil {
		tr, err = transport.NewUDPTransport(fmt.Sprintf(":%d", options.DiscoveryPort), options.DiscoveryPort)
		if err != nil {
			return nil, fmt.Errorf("failed to open transport: %w", err)
		}
		ownTransport = true
	}

	n := &Network{
		opts:          options,
		keys:          keys,
		localID:       localID,
		tr:            tr,
		ownTransport:  ownTransport,
		relationships: relationships,
		contexts:      contexts,
		events:        make(chan event, 256),
	}

	n.registry = peer.NewRegistry(peer.Config{
		MaxPeers:          options.MaxPeers,
		SilencePeriod:     options.SilenceEviction,
		RejectionCooldown: options.RejectionCooldown,
	})

	n.handshaker, err = handshake.NewManager(handshake.Config{
		LocalID:     localID,
		LocalUserID: options.UserID,
		KeyPair:     keys,
		Timeout:     options.HandshakeTimeout,
	}, tr, n.admitPeer)
	if err != nil {
		if ownTransport {
			tr.Close()
		}
		return nil, err
	}
	n.handshaker.OnSuccess(n.handshakeSucceeded)
	n.handshaker.OnFailure(n.handshakeFailed)

	n.sessions = session.NewManager(session.Config{
		LocalID:           localID,
		HeartbeatInterval: options.HeartbeatInterval,
		DegradedGrace:     options.DegradedGrace,
		ContextInterval:   options.ContextInterval,
	}, tr, n.snapshotFunc(), n.relationshipFunc())
	n.sessions.OnContextReceived(n.contextReceived)
	n.sessions.OnStatusReceived(n.statusReceived)
	n.sessions.OnDegraded(n.sessionDegraded)
	n.sessions.OnRecovered(n.sessionRecovered)
	n.sessions.OnClosed(n.sessionClosed)

	n.disco = discovery.NewService(discovery.Config{
		LocalID:          localID,
		LocalUserID:      options.UserID,
		PublicKey:        keys.Public,
		Port:             options.DiscoveryPort,
		AnnounceInterval: options.HeartbeatInterval,
	}, tr, n.handleSighting)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  crypto.ShortID(localID),
		"user_id":  options.UserID,
	}).Info("Node created")

	return n, nil
}

func identityKeys(options *Options) (*crypto.KeyPair, error) {
	if options.SecretKey != nil {
		keys, err := crypto.FromSecretKey(*options.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("invalid identity key: %w", err)
		}
		return keys, nil
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return keys, nil
}

// SelfID returns the node's peer ID.
func (n *Network) SelfID() string { return n.localID }

// SelfUserID returns the local user identifier this node represents.
func (n *Network) SelfUserID() string { return n.opts.UserID }

// Peers returns a point-in-time copy of every tracked peer.
func (n *Network) Peers() []peer.Peer { return n.registry.Snapshot() }

// OnPeerActive sets the callback for newly authenticated peers.
func (n *Network) OnPeerActive(callback PeerActiveCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onActive = callback
}

// OnPeerClosed sets the callback for session teardowns.
func (n *Network) OnPeerClosed(callback PeerClosedCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onClosed = callback
}

// OnContextReceived sets the callback for inbound context updates. The
// snapshot was filtered by the sender; it arrives as opaque shared state.
func (n *Network) OnContextReceived(callback ContextReceivedCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onContext = callback
}

// OnPeerStatus sets the callback for peer mode/status broadcasts.
func (n *Network) OnPeerStatus(callback PeerStatusCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onStatus = callback
}

// Start brings the node online: event dispatch, registry eviction, and the
// discovery announce loop.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("network already started")
	}
	n.started = true

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})

	go n.dispatchEvents(ctx)
	go n.registry.Run(ctx)
	go func() {
		defer close(n.done)
		n.disco.Run(ctx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"peer_id":  crypto.ShortID(n.localID),
		"port":     n.opts.DiscoveryPort,
	}).Info("Node started")
	return nil
}

// Stop takes the node offline: sessions closed, loops cancelled, transport
// released if this node opened it.
func (n *Network) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	cancel := n.cancel
	done := n.done
	n.mu.Unlock()

	n.sessions.CloseAll("node shutdown")
	cancel()
	<-done

	if n.ownTransport {
		if err := n.tr.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stop",
				"error":    err,
			}).Warn("Transport close failed")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"peer_id":  crypto.ShortID(n.localID),
	}).Info("Node stopped")
}

// BlockPeer refuses all future handshakes from a peer, tears down any live
// session with it, and forgets its registry record.
func (n *Network) BlockPeer(peerID string) {
	n.handshaker.Block(peerID)
	n.sessions.Close(peerID, "peer blocked")
	n.registry.Remove(peerID)
	n.updatePeerGauge()
}

// UnblockPeer removes a peer from the denylist.
func (n *Network) UnblockPeer(peerID string) {
	n.handshaker.Unblock(peerID)
}

// BroadcastStatus announces the local companion's mode to all live peers.
func (n *Network) BroadcastStatus(status string) {
	n.sessions.BroadcastStatus(status)
}

// handleSighting processes one discovery sighting: record the peer, then
// initiate a handshake if the tie-break puts this node on the initiating
// side and the registry admits the attempt.
func (n *Network) handleSighting(s discovery.Sighting) {
	// The advertised key must actually derive the advertised ID; a
	// mismatch is a spoofed announce.
	if crypto.PeerIDFromPublicKey(s.PublicKey) != s.PeerID {
		logrus.WithFields(logrus.Fields{
			"function": "handleSighting",
			"peer_id":  crypto.ShortID(s.PeerID),
		}).Warn("Dropping announce whose key does not match its peer ID")
		return
	}

	n.registry.Sighting(s.PeerID, s.UserID, s.PublicKey, s.Addr)
	n.updatePeerGauge()

	if !n.handshaker.ShouldInitiate(s.PeerID) {
		return
	}

	// A degraded session with live announces usually means the peer
	// restarted and lost its session state. Tear the stale session down so
	// a fresh handshake can be admitted. Active peers announce too, so
	// only degraded ones are superseded here.
	if p, err := n.registry.Get(s.PeerID); err == nil && p.State == peer.StateDegraded {
		n.sessions.Close(s.PeerID, "stale session replaced after peer restart")
	}

	// BeginHandshake is the single admission gate: it refuses peers that
	// are already live, in cooldown, or over the capacity cap.
	if err := n.registry.BeginHandshake(s.PeerID); err != nil {
		return
	}

	if err := n.handshaker.Initiate(s.PeerID, s.Addr); err != nil {
		if errors.Is(err, handshake.ErrAttemptInFlight) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleSighting",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Warn("Failed to initiate handshake")
		if terr := n.registry.Transition(s.PeerID, peer.StateRejected); terr != nil {
			logrus.WithField("error", terr).Debug("Rollback transition failed")
		}
	}
}

// admitPeer is the responder-side admission check, run before any key
// agreement work.
func (n *Network) admitPeer(peerID string) error {
	publicKey, err := crypto.PublicKeyFromPeerID(peerID)
	if err != nil {
		return err
	}
	// A handshake can arrive before we ever saw an announce; record the
	// peer so the registry can gate it.
	n.registry.Sighting(peerID, "", publicKey, nil)

	// A fresh handshake from a peer we consider live means it restarted;
	// its stale session is torn down so the new attempt can be admitted.
	if p, err := n.registry.Get(peerID); err == nil &&
		(p.State == peer.StateActive || p.State == peer.StateDegraded) {
		n.sessions.Close(peerID, "stale session replaced after peer restart")
	}

	if err := n.registry.BeginHandshake(peerID); err != nil {
		if errors.Is(err, peer.ErrCapacityExceeded) {
			// Over-capacity gets an explicit wire rejection so the
			// initiator can retry later; other refusals stay silent.
			return fmt.Errorf("%w: %s", handshake.ErrCapacityRejected, err)
		}
		return err
	}
	return nil
}

func (n *Network) handshakeSucceeded(result *handshake.Result) {
	publicKey, err := crypto.PublicKeyFromPeerID(result.PeerID)
	if err == nil {
		n.registry.Sighting(result.PeerID, result.UserID, publicKey, result.Addr)
	}
	if err := n.registry.Transition(result.PeerID, peer.StateActive); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handshakeSucceeded",
			"peer_id":  crypto.ShortID(result.PeerID),
			"error":    err,
		}).Warn("Could not mark peer active")
	}

	n.sessions.Create(result)
	telemetry.HandshakesTotal.WithLabelValues("success").Inc()
	n.updatePeerGauge()

	n.emit(event{kind: eventPeerActive, peerID: result.PeerID, userID: result.UserID})
}

func (n *Network) handshakeFailed(peerID string, reason error) {
	outcome := "rejected"
	switch {
	case errors.Is(reason, handshake.ErrHandshakeTimeout):
		outcome = "timeout"
	case errors.Is(reason, handshake.ErrCapacityRejected):
		outcome = "capacity"
	case errors.Is(reason, handshake.ErrDenylisted):
		outcome = "denylisted"
	}
	telemetry.HandshakesTotal.WithLabelValues(outcome).Inc()

	logrus.WithFields(logrus.Fields{
		"function": "handshakeFailed",
		"peer_id":  crypto.ShortID(peerID),
		"reason":   reason,
	}).Info("Handshake failed")

	if err := n.registry.Transition(peerID, peer.StateRejected); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handshakeFailed",
			"peer_id":  crypto.ShortID(peerID),
			"error":    err,
		}).Debug("Rejection transition not applied")
	}
	n.updatePeerGauge()
}

func (n *Network) sessionDegraded(peerID string) {
	if err := n.registry.Transition(peerID, peer.StateDegraded); err == nil {
		n.updatePeerGauge()
	}
}

func (n *Network) sessionRecovered(peerID string) {
	if err := n.registry.Transition(peerID, peer.StateActive); err == nil {
		n.updatePeerGauge()
	}
}

func (n *Network) sessionClosed(peerID, reason string) {
	if reason == session.ReasonSuperseded {
		// The replacing session is already up and the peer is Active;
		// transitioning the registry here would tear the fresh state down.
		return
	}

	// Closing releases the capacity slot immediately; the registry keeps
	// the Closed record for dedup until silence eviction.
	if err := n.registry.Transition(peerID, peer.StateClosed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sessionClosed",
			"peer_id":  crypto.ShortID(peerID),
			"error":    err,
		}).Debug("Close transition not applied")
	}
	n.updatePeerGauge()
	n.emit(event{kind: eventPeerClosed, peerID: peerID, reason: reason})
}

func (n *Network) contextReceived(peerID string, snapshot filter.Snapshot) {
	n.emit(event{kind: eventContextReceived, peerID: peerID, snapshot: snapshot})
}

func (n *Network) statusReceived(peerID, status string) {
	n.emit(event{kind: eventPeerStatus, peerID: peerID, status: status})
}

// snapshotFunc adapts the context provider for the session layer.
func (n *Network) snapshotFunc() session.SnapshotFunc {
	if n.contexts == nil {
		return nil
	}
	return func(ctx context.Context) (filter.Snapshot, error) {
		return n.contexts.ContextSnapshot(ctx)
	}
}

// relationshipFunc adapts the relationship provider for the session layer.
func (n *Network) relationshipFunc() session.RelationshipFunc {
	if n.relationships == nil {
		return nil
	}
	return func(ctx context.Context, remoteUserID string) (filter.Relationship, error) {
		return n.relationships.Relationship(ctx, remoteUserID)
	}
}

// emit queues an event for the dispatch goroutine. A full queue drops the
// event rather than blocking protocol goroutines.
func (n *Network) emit(ev event) {
	select {
	case n.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"peer_id":  crypto.ShortID(ev.peerID),
			"kind":     ev.kind,
		}).Warn("Event queue full, dropping event")
	}
}

func (n *Network) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.deliver(ev)
		}
	}
}

func (n *Network) deliver(ev event) {
	n.callbackMu.RLock()
	onActive := n.onActive
	onClosed := n.onClosed
	onContext := n.onContext
	onStatus := n.onStatus
	n.callbackMu.RUnlock()

	switch ev.kind {
	case eventPeerActive:
		if onActive != nil {
			onActive(ev.peerID, ev.userID)
		}
	case eventPeerClosed:
		if onClosed != nil {
			onClosed(ev.peerID, ev.reason)
		}
	case eventContextReceived:
		if onContext != nil {
			onContext(ev.peerID, ev.snapshot)
		}
	case eventPeerStatus:
		if onStatus != nil {
			onStatus(ev.peerID, ev.status)
		}
	}
}

// updatePeerGauge recomputes the per-state peer gauge from the registry.
func (n *Network) updatePeerGauge() {
	counts := make(map[string]int)
	for _, p := range n.registry.Snapshot() {
		counts[p.State.String()]++
	}
	telemetry.PeersKnown.Reset()
	for state, count := range counts {
		telemetry.PeersKnown.WithLabelValues(state).Set(float64(count))
	}
}
