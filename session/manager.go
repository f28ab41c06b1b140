package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/filter"
	"github.com/opd-ai/mjnet/handshake"
	"github.com/opd-ai/mjnet/telemetry"
	"github.com/opd-ai/mjnet/transport"
)

// Close reasons with meaning beyond display. Callers watching the closed
// callback can compare against these; any other reason is free-form text.
const (
	// ReasonSuperseded marks a session replaced by a fresh handshake with
	// the same peer. The peer itself stays live.
	ReasonSuperseded = "superseded by new handshake"
	// ReasonRemoteClose marks a teardown announced by the remote side.
	ReasonRemoteClose = "closed by remote"
)

// Config holds the session manager's parameters.
type Config struct {
	LocalID           string
	HeartbeatInterval time.Duration
	DegradedGrace     time.Duration
	// ContextInterval is the cadence of outbound context-update cycles.
	ContextInterval time.Duration
	// RelationshipTTL bounds how long a cached relationship may serve
	// sends while the registry is reachable. Stale reads are tolerated
	// when the registry is down; stale writes never happen because the
	// cache is read-through only.
	RelationshipTTL time.Duration
	// ProviderTimeout bounds the context-snapshot fetch. A slow provider
	// skips the cycle rather than delaying the session.
	ProviderTimeout time.Duration
	QueueSize       int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DegradedGrace <= 0 {
		c.DegradedGrace = 60 * time.Second
	}
	if c.ContextInterval <= 0 {
		c.ContextInterval = c.HeartbeatInterval
	}
	if c.RelationshipTTL <= 0 {
		c.RelationshipTTL = 30 * time.Second
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
}

// RelationshipFunc supplies the current relationship toward a remote user.
// Failures and not-found map to stranger upstream of the filter.
type RelationshipFunc func(ctx context.Context, remoteUserID string) (filter.Relationship, error)

// SnapshotFunc supplies a fresh context snapshot for the local user.
type SnapshotFunc func(ctx context.Context) (filter.Snapshot, error)

// ContextReceivedFunc receives already-filtered context from a peer. The
// receiving side performs no additional filtering; the trust boundary is
// enforced at the sender.
type ContextReceivedFunc func(peerID string, snapshot filter.Snapshot)

// StatusReceivedFunc receives a peer's mode/status broadcast.
type StatusReceivedFunc func(peerID string, status string)

// StateChangeFunc receives degraded/recovered notifications.
type StateChangeFunc func(peerID string)

// ClosedFunc receives session teardown notifications.
type ClosedFunc func(peerID string, reason string)

// relCacheEntry is one cached relationship lookup.
type relCacheEntry struct {
	rel       filter.Relationship
	fetchedAt time.Time
}

// Manager owns all live sessions: at most one per peer ID, superseding on
// a repeated handshake, and routes inbound session frames.
type Manager struct {
	cfg Config
	tr  transport.Transport
	tp  TimeProvider

	snapshot     SnapshotFunc
	relationship RelationshipFunc

	mu       sync.Mutex
	sessions map[string]*Session
	relCache map[string]relCacheEntry

	onContext   ContextReceivedFunc
	onStatus    StatusReceivedFunc
	onDegraded  StateChangeFunc
	onRecovered StateChangeFunc
	onClosed    ClosedFunc
}

// NewManager creates a session manager and registers its frame handler.
func NewManager(cfg Config, tr transport.Transport, snapshot SnapshotFunc, relationship RelationshipFunc) *Manager {
	return NewManagerWithTimeProvider(cfg, tr, snapshot, relationship, defaultTimeProvider)
}

// NewManagerWithTimeProvider creates a session manager with a custom clock.
func NewManagerWithTimeProvider(cfg Config, tr transport.Transport, snapshot SnapshotFunc, relationship RelationshipFunc, tp TimeProvider) *Manager {
	cfg.applyDefaults()
	if tp == nil {
		tp = defaultTimeProvider
	}

	m := &Manager{
		cfg:          cfg,
		tr:           tr,
		tp:           tp,
		snapshot:     snapshot,
		relationship: relationship,
		sessions:     make(map[string]*Session),
		relCache:     make(map[string]relCacheEntry),
	}

	tr.RegisterHandler(transport.PacketSessionMessage, m.handleFrame)
	return m
}

// OnContextReceived sets the inbound context callback.
func (m *Manager) OnContextReceived(callback ContextReceivedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContext = callback
}

// OnStatusReceived sets the inbound status-broadcast callback.
func (m *Manager) OnStatusReceived(callback StatusReceivedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = callback
}

// OnDegraded sets the degraded-transition callback.
func (m *Manager) OnDegraded(callback StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDegraded = callback
}

// OnRecovered sets the recovered-transition callback.
func (m *Manager) OnRecovered(callback StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovered = callback
}

// OnClosed sets the teardown callback.
func (m *Manager) OnClosed(callback ClosedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = callback
}

// Create instantiates the session for a completed handshake. An existing
// session to the same peer is superseded and torn down first; there is
// never more than one live session per peer ID.
func (m *Manager) Create(result *handshake.Result) *Session {
	m.mu.Lock()
	if existing, ok := m.sessions[result.PeerID]; ok {
		delete(m.sessions, result.PeerID)
		m.mu.Unlock()
		existing.close()
		m.notifyClosed(result.PeerID, ReasonSuperseded)
		m.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		InstanceID:  newSessionID(),
		PeerID:      result.PeerID,
		UserID:      result.UserID,
		mgr:         m,
		addr:        result.Addr,
		sendCipher:  result.SendCipher,
		recvCipher:  result.RecvCipher,
		lastInbound: m.tp.Now(),
		outbound:    make(chan *transport.Envelope, m.cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.sessions[result.PeerID] = s
	m.mu.Unlock()

	go s.run()

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"peer_id":    crypto.ShortID(result.PeerID),
		"session_id": s.InstanceID,
	}).Info("Session established")

	return s
}

// Get returns the live session for a peer, if any.
func (m *Manager) Get(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// BroadcastStatus queues a mode/status announcement to every live session.
func (m *Manager) BroadcastStatus(status string) {
	payload, err := cbor.Marshal(&statusPayload{Status: status})
	if err != nil {
		return
	}

	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		if err := s.Enqueue(&transport.Envelope{
			Type:    transport.EnvelopeStatusBroadcast,
			Payload: payload,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "BroadcastStatus",
				"peer_id":  crypto.ShortID(s.PeerID),
				"error":    err,
			}).Debug("Status broadcast not queued")
		}
	}
}

// Close tears down the session to one peer: a best-effort close envelope,
// timer/loop cancellation, then the closed notification. Returns once the
// session goroutine has exited, so the caller can release the peer's
// capacity slot immediately after.
func (m *Manager) Close(peerID, reason string) {
	m.teardown(peerID, reason, true)
}

// closeRemote tears down a session the remote side already announced as
// closed, so no close envelope goes back.
func (m *Manager) closeRemote(peerID string) {
	m.teardown(peerID, ReasonRemoteClose, false)
}

func (m *Manager) teardown(peerID, reason string, sendClose bool) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if sendClose {
		s.transmit(&transport.Envelope{Type: transport.EnvelopeClose})
	}
	s.close()

	logrus.WithFields(logrus.Fields{
		"function": "teardown",
		"peer_id":  crypto.ShortID(peerID),
		"reason":   reason,
	}).Info("Session closed")

	m.notifyClosed(peerID, reason)
}

// CloseAll tears down every session, for process shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id, reason)
	}
}

// handleFrame routes one inbound session frame. Failures affect only the
// offending frame or session; other sessions and discovery are untouched.
func (m *Manager) handleFrame(packet *transport.Packet, addr net.Addr) {
	frame, err := transport.ParseSessionFrame(packet.Data)
	if err != nil {
		telemetry.SessionFramesTotal.WithLabelValues("malformed").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"addr":     addr.String(),
			"error":    err,
		}).Debug("Dropping malformed session frame")
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[frame.SenderID]
	m.mu.Unlock()
	if !ok {
		telemetry.SessionFramesTotal.WithLabelValues("unknown_session").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer_id":  crypto.ShortID(frame.SenderID),
		}).Debug("Dropping frame for unknown session")
		return
	}

	envelope, err := s.receive(frame)
	if err != nil {
		telemetry.SessionFramesTotal.WithLabelValues("rejected").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer_id":  crypto.ShortID(frame.SenderID),
			"error":    err,
		}).Warn("Rejecting inbound session frame")
		return
	}
	if envelope == nil {
		// Duplicate or replayed sequence number: dropped, not an error.
		telemetry.SessionFramesTotal.WithLabelValues("duplicate").Inc()
		return
	}
	telemetry.SessionFramesTotal.WithLabelValues("accepted").Inc()

	s.markInbound()
	m.dispatch(s, envelope)
}

// dispatch handles one validated envelope by type. Unrecognized types are
// dropped and logged, never fatal.
func (m *Manager) dispatch(s *Session, envelope *transport.Envelope) {
	switch envelope.Type {
	case transport.EnvelopePing:
		if err := s.Enqueue(&transport.Envelope{Type: transport.EnvelopePong}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"peer_id":  crypto.ShortID(s.PeerID),
			}).Debug("Pong not queued")
		}

	case transport.EnvelopePong:
		// Liveness already recorded by markInbound.

	case transport.EnvelopeContextUpdate:
		var snapshot filter.Snapshot
		if err := cbor.Unmarshal(envelope.Payload, &snapshot); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"peer_id":  crypto.ShortID(s.PeerID),
				"error":    err,
			}).Warn("Dropping malformed context update")
			return
		}
		m.mu.Lock()
		callback := m.onContext
		m.mu.Unlock()
		if callback != nil {
			callback(s.PeerID, snapshot)
		}

	case transport.EnvelopeStatusBroadcast:
		var status statusPayload
		if err := cbor.Unmarshal(envelope.Payload, &status); err != nil {
			return
		}
		m.mu.Lock()
		callback := m.onStatus
		m.mu.Unlock()
		if callback != nil {
			callback(s.PeerID, status.Status)
		}

	case transport.EnvelopeClose:
		m.closeRemote(s.PeerID)

	default:
		logrus.WithFields(logrus.Fields{
			"function":      "dispatch",
			"peer_id":       crypto.ShortID(s.PeerID),
			"envelope_type": envelope.Type,
		}).Debug("Dropping envelope with unrecognized type")
	}
}

// relationshipFor resolves the relationship toward a remote user through
// the short-TTL cache. A registry failure serves the stale cached value if
// one exists, otherwise the fail-closed stranger default.
func (m *Manager) relationshipFor(ctx context.Context, remoteUserID string) filter.Relationship {
	now := m.tp.Now()

	m.mu.Lock()
	entry, cached := m.relCache[remoteUserID]
	m.mu.Unlock()

	if cached && now.Sub(entry.fetchedAt) < m.cfg.RelationshipTTL {
		return entry.rel
	}

	if m.relationship == nil {
		return filter.Stranger()
	}

	rel, err := m.relationship(ctx, remoteUserID)
	if err != nil {
		if cached {
			// Stale-read tolerance: the registry being unreachable must
			// not freeze communication.
			return entry.rel
		}
		logrus.WithFields(logrus.Fields{
			"function":    "relationshipFor",
			"remote_user": remoteUserID,
			"error":       err,
		}).Warn("Relationship lookup failed, defaulting to stranger")
		return filter.Stranger()
	}

	m.mu.Lock()
	m.relCache[remoteUserID] = relCacheEntry{rel: rel, fetchedAt: now}
	m.mu.Unlock()

	return rel
}

// notifyDegraded forwards a degraded transition to the registered callback.
func (m *Manager) notifyDegraded(peerID string) {
	m.mu.Lock()
	callback := m.onDegraded
	m.mu.Unlock()
	if callback != nil {
		callback(peerID)
	}
}

// notifyRecovered forwards a recovery transition to the registered callback.
func (m *Manager) notifyRecovered(peerID string) {
	m.mu.Lock()
	callback := m.onRecovered
	m.mu.Unlock()
	if callback != nil {
		callback(peerID)
	}
}

// notifyClosed forwards a teardown to the registered callback.
func (m *Manager) notifyClosed(peerID, reason string) {
	m.mu.Lock()
	callback := m.onClosed
	m.mu.Unlock()
	if callback != nil {
		callback(peerID, reason)
	}
}
