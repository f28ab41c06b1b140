package handshake

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/limits"
	"github.com/opd-ai/mjnet/telemetry"
	"github.com/opd-ai/mjnet/transport"
)

var (
	// ErrNotInitiator indicates the local peer must wait for the remote to
	// initiate (tie-break: the smaller peer ID initiates).
	ErrNotInitiator = errors.New("local peer is the responder for this pairing")
	// ErrHandshakeTimeout indicates the handshake did not complete in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrDenylisted indicates the remote identity is on the local denylist.
	ErrDenylisted = errors.New("peer is denylisted")
	// ErrIdentityMismatch indicates the authenticated static key does not
	// match the claimed peer identity.
	ErrIdentityMismatch = errors.New("authenticated key does not match claimed identity")
	// ErrNonceReplayed indicates a handshake nonce was reused within the
	// replay window.
	ErrNonceReplayed = errors.New("handshake nonce replayed")
	// ErrCapacityRejected indicates the remote peer refused the handshake
	// because it is at its peer cap. Retryable later.
	ErrCapacityRejected = errors.New("remote peer at capacity")
	// ErrAttemptInFlight indicates a handshake with this peer is already
	// running.
	ErrAttemptInFlight = errors.New("handshake already in flight")
)

// Role defines whether we initiated or responded to a handshake.
type Role uint8

const (
	// Initiator starts the handshake (the lexicographically smaller ID).
	Initiator Role = iota
	// Responder answers a handshake initiation.
	Responder
)

// Stages of the XX handshake as carried on the wire.
const (
	stageInit     uint8 = 1
	stageResponse uint8 = 2
	stageAck      uint8 = 3
)

// identityPayload rides encrypted inside the Noise handshake messages that
// carry a static key, binding the claimed peer identity and a fresh nonce
// to the authenticated key.
type identityPayload struct {
	PeerID string `cbor:"1,keyasint"`
	UserID string `cbor:"2,keyasint"`
	Nonce  []byte `cbor:"3,keyasint"`
}

// Result describes a completed handshake: the authenticated remote
// identity and the per-session cipher states. Cipher states are unique per
// session and never reused across handshakes.
type Result struct {
	PeerID       string
	UserID       string
	RemoteStatic []byte
	SendCipher   *noise.CipherState
	RecvCipher   *noise.CipherState
	Role         Role
	Addr         net.Addr
}

// Config holds the handshake manager's parameters.
type Config struct {
	LocalID      string
	LocalUserID  string
	KeyPair      *crypto.KeyPair
	Timeout      time.Duration
	ReplayWindow time.Duration
}

// AdmitFunc decides whether an inbound handshake may begin. The facade
// wires this to the peer registry, which enforces the peer-count cap and
// rejection cooldowns. An error wrapping ErrCapacityRejected produces an
// explicit wire-level capacity rejection so the initiator can retry later;
// any other error refuses the attempt without a wire response.
type AdmitFunc func(peerID string) error

// SuccessFunc receives completed handshakes.
type SuccessFunc func(result *Result)

// FailureFunc receives failed or refused handshake attempts.
type FailureFunc func(peerID string, reason error)

// attempt tracks one in-flight handshake.
type attempt struct {
	peerID  string
	userID  string
	role    Role
	state   *noise.HandshakeState
	addr    net.Addr
	timer   *time.Timer
	started time.Time

	// claimed marks the attempt's next stage as being processed, so a
	// duplicated or replayed frame cannot touch the Noise state twice.
	claimed bool
	// rejectToken is sent in the clear with message 1; a capacity reject
	// must echo it to be accepted.
	rejectToken []byte
	// privKey is the working copy of the identity key handed to the Noise
	// state; wiped when the attempt ends.
	privKey []byte
}

// Manager drives handshakes over a transport. One attempt per peer at a
// time; a failure leaves the decision to retry with the caller.
type Manager struct {
	cfg      Config
	tr       transport.Transport
	admit    AdmitFunc
	replay   *replayGuard
	mu       sync.Mutex
	attempts map[string]*attempt
	denylist map[string]bool

	onSuccess SuccessFunc
	onFailure FailureFunc
}

// NewManager creates a handshake manager and registers its packet handlers
// on the transport.
func NewManager(cfg Config, tr transport.Transport, admit AdmitFunc) (*Manager, error) {
	if cfg.KeyPair == nil {
		return nil, errors.New("identity key pair is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	if admit == nil {
		admit = func(string) error { return nil }
	}

	m := &Manager{
		cfg:      cfg,
		tr:       tr,
		admit:    admit,
		replay:   newReplayGuard(cfg.ReplayWindow),
		attempts: make(map[string]*attempt),
		denylist: make(map[string]bool),
	}

	tr.RegisterHandler(transport.PacketHandshake, m.handlePacket)
	tr.RegisterHandler(transport.PacketCapacityReject, m.handleCapacityReject)

	return m, nil
}

// OnSuccess sets the completion callback.
func (m *Manager) OnSuccess(callback SuccessFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSuccess = callback
}

// OnFailure sets the failure callback.
func (m *Manager) OnFailure(callback FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = callback
}

// Block adds a peer identity fingerprint to the denylist.
func (m *Manager) Block(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denylist[peerID] = true
}

// Unblock removes a peer identity from the denylist.
func (m *Manager) Unblock(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.denylist, peerID)
}

// ShouldInitiate reports whether the local peer is the initiator for the
// given remote peer under the deterministic tie-break.
func (m *Manager) ShouldInitiate(peerID string) bool {
	return m.cfg.LocalID < peerID
}

// newNoiseState builds an XX handshake state for the given role. The
// returned slice is the working copy of the private key; the caller must
// wipe it when the attempt ends.
func (m *Manager) newNoiseState(role Role) (*noise.HandshakeState, []byte, error) {
	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, m.cfg.KeyPair.Private[:])
	copy(staticKey.Public, m.cfg.KeyPair.Public[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return state, staticKey.Private, nil
}

// identityBytes builds the local identity payload with a fresh nonce.
func (m *Manager) identityBytes() ([]byte, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}

	payload := identityPayload{
		PeerID: m.cfg.LocalID,
		UserID: m.cfg.LocalUserID,
		Nonce:  nonce[:],
	}
	data, err := cbor.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity payload: %w", err)
	}
	return data, nil
}

// Initiate starts a handshake with a discovered peer. The caller must have
// moved the peer into Authenticating first; the tie-break is enforced here
// so two racing peers converge on a single handshake.
func (m *Manager) Initiate(peerID string, addr net.Addr) error {
	if !m.ShouldInitiate(peerID) {
		return ErrNotInitiator
	}

	m.mu.Lock()
	if m.denylist[peerID] {
		m.mu.Unlock()
		return ErrDenylisted
	}
	if _, inFlight := m.attempts[peerID]; inFlight {
		m.mu.Unlock()
		return ErrAttemptInFlight
	}

	state, privKey, err := m.newNoiseState(Initiator)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	token, err := crypto.GenerateNonce()
	if err != nil {
		m.mu.Unlock()
		crypto.ZeroBytes(privKey)
		return err
	}

	// XX message 1 carries the cleartext reject token; identity goes in
	// message 3, after the channel is keyed. The token binds any capacity
	// rejection to this attempt so an off-path host cannot forge one.
	message, _, _, err := state.WriteMessage(nil, token[:])
	if err != nil {
		m.mu.Unlock()
		crypto.ZeroBytes(privKey)
		return fmt.Errorf("initiator write failed: %w", err)
	}

	a := &attempt{
		peerID:      peerID,
		role:        Initiator,
		state:       state,
		addr:        addr,
		started:     time.Now(),
		rejectToken: token[:],
		privKey:     privKey,
	}
	a.timer = time.AfterFunc(m.cfg.Timeout, func() { m.expire(peerID) })
	m.attempts[peerID] = a
	m.mu.Unlock()

	if err := m.sendStage(peerID, addr, stageInit, message); err != nil {
		m.abort(peerID, err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Initiate",
		"peer_id":  crypto.ShortID(peerID),
		"addr":     addr.String(),
	}).Info("Handshake initiated")

	return nil
}

// sendStage frames and sends one handshake stage.
func (m *Manager) sendStage(peerID string, addr net.Addr, stage uint8, message []byte) error {
	if err := limits.ValidateHandshakeMessage(message); err != nil {
		return err
	}

	frame := &transport.HandshakeFrame{
		SenderID: m.cfg.LocalID,
		Stage:    stage,
		Message:  message,
	}
	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	return m.tr.Send(&transport.Packet{
		PacketType: transport.PacketHandshake,
		Data:       data,
	}, addr)
}

// handlePacket dispatches an inbound handshake frame by stage. All
// failures are contained to the offending attempt; nothing propagates to
// other peers.
func (m *Manager) handlePacket(packet *transport.Packet, addr net.Addr) {
	frame, err := transport.ParseHandshakeFrame(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"addr":     addr.String(),
			"error":    err,
		}).Debug("Dropping malformed handshake frame")
		return
	}

	switch frame.Stage {
	case stageInit:
		m.handleInit(frame, addr)
	case stageResponse:
		m.handleResponse(frame, addr)
	case stageAck:
		m.handleAck(frame, addr)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"stage":    frame.Stage,
			"peer_id":  crypto.ShortID(frame.SenderID),
		}).Debug("Dropping handshake frame with unknown stage")
	}
}

// handleInit processes XX message 1 as responder.
func (m *Manager) handleInit(frame *transport.HandshakeFrame, addr net.Addr) {
	peerID := frame.SenderID

	// Tie-break: only the smaller ID initiates. An init from a larger ID
	// is the losing side of a race (or a misbehaving peer); drop it and
	// let our own initiation win.
	if !(peerID < m.cfg.LocalID) {
		logrus.WithFields(logrus.Fields{
			"function": "handleInit",
			"peer_id":  crypto.ShortID(peerID),
		}).Debug("Dropping handshake init from larger peer ID")
		return
	}

	m.mu.Lock()
	denied := m.denylist[peerID]
	m.mu.Unlock()
	if denied {
		m.fail(peerID, ErrDenylisted)
		return
	}

	state, privKey, err := m.newNoiseState(Responder)
	if err != nil {
		m.fail(peerID, err)
		return
	}

	token, _, _, err := state.ReadMessage(nil, frame.Message)
	if err != nil {
		crypto.ZeroBytes(privKey)
		m.fail(peerID, fmt.Errorf("responder read failed: %w", err))
		return
	}

	// Admission enforces the peer cap and cooldown. Only over-capacity is
	// an explicit wire-level rejection (echoing the initiator's token so
	// it cannot be forged); other refusals stay silent.
	if err := m.admit(peerID); err != nil {
		if errors.Is(err, ErrCapacityRejected) {
			m.sendCapacityReject(peerID, addr, err, token)
		}
		crypto.ZeroBytes(privKey)
		m.fail(peerID, err)
		return
	}

	identity, err := m.identityBytes()
	if err != nil {
		crypto.ZeroBytes(privKey)
		m.fail(peerID, err)
		return
	}

	message, _, _, err := state.WriteMessage(nil, identity)
	if err != nil {
		crypto.ZeroBytes(privKey)
		m.fail(peerID, fmt.Errorf("responder write failed: %w", err))
		return
	}

	m.mu.Lock()
	if existing, ok := m.attempts[peerID]; ok {
		// A repeated init supersedes the prior attempt.
		existing.timer.Stop()
		crypto.ZeroBytes(existing.privKey)
	}
	a := &attempt{
		peerID:  peerID,
		role:    Responder,
		state:   state,
		addr:    addr,
		started: time.Now(),
		privKey: privKey,
	}
	a.timer = time.AfterFunc(m.cfg.Timeout, func() { m.expire(peerID) })
	m.attempts[peerID] = a
	m.mu.Unlock()

	if err := m.sendStage(peerID, addr, stageResponse, message); err != nil {
		m.abort(peerID, err)
	}
}

// claim atomically takes ownership of an attempt's remaining stage. Each
// role processes exactly one inbound stage after the attempt exists, so a
// duplicated or replayed frame finds the attempt already claimed and is
// dropped without touching the Noise state again.
func (m *Manager) claim(peerID string, role Role) *attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[peerID]
	if !ok || a.role != role || a.claimed {
		return nil
	}
	a.claimed = true
	return a
}

// handleResponse processes XX message 2 as initiator: authenticate the
// responder, then send the final acknowledgment.
func (m *Manager) handleResponse(frame *transport.HandshakeFrame, addr net.Addr) {
	peerID := frame.SenderID

	a := m.claim(peerID, Initiator)
	if a == nil {
		return
	}

	payload, _, _, err := a.state.ReadMessage(nil, frame.Message)
	if err != nil {
		m.abort(peerID, fmt.Errorf("initiator read failed: %w", err))
		return
	}

	remote, err := m.verifyIdentity(a.state, peerID, payload)
	if err != nil {
		m.abort(peerID, err)
		return
	}
	a.userID = remote.UserID

	identity, err := m.identityBytes()
	if err != nil {
		m.abort(peerID, err)
		return
	}

	message, sendCipher, recvCipher, err := a.state.WriteMessage(nil, identity)
	if err != nil {
		m.abort(peerID, fmt.Errorf("initiator ack write failed: %w", err))
		return
	}

	if err := m.sendStage(peerID, addr, stageAck, message); err != nil {
		m.abort(peerID, err)
		return
	}

	m.complete(a, sendCipher, recvCipher, addr)
}

// handleAck processes XX message 3 as responder: authenticate the
// initiator and complete.
func (m *Manager) handleAck(frame *transport.HandshakeFrame, addr net.Addr) {
	peerID := frame.SenderID

	a := m.claim(peerID, Responder)
	if a == nil {
		return
	}

	// Both sides get the cipher pair in initiator order, so the responder
	// swaps: the first state decrypts the initiator's traffic, the second
	// encrypts ours.
	payload, recvCipher, sendCipher, err := a.state.ReadMessage(nil, frame.Message)
	if err != nil {
		m.abort(peerID, fmt.Errorf("responder ack read failed: %w", err))
		return
	}

	remote, err := m.verifyIdentity(a.state, peerID, payload)
	if err != nil {
		m.abort(peerID, err)
		return
	}
	a.userID = remote.UserID

	m.complete(a, sendCipher, recvCipher, addr)
}

// verifyIdentity checks that the peer's authenticated static key matches
// both its claimed sender ID and the identity payload, and that the
// payload nonce is fresh. This is where the untrusted advertised key
// becomes trusted or the attempt dies.
func (m *Manager) verifyIdentity(state *noise.HandshakeState, peerID string, payload []byte) (*identityPayload, error) {
	remoteStatic := state.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("%w: missing remote static key", ErrIdentityMismatch)
	}

	var staticKey [32]byte
	copy(staticKey[:], remoteStatic)
	derivedID := crypto.PeerIDFromPublicKey(staticKey)
	if derivedID != peerID {
		return nil, fmt.Errorf("%w: claimed %s, proved %s",
			ErrIdentityMismatch, crypto.ShortID(peerID), crypto.ShortID(derivedID))
	}

	var identity identityPayload
	if err := cbor.Unmarshal(payload, &identity); err != nil {
		return nil, fmt.Errorf("malformed identity payload: %w", err)
	}
	if identity.PeerID != peerID {
		return nil, fmt.Errorf("%w: payload claims %s", ErrIdentityMismatch, crypto.ShortID(identity.PeerID))
	}
	if len(identity.Nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrIdentityMismatch, len(identity.Nonce))
	}
	if !m.replay.Check(peerID, identity.Nonce) {
		return nil, ErrNonceReplayed
	}

	return &identity, nil
}

// complete finalizes a successful attempt and hands the result up.
func (m *Manager) complete(a *attempt, sendCipher, recvCipher *noise.CipherState, addr net.Addr) {
	m.mu.Lock()
	a.timer.Stop()
	delete(m.attempts, a.peerID)
	crypto.ZeroBytes(a.privKey)
	callback := m.onSuccess
	m.mu.Unlock()

	result := &Result{
		PeerID:       a.peerID,
		UserID:       a.userID,
		RemoteStatic: a.state.PeerStatic(),
		SendCipher:   sendCipher,
		RecvCipher:   recvCipher,
		Role:         a.role,
		Addr:         addr,
	}

	telemetry.HandshakeDuration.Observe(time.Since(a.started).Seconds())

	logrus.WithFields(logrus.Fields{
		"function": "complete",
		"peer_id":  crypto.ShortID(a.peerID),
		"role":     a.role,
	}).Info("Handshake completed")

	if callback != nil {
		callback(result)
	}
}

// sendCapacityReject tells an initiator we cannot accept its handshake,
// echoing the token it sent with message 1 so it can tell the rejection is
// genuine.
func (m *Manager) sendCapacityReject(peerID string, addr net.Addr, reason error, token []byte) {
	reject := &transport.CapacityReject{
		SenderID: m.cfg.LocalID,
		Reason:   reason.Error(),
		Token:    token,
	}
	data, err := reject.Marshal()
	if err != nil {
		return
	}

	_ = m.tr.Send(&transport.Packet{
		PacketType: transport.PacketCapacityReject,
		Data:       data,
	}, addr)
}

// handleCapacityReject surfaces a remote capacity refusal to the failure
// callback so the peer can be retried later. A rejection is honored only if
// it echoes the token of an in-flight attempt we initiated; anything else
// is spoofable and dropped.
func (m *Manager) handleCapacityReject(packet *transport.Packet, addr net.Addr) {
	reject, err := transport.ParseCapacityReject(packet.Data)
	if err != nil {
		return
	}

	m.mu.Lock()
	a, ok := m.attempts[reject.SenderID]
	valid := ok && a.role == Initiator && len(a.rejectToken) > 0 &&
		bytes.Equal(a.rejectToken, reject.Token)
	m.mu.Unlock()

	if !valid {
		logrus.WithFields(logrus.Fields{
			"function": "handleCapacityReject",
			"peer_id":  crypto.ShortID(reject.SenderID),
			"addr":     addr.String(),
		}).Debug("Dropping capacity reject with no matching attempt")
		return
	}

	m.abort(reject.SenderID, fmt.Errorf("%w: %s", ErrCapacityRejected, reject.Reason))
}

// expire times out an attempt that never completed.
func (m *Manager) expire(peerID string) {
	m.mu.Lock()
	_, ok := m.attempts[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.abort(peerID, ErrHandshakeTimeout)
}

// abort removes an in-flight attempt and reports the failure.
func (m *Manager) abort(peerID string, reason error) {
	m.mu.Lock()
	if a, ok := m.attempts[peerID]; ok {
		a.timer.Stop()
		delete(m.attempts, peerID)
		crypto.ZeroBytes(a.privKey)
	}
	m.mu.Unlock()

	m.fail(peerID, reason)
}

// fail reports a failure without touching attempt state.
func (m *Manager) fail(peerID string, reason error) {
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"peer_id":  crypto.ShortID(peerID),
		"reason":   reason,
	}).Warn("Handshake failed")

	m.mu.Lock()
	callback := m.onFailure
	m.mu.Unlock()

	if callback != nil {
		callback(peerID, reason)
	}
}
