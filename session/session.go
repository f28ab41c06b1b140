package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/filter"
	"github.com/opd-ai/mjnet/telemetry"
	"github.com/opd-ai/mjnet/transport"
)

// State represents the session's channel health.
type State uint8

const (
	// StateActive means heartbeats are flowing normally.
	StateActive State = iota
	// StateDegraded means heartbeats are being missed; outbound messages
	// are queued, not dropped, until the grace period expires.
	StateDegraded
	// StateClosed means the session is torn down.
	StateClosed
)

const (
	// missedHeartbeatLimit is how many consecutive missed intervals move a
	// session from Active to Degraded.
	missedHeartbeatLimit = 3
	// defaultPendingLimit bounds the degraded-mode queue. Overflow drops
	// the oldest entries first.
	defaultPendingLimit = 64
)

var (
	// ErrSessionClosed indicates an operation on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueFull indicates the outbound queue cannot accept more
	// messages right now.
	ErrQueueFull = errors.New("outbound queue full")
)

// Session is the live authenticated channel to one peer. All session-local
// state (sequence counters, heartbeat bookkeeping, pending queue) is owned
// by the session's run goroutine plus the locks below; nothing is shared
// across sessions.
type Session struct {
	// InstanceID distinguishes successive sessions to the same peer.
	InstanceID string
	PeerID     string
	UserID     string

	mgr  *Manager
	addr net.Addr

	sendMu     sync.Mutex
	sendCipher *noise.CipherState
	sendSeq    uint64

	recvMu       sync.Mutex
	recvCipher   *noise.CipherState
	lastAccepted uint64

	stateMu       sync.Mutex
	state         State
	lastInbound   time.Time
	missed        int
	degradedSince time.Time
	pending       []*transport.Envelope

	outbound chan *transport.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// statusPayload is the body of a mode/status broadcast envelope.
type statusPayload struct {
	Status string `cbor:"1,keyasint"`
}

// Enqueue queues an application envelope for delivery. Non-blocking: a
// full queue is reported, not waited on, so callers are never stalled by
// one slow peer.
func (s *Session) Enqueue(envelope *transport.Envelope) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- envelope:
		return nil
	default:
		return ErrQueueFull
	}
}

// State returns the session's current channel health.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// run owns the session's timers and queue until the context is cancelled.
func (s *Session) run() {
	defer close(s.done)

	heartbeat := time.NewTicker(s.mgr.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	contextTick := time.NewTicker(s.mgr.cfg.ContextInterval)
	defer contextTick.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heartbeat.C:
			s.heartbeatTick()
		case <-contextTick.C:
			s.contextTick()
		case envelope := <-s.outbound:
			s.deliver(envelope)
		}
	}
}

// heartbeatTick sends a ping and evaluates channel health. Missing
// heartbeats drive Active -> Degraded; an exhausted grace period drives
// Degraded -> Closed.
func (s *Session) heartbeatTick() {
	s.transmit(&transport.Envelope{Type: transport.EnvelopePing})

	now := s.mgr.tp.Now()
	interval := s.mgr.cfg.HeartbeatInterval

	s.stateMu.Lock()
	silent := now.Sub(s.lastInbound)
	missedIntervals := int(silent / interval)
	s.missed = missedIntervals

	var becameDegraded, graceExpired bool
	switch s.state {
	case StateActive:
		if missedIntervals >= missedHeartbeatLimit {
			s.state = StateDegraded
			s.degradedSince = now
			becameDegraded = true
		}
	case StateDegraded:
		if now.Sub(s.degradedSince) >= s.mgr.cfg.DegradedGrace {
			graceExpired = true
		}
	}
	s.stateMu.Unlock()

	if becameDegraded {
		logrus.WithFields(logrus.Fields{
			"function": "heartbeatTick",
			"peer_id":  crypto.ShortID(s.PeerID),
			"missed":   missedIntervals,
		}).Warn("Session degraded, queueing outbound messages")
		s.mgr.notifyDegraded(s.PeerID)
	}
	if graceExpired {
		// Teardown must not run on this goroutine: Close waits for the run
		// loop to exit, and the run loop is currently here.
		go s.mgr.Close(s.PeerID, "heartbeat grace period expired")
	}
}

// contextTick runs one outbound context-update cycle: fresh snapshot,
// current relationship, mandatory filter, send. The filter call is the
// only path to the wire; there is no way to send an unfiltered snapshot.
func (s *Session) contextTick() {
	if s.mgr.snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.mgr.cfg.ProviderTimeout)
	defer cancel()

	snapshot, err := s.mgr.snapshot(ctx)
	if err != nil {
		// Provider timeout or failure skips this cycle; nothing is sent
		// and nothing is treated as an error.
		logrus.WithFields(logrus.Fields{
			"function": "contextTick",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Debug("Skipping context update cycle")
		return
	}

	rel := s.mgr.relationshipFor(ctx, s.UserID)

	if err := filter.Validate(rel); err != nil {
		// A relationship that would widen the baseline is a policy
		// violation: refuse the send, share nothing this cycle.
		logrus.WithFields(logrus.Fields{
			"function": "contextTick",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Error("Refusing context update: policy invariant violated")
		return
	}

	filtered := filter.Apply(snapshot, rel)
	telemetry.CategoriesFiltered.Add(float64(len(snapshot) - len(filtered)))
	if len(filtered) == 0 {
		return
	}

	payload, err := cbor.Marshal(filtered)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "contextTick",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Error("Failed to encode filtered snapshot")
		return
	}

	if err := s.Enqueue(&transport.Envelope{
		Type:    transport.EnvelopeContextUpdate,
		Payload: payload,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "contextTick",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Debug("Context update not queued")
		return
	}
	telemetry.ContextUpdatesSent.Inc()
}

// deliver transmits an envelope, or holds it in the pending buffer while
// the session is degraded.
func (s *Session) deliver(envelope *transport.Envelope) {
	s.stateMu.Lock()
	degraded := s.state == StateDegraded
	if degraded {
		if len(s.pending) >= defaultPendingLimit {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, envelope)
	}
	s.stateMu.Unlock()

	if !degraded {
		s.transmit(envelope)
	}
}

// transmit seals and sends one envelope. The sequence number is assigned
// here so wire order matches counter order, and it doubles as the AEAD
// nonce so a lost datagram cannot desynchronize the cipher.
func (s *Session) transmit(envelope *transport.Envelope) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendCipher == nil {
		return
	}

	s.sendSeq++
	envelope.SenderID = s.mgr.cfg.LocalID
	envelope.Sequence = s.sendSeq

	plaintext, err := envelope.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmit",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Error("Failed to encode envelope")
		return
	}

	s.sendCipher.SetNonce(s.sendSeq)
	ciphertext, err := s.sendCipher.Encrypt(nil, []byte(s.mgr.cfg.LocalID), plaintext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmit",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Error("Failed to seal envelope")
		return
	}

	frame := &transport.SessionFrame{
		SenderID:   s.mgr.cfg.LocalID,
		Sequence:   s.sendSeq,
		Ciphertext: ciphertext,
	}
	data, err := frame.Marshal()
	if err != nil {
		return
	}

	if err := s.mgr.tr.Send(&transport.Packet{
		PacketType: transport.PacketSessionMessage,
		Data:       data,
	}, s.addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmit",
			"peer_id":  crypto.ShortID(s.PeerID),
			"error":    err,
		}).Debug("Send failed")
	}
}

// receive authenticates and validates one inbound frame, returning the
// envelope if it should be processed. Duplicates and replays are dropped
// silently per protocol; they are not errors.
func (s *Session) receive(frame *transport.SessionFrame) (*transport.Envelope, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if s.recvCipher == nil {
		return nil, ErrSessionClosed
	}

	s.recvCipher.SetNonce(frame.Sequence)
	plaintext, err := s.recvCipher.Decrypt(nil, []byte(s.PeerID), frame.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	envelope, err := transport.ParseEnvelope(plaintext)
	if err != nil {
		return nil, err
	}
	if envelope.Sequence != frame.Sequence {
		return nil, fmt.Errorf("frame/envelope sequence mismatch: %d != %d",
			frame.Sequence, envelope.Sequence)
	}
	if envelope.SenderID != s.PeerID {
		return nil, fmt.Errorf("envelope sender %s does not match session peer",
			crypto.ShortID(envelope.SenderID))
	}

	// A sequence number not strictly greater than the last accepted one is
	// a duplicate or replay: drop, not an error.
	if envelope.Sequence <= s.lastAccepted {
		return nil, nil
	}
	s.lastAccepted = envelope.Sequence

	return envelope, nil
}

// markInbound records inbound liveness; any authenticated frame resets the
// missed-heartbeat count and recovers a degraded session.
func (s *Session) markInbound() {
	s.stateMu.Lock()
	s.lastInbound = s.mgr.tp.Now()
	s.missed = 0
	recovered := s.state == StateDegraded
	if recovered {
		s.state = StateActive
	}
	flush := s.pending
	s.pending = nil
	s.stateMu.Unlock()

	if recovered {
		logrus.WithFields(logrus.Fields{
			"function": "markInbound",
			"peer_id":  crypto.ShortID(s.PeerID),
		}).Info("Session recovered from degraded state")
		s.mgr.notifyRecovered(s.PeerID)

		for _, envelope := range flush {
			s.transmit(envelope)
		}
	}
}

// close tears the session down: timers cancelled, run loop drained.
func (s *Session) close() {
	s.stateMu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.stateMu.Unlock()

	if alreadyClosed {
		return
	}

	s.cancel()
	<-s.done

	// Wipe cipher key material references; the states are never reused.
	s.sendMu.Lock()
	s.sendCipher = nil
	s.sendMu.Unlock()
	s.recvMu.Lock()
	s.recvCipher = nil
	s.recvMu.Unlock()
}

// newSessionID returns a unique identifier for a session instance.
func newSessionID() string {
	return uuid.NewString()
}
