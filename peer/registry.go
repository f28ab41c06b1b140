package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/crypto"
)

var (
	// ErrPeerNotFound indicates the peer ID is not in the registry.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrCapacityExceeded indicates the concurrent peer cap would be
	// exceeded. Surfaced as an explicit policy outcome, never a crash.
	ErrCapacityExceeded = errors.New("peer capacity exceeded")
	// ErrInvalidTransition indicates an illegal lifecycle state change.
	ErrInvalidTransition = errors.New("invalid peer state transition")
	// ErrPeerInCooldown indicates a rejected peer's cooldown has not passed.
	ErrPeerInCooldown = errors.New("peer in rejection cooldown")
)

// Config holds the registry's tunable parameters.
type Config struct {
	// MaxPeers caps the number of peers in Active or Authenticating state.
	MaxPeers int
	// SilencePeriod is how long a peer may go unsighted before eviction.
	SilencePeriod time.Duration
	// RejectionCooldown is how long a Rejected peer must wait before
	// another handshake attempt is permitted.
	RejectionCooldown time.Duration
	// EvictionInterval is how often the eviction sweep runs.
	EvictionInterval time.Duration
}

// Registry is the single source of truth for peer state. All access is
// serialized under one mutex; callers only ever see fully updated peers.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	cfg   Config
	tp    TimeProvider

	evicted func(peerID string)
}

// NewRegistry creates a peer registry. MaxPeers must be positive; the
// caller validates configuration before construction.
func NewRegistry(cfg Config) *Registry {
	return NewRegistryWithTimeProvider(cfg, defaultTimeProvider)
}

// NewRegistryWithTimeProvider creates a registry with a custom clock.
func NewRegistryWithTimeProvider(cfg Config, tp TimeProvider) *Registry {
	if tp == nil {
		tp = defaultTimeProvider
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 30 * time.Second
	}

	return &Registry{
		peers: make(map[string]*Peer),
		cfg:   cfg,
		tp:    tp,
	}
}

// OnEvicted sets a callback invoked (outside the lock) when a peer is
// evicted by the silence sweep.
func (r *Registry) OnEvicted(callback func(peerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = callback
}

// Sighting records a discovery sighting. A known peer only has its
// last-seen time and address refreshed; an unknown peer is inserted in
// Discovered state. Returns the peer and whether it was newly inserted.
func (r *Registry) Sighting(id, userID string, publicKey [32]byte, addr net.Addr) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.tp.Now()

	if existing, ok := r.peers[id]; ok {
		existing.LastSeen = now
		if addr != nil {
			existing.Addr = addr
		}
		if userID != "" {
			existing.UserID = userID
		}
		return existing, false
	}

	p := &Peer{
		ID:        id,
		Addr:      addr,
		UserID:    userID,
		PublicKey: publicKey,
		State:     StateDiscovered,
		LastSeen:  now,
	}
	r.peers[id] = p

	addrStr := "unknown"
	if addr != nil {
		addrStr = addr.String()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Sighting",
		"peer_id":  crypto.ShortID(id),
		"addr":     addrStr,
	}).Info("New peer discovered")

	return p, true
}

// Get returns the peer with the given ID.
func (r *Registry) Get(id string) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p, nil
}

// Transition moves a peer to a new lifecycle state, enforcing the state
// machine. Moving into Rejected stamps the cooldown deadline.
func (r *Registry) Transition(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return ErrPeerNotFound
	}

	if !canTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, to)
	}

	from := p.State
	p.State = to
	if to == StateRejected {
		p.CooldownUntil = r.tp.Now().Add(r.cfg.RejectionCooldown)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Transition",
		"peer_id":  crypto.ShortID(id),
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Peer state changed")

	return nil
}

// BeginHandshake atomically checks capacity and cooldown, then moves the
// peer into Authenticating. This is the cap-enforcement point: a peer whose
// acceptance would exceed MaxPeers gets ErrCapacityExceeded so the other
// side can retry later.
func (r *Registry) BeginHandshake(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return ErrPeerNotFound
	}

	if p.InCooldown(r.tp.Now()) {
		return ErrPeerInCooldown
	}

	if !canTransition(p.State, StateAuthenticating) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, StateAuthenticating)
	}

	if r.inFlightLocked() >= r.cfg.MaxPeers {
		return ErrCapacityExceeded
	}

	p.State = StateAuthenticating
	return nil
}

// inFlightLocked counts Active, Degraded, and Authenticating peers.
// Callers must hold the lock.
func (r *Registry) inFlightLocked() int {
	count := 0
	for _, p := range r.peers {
		switch p.State {
		case StateActive, StateDegraded, StateAuthenticating:
			count++
		}
	}
	return count
}

// Snapshot returns a copy of all peer records.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Remove deletes a peer record outright.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Run drives the eviction sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictSilent()
		}
	}
}

// evictSilent removes peers that have not been sighted within the silence
// period. Only quiescent peers are evicted; live sessions are owned by the
// session manager and must be closed before their record can age out.
func (r *Registry) evictSilent() {
	now := r.tp.Now()

	r.mu.Lock()
	var evicted []string
	for id, p := range r.peers {
		if p.State == StateActive || p.State == StateDegraded || p.State == StateAuthenticating {
			continue
		}
		if now.Sub(p.LastSeen) >= r.cfg.SilencePeriod {
			delete(r.peers, id)
			evicted = append(evicted, id)
		}
	}
	callback := r.evicted
	r.mu.Unlock()

	for _, id := range evicted {
		logrus.WithFields(logrus.Fields{
			"function": "evictSilent",
			"peer_id":  crypto.ShortID(id),
		}).Info("Evicting silent peer")
		if callback != nil {
			callback(id)
		}
	}
}

// EvictNow runs a single eviction sweep immediately. Exposed for tests and
// shutdown paths.
func (r *Registry) EvictNow() {
	r.evictSilent()
}
