package handshake

import (
	"encoding/hex"
	"sync"
	"time"
)

// replayGuard remembers handshake nonces per peer for a bounded window.
// A nonce reused by the same peer inside the window is a replayed
// handshake attempt and must be rejected.
type replayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]map[string]time.Time
}

func newReplayGuard(window time.Duration) *replayGuard {
	return &replayGuard{
		window: window,
		seen:   make(map[string]map[string]time.Time),
	}
}

// Check records the nonce and reports whether it is fresh. Returns false
// when the same peer presented the same nonce within the window.
func (g *replayGuard) Check(peerID string, nonce []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	key := hex.EncodeToString(nonce)

	nonces, ok := g.seen[peerID]
	if !ok {
		nonces = make(map[string]time.Time)
		g.seen[peerID] = nonces
	}

	// Prune expired entries for this peer while we hold the lock.
	for n, seenAt := range nonces {
		if now.Sub(seenAt) > g.window {
			delete(nonces, n)
		}
	}

	if _, replayed := nonces[key]; replayed {
		return false
	}

	nonces[key] = now
	return true
}
