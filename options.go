package mjnet

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/mjnet/transport"
)

// Options contains configuration for creating a Network instance.
type Options struct {
	// DiscoveryPort is the UDP port used for presence broadcasts and all
	// peer traffic.
	DiscoveryPort int
	// MaxPeers caps concurrent Active plus Authenticating peers.
	MaxPeers int
	// UserID names the human this node represents in relationship lookups.
	UserID string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	DegradedGrace     time.Duration
	SilenceEviction   time.Duration
	RejectionCooldown time.Duration
	// ContextInterval is the cadence of outbound context updates. Zero
	// follows the heartbeat interval.
	ContextInterval time.Duration

	// SecretKey is the node's long-term identity key. Nil generates an
	// ephemeral identity for this process lifetime.
	SecretKey *[32]byte

	// Transport overrides the UDP transport, for tests and simulations.
	Transport transport.Transport
}

// NewOptions creates Options with production defaults.
func NewOptions() *Options {
	return &Options{
		DiscoveryPort:     8888,
		MaxPeers:          50,
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		DegradedGrace:     60 * time.Second,
		SilenceEviction:   300 * time.Second,
		RejectionCooldown: 60 * time.Second,
	}
}

// validate refuses startup on out-of-range values. Configuration errors are
// the only fatal class; everything at runtime degrades instead.
func (o *Options) validate() error {
	if o.DiscoveryPort < 1 || o.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery port %d out of range 1-65535", o.DiscoveryPort)
	}
	if o.MaxPeers <= 0 {
		return fmt.Errorf("max peers must be positive, got %d", o.MaxPeers)
	}
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", o.HeartbeatInterval)
	}
	if o.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %v", o.HandshakeTimeout)
	}
	if o.DegradedGrace <= 0 {
		return fmt.Errorf("degraded grace must be positive, got %v", o.DegradedGrace)
	}
	if o.SilenceEviction <= 0 {
		return fmt.Errorf("silence eviction period must be positive, got %v", o.SilenceEviction)
	}
	return nil
}

// LoadOptionsFromEnv builds Options from the P2P_* environment surface,
// starting from the defaults. A malformed or out-of-range value is an
// error; the process must not come up half-configured.
//
//	P2P_DISCOVERY_PORT      UDP port (default 8888)
//	P2P_MAX_PEERS           peer cap (default 50)
//	P2P_HEARTBEAT_INTERVAL  seconds (default 30)
//	P2P_HANDSHAKE_TIMEOUT   seconds (default 10)
//	P2P_DEGRADED_GRACE      seconds (default 60)
//	P2P_PEER_SILENCE_EVICT  seconds (default 300)
//	P2P_USER_ID             local user identifier
//	P2P_SECRET_KEY          64 hex chars; absent means ephemeral identity
func LoadOptionsFromEnv() (*Options, error) {
	opts := NewOptions()

	if err := envInt("P2P_DISCOVERY_PORT", &opts.DiscoveryPort); err != nil {
		return nil, err
	}
	if err := envInt("P2P_MAX_PEERS", &opts.MaxPeers); err != nil {
		return nil, err
	}
	if err := envSeconds("P2P_HEARTBEAT_INTERVAL", &opts.HeartbeatInterval); err != nil {
		return nil, err
	}
	if err := envSeconds("P2P_HANDSHAKE_TIMEOUT", &opts.HandshakeTimeout); err != nil {
		return nil, err
	}
	if err := envSeconds("P2P_DEGRADED_GRACE", &opts.DegradedGrace); err != nil {
		return nil, err
	}
	if err := envSeconds("P2P_PEER_SILENCE_EVICT", &opts.SilenceEviction); err != nil {
		return nil, err
	}

	if userID := os.Getenv("P2P_USER_ID"); userID != "" {
		opts.UserID = userID
	}

	if keyHex := os.Getenv("P2P_SECRET_KEY"); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("P2P_SECRET_KEY is not valid hex: %w", err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("P2P_SECRET_KEY must be 32 bytes, got %d", len(raw))
		}
		var key [32]byte
		copy(key[:], raw)
		opts.SecretKey = &key
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, raw)
	}
	*dst = v
	return nil
}

func envSeconds(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer number of seconds", name, raw)
	}
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, v)
	}
	*dst = time.Duration(v) * time.Second
	return nil
}
