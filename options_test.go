package mjnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsFromEnvDefaults(t *testing.T) {
	opts, err := LoadOptionsFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8888, opts.DiscoveryPort)
	assert.Equal(t, 50, opts.MaxPeers)
	assert.Equal(t, 30*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, opts.HandshakeTimeout)
	assert.Equal(t, 60*time.Second, opts.DegradedGrace)
	assert.Equal(t, 300*time.Second, opts.SilenceEviction)
	assert.Nil(t, opts.SecretKey)
}

func TestLoadOptionsFromEnvOverrides(t *testing.T) {
	t.Setenv("P2P_DISCOVERY_PORT", "9999")
	t.Setenv("P2P_MAX_PEERS", "5")
	t.Setenv("P2P_HEARTBEAT_INTERVAL", "10")
	t.Setenv("P2P_PEER_SILENCE_EVICT", "120")
	t.Setenv("P2P_USER_ID", "alice")
	t.Setenv("P2P_SECRET_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	opts, err := LoadOptionsFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9999, opts.DiscoveryPort)
	assert.Equal(t, 5, opts.MaxPeers)
	assert.Equal(t, 10*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, opts.SilenceEviction)
	assert.Equal(t, "alice", opts.UserID)
	require.NotNil(t, opts.SecretKey)
	assert.Equal(t, byte(0x1f), opts.SecretKey[31])
}

// Configuration errors are the one fatal class: a malformed value must
// refuse startup, never come up half-configured.
func TestLoadOptionsFromEnvRejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"non-integer port", "P2P_DISCOVERY_PORT", "banana"},
		{"port out of range", "P2P_DISCOVERY_PORT", "70000"},
		{"zero peers", "P2P_MAX_PEERS", "0"},
		{"negative interval", "P2P_HEARTBEAT_INTERVAL", "-5"},
		{"non-integer grace", "P2P_DEGRADED_GRACE", "sixty"},
		{"bad key hex", "P2P_SECRET_KEY", "zzzz"},
		{"short key", "P2P_SECRET_KEY", "0011"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadOptionsFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := NewOptions()
	assert.NoError(t, opts.validate())

	opts.MaxPeers = -1
	assert.Error(t, opts.validate())
}
