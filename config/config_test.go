package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Valid(t *testing.T) {
	require.NoError(t, NewConfig().Validate())
	for _, p := range []string{PresetDesktop, PresetServer, PresetTest} {
		require.NoError(t, NewPresetConfig(p).Validate(), p)
	}
}

func TestFromJSON(t *testing.T) {
	data := []byte(`{
		"relay": {"urls": ["https://relay.example.com"], "grace_window": "2s"},
		"path": {"liveness_threshold": "4s", "max_concurrent_probes": 2},
		"discovery": {"known_peers": [{"peer_id": "HZ9SS4wXMhAbwnQP3Dx9U5TAU33Em8zFXyU4UTXbhsKq", "addrs": ["203.0.113.7:41641"]}]}
	}`)

	cfg, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://relay.example.com"}, cfg.Relay.URLs)
	assert.Equal(t, 2*time.Second, cfg.Relay.GraceWindow.Duration())
	assert.Equal(t, 4*time.Second, cfg.Path.LivenessThreshold.Duration())
	assert.Equal(t, 2, cfg.Path.MaxConcurrentProbes)
	// 未出现的字段保留默认值
	assert.Equal(t, DefaultRelayConfig().KeepAlive, cfg.Relay.KeepAlive)

	out, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"grace_window": "2s"`)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad relay scheme", func(c *Config) { c.Relay.URLs = []string{"ftp://x"} }},
		{"relay missing host", func(c *Config) { c.Relay.URLs = []string{"https://"} }},
		{"zero retry budget", func(c *Config) { c.Relay.RetryBudget = 0 }},
		{"jitter out of range", func(c *Config) { c.Relay.BackoffJitter = 1 }},
		{"stun timeout too long", func(c *Config) { c.Netcheck.STUNTimeout = c.Netcheck.Timeout * 2 }},
		{"heartbeat too slow", func(c *Config) { c.Path.HeartbeatInterval = c.Path.LivenessThreshold * 10 }},
		{"no concurrent probes", func(c *Config) { c.Path.MaxConcurrentProbes = 0 }},
		{"bad known peer", func(c *Config) { c.Discovery.KnownPeers = []KnownPeer{{PeerID: "nope"}} }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.Duration())

	assert.Error(t, d.UnmarshalJSON([]byte(`"forever"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}
