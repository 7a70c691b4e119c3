package netcheck

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/pkg/types"
)

func sample(local uint16, relay string, observed string) types.Sample {
	return types.Sample{LocalPort: local, Relay: types.RelayURL(relay), Observed: netip.MustParseAddrPort(observed)}
}

var lanAddrs = []netip.Addr{netip.MustParseAddr("192.168.1.20")}

func TestClassify_FixedExternalPortIsEasy(t *testing.T) {
	samples := []types.Sample{
		sample(40001, "r1", "203.0.113.7:55000"),
		sample(40002, "r2", "203.0.113.7:55000"),
		sample(40003, "r3", "203.0.113.7:55000"),
	}
	assert.Equal(t, types.NATEasy, Classify(samples, lanAddrs))
}

func TestClassify_VaryingExternalPortIsSymmetricLike(t *testing.T) {
	samples := []types.Sample{
		sample(40001, "r1", "203.0.113.7:55000"),
		sample(40002, "r2", "203.0.113.7:55001"),
		sample(40003, "r3", "203.0.113.7:55002"),
	}
	got := Classify(samples, lanAddrs)
	assert.Equal(t, types.NATSymmetricLike, got)
	assert.False(t, got.DirectPlausible())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		samples []types.Sample
		want    types.NATType
	}{
		{"no samples", nil, types.NATUnknown},
		{"single sample", []types.Sample{sample(1, "r1", "203.0.113.7:9")}, types.NATEasy},
		{
			"not behind nat",
			[]types.Sample{sample(40001, "r1", "192.168.1.20:40001"), sample(40001, "r2", "192.168.1.20:40001")},
			types.NATNone,
		},
		{
			"stable per local port",
			[]types.Sample{
				sample(40001, "r1", "203.0.113.7:40001"),
				sample(40001, "r2", "203.0.113.7:40001"),
				sample(40002, "r1", "203.0.113.7:40002"),
				sample(40002, "r2", "203.0.113.7:40002"),
			},
			types.NATEasy,
		},
		{
			"varies per destination",
			[]types.Sample{
				sample(40001, "r1", "203.0.113.7:1001"),
				sample(40001, "r2", "203.0.113.7:2001"),
				sample(40002, "r1", "203.0.113.7:1002"),
				sample(40002, "r2", "203.0.113.7:2002"),
			},
			types.NATSymmetricLike,
		},
		{
			"mixed per port",
			[]types.Sample{
				sample(40001, "r1", "203.0.113.7:1001"),
				sample(40001, "r2", "203.0.113.7:1001"),
				sample(40002, "r1", "203.0.113.7:1002"),
				sample(40002, "r2", "203.0.113.7:2002"),
			},
			types.NATHard,
		},
		{
			"partially shared across ports",
			[]types.Sample{
				sample(40001, "r1", "203.0.113.7:1000"),
				sample(40002, "r2", "203.0.113.7:1000"),
				sample(40003, "r3", "203.0.113.7:1003"),
			},
			types.NATHard,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.samples, lanAddrs))
		})
	}
}

func TestMappingVariesByDest(t *testing.T) {
	assert.Nil(t, mappingVariesByDest([]types.Sample{
		sample(1, "r1", "203.0.113.7:1"),
		sample(2, "r2", "203.0.113.7:2"),
	}))

	v := mappingVariesByDest([]types.Sample{
		sample(1, "r1", "203.0.113.7:1"),
		sample(1, "r2", "203.0.113.7:1"),
	})
	require.NotNil(t, v)
	assert.False(t, *v)

	v = mappingVariesByDest([]types.Sample{
		sample(1, "r1", "203.0.113.7:1"),
		sample(1, "r2", "203.0.113.7:5"),
	})
	require.NotNil(t, v)
	assert.True(t, *v)
}

func TestPreferredRelay_Hysteresis(t *testing.T) {
	r := &types.Report{RelayLatency: map[types.RelayURL]time.Duration{
		"a": 10 * time.Millisecond,
		"b": 14 * time.Millisecond,
	}}
	assert.Equal(t, types.RelayURL("a"), preferredRelay(r, nil))

	// 旧首选仍在 1.5 倍以内，保持
	prev := &types.Report{PreferredRelay: "b"}
	assert.Equal(t, types.RelayURL("b"), preferredRelay(r, prev))

	r.RelayLatency["b"] = 30 * time.Millisecond
	assert.Equal(t, types.RelayURL("a"), preferredRelay(r, prev))

	// 旧首选不可达
	delete(r.RelayLatency, "b")
	assert.Equal(t, types.RelayURL("a"), preferredRelay(r, prev))
}

func TestBuilder_ControlLatencyAndDown(t *testing.T) {
	b := newReportBuilder()
	b.addControlLatency("a", 20*time.Millisecond)
	b.markDown("b")
	r := b.build(nil, true, lanAddrs)
	assert.False(t, r.UDP)
	assert.True(t, r.UDPBlocked)
	assert.Equal(t, []types.RelayURL{"b"}, r.RelayDown)
	assert.Equal(t, types.RelayURL("a"), r.PreferredRelay)
	assert.Equal(t, types.NATUnknown, r.NAT)
}
