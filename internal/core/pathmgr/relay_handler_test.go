package pathmgr_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/core/relay/relaytest"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func drain(ch <-chan any, wait time.Duration) []types.EvtPathChanged {
	var out []types.EvtPathChanged
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.(types.EvtPathChanged))
		case <-time.After(wait):
			return out
		}
	}
}

// TestRelayOutage_WithinGraceWindow 测试中继在宽限期内断线重连时对端不发生状态变化
func TestRelayOutage_WithinGraceWindow(t *testing.T) {
	srv := relaytest.NewServer(t, relaytest.WithoutSTUN())
	url := srv.URL()

	relayClock := clock.NewMock()
	rcfg := config.DefaultRelayConfig()
	rcfg.URLs = []string{string(url)}
	rcfg.DialTimeout = config.Duration(2 * time.Second)
	rcfg.ReconnectBackoffBase = config.Duration(100 * time.Millisecond)
	rcfg.MaxReconnectBackoff = config.Duration(time.Second)
	rcfg.BackoffJitter = 0
	rcfg.RetryBudget = 3
	rcfg.GraceWindow = config.Duration(30 * time.Second)

	kp, err := identity.Generate()
	require.NoError(t, err)
	bus := eventbus.NewBus()
	paths, err := bus.Subscribe(new(types.EvtPathChanged), eventbus.BufSize(64))
	require.NoError(t, err)
	defer paths.Close()

	rm, err := relay.NewManager(kp, rcfg, relay.WithDialFunc(srv.DialFunc()), relay.WithClock(relayClock), relay.WithEventBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rm.Close() })

	pm, err := pathmgr.NewManager(kp.PeerID(), config.DefaultPathConfig(),
		pathmgr.WithClock(clock.NewMock()), pathmgr.WithEventBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	rm.SetHandler(pm)

	var peer types.PeerID
	peer[0] = 7
	require.NoError(t, pm.SetRelay(peer, url))
	require.NoError(t, rm.Acquire(url, peer))
	require.Eventually(t, func() bool { return rm.State(url) == types.RelayConnected }, 5*time.Second, 10*time.Millisecond)

	path, err := pm.Route(peer)
	require.NoError(t, err)
	assert.Equal(t, types.RelayPath(url), path)
	first := drain(paths.Out(), 50*time.Millisecond)
	require.Len(t, first, 1)
	assert.Equal(t, types.StateRelayOnly, first[0].To)

	// 断线并多次重连失败，但仍在宽限期内
	start := relayClock.Now()
	srv.SetAvailable(false)
	require.Eventually(t, func() bool {
		relayClock.Add(100 * time.Millisecond)
		return srv.Dials() >= 4
	}, 5*time.Second, 5*time.Millisecond)
	require.Less(t, relayClock.Since(start), 30*time.Second)
	assert.NotEqual(t, types.RelayConnected, rm.State(url))

	srv.SetAvailable(true)
	require.Eventually(t, func() bool {
		relayClock.Add(100 * time.Millisecond)
		return rm.State(url) == types.RelayConnected
	}, 5*time.Second, 5*time.Millisecond)

	assert.Empty(t, drain(paths.Out(), 100*time.Millisecond))
	snap, ok := pm.Snapshot(peer)
	require.True(t, ok)
	assert.Equal(t, types.StateRelayOnly, snap.State)
	path, err = pm.Route(peer)
	require.NoError(t, err)
	assert.Equal(t, types.RelayPath(url), path)
}
