package magicsock_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/relay/relaytest"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func state(n *node, peer types.PeerID) types.PeerState {
	snap, ok := n.pm.Snapshot(peer)
	if !ok {
		return types.StateUnknown
	}
	return snap.State
}

func TestRelayThenDirect(t *testing.T) {
	srv := relaytest.NewServer(t)
	a := newNode(t, []types.RelayURL{srv.URL()})
	b := newNode(t, []types.RelayURL{srv.URL()})
	require.Eventually(t, func() bool { return srv.Connected(b.id()) }, 5*time.Second, 20*time.Millisecond)

	paths := collect[types.EvtPathChanged](t, a.bus)
	require.NoError(t, a.pm.SetRelay(b.id(), srv.URL()))

	// 首包经中继到达，发送方以逻辑地址出现
	require.NoError(t, a.conn.SendTo(b.id(), []byte("ping")))
	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, addr, err := b.conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, a.id().LogicalAddr(), addr.(*net.UDPAddr).AddrPort())
	assert.Positive(t, a.conn.Stats().SentRelay)

	// CallMeMaybe 触发双向打洞，双方都升级为直连
	require.Eventually(t, func() bool {
		return state(a, b.id()) == types.StateDirect && state(b, a.id()) == types.StateDirect
	}, 10*time.Second, 20*time.Millisecond)

	snap, ok := a.pm.Snapshot(b.id())
	require.True(t, ok)
	assert.Equal(t, types.PathDirect, snap.Path.Kind)
	assert.Equal(t, b.conn.BoundAddr(), snap.Path.Addr)
	assert.Contains(t, toStates(paths()), types.StateDirect)

	// 直连后的数据不再经过中继
	forwarded := srv.Forwarded()
	_, err = b.conn.WriteTo([]byte("pong"), addr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	from, data, err := a.conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.id(), from)
	assert.Equal(t, "pong", string(data))
	assert.Equal(t, forwarded, srv.Forwarded())
	assert.Positive(t, b.conn.Stats().SentDirect)
	assert.Positive(t, a.conn.Stats().RecvDirect)
}

func toStates(evs []types.EvtPathChanged) []types.PeerState {
	out := make([]types.PeerState, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.To)
	}
	return out
}

func TestSymmetricNAT_StaysRelayed(t *testing.T) {
	r1 := relaytest.NewServer(t)
	r2 := relaytest.NewServer(t)
	public := netip.MustParseAddr("203.0.113.7")
	r1.STUN().SetMapper(relaytest.SymmetricNAT(public, 1000))
	r2.STUN().SetMapper(relaytest.SymmetricNAT(public, 2000))
	urls := []types.RelayURL{r1.URL(), r2.URL()}
	lan := netcheck.WithLocalAddrs(func() []netip.Addr { return []netip.Addr{netip.MustParseAddr("192.168.1.20")} })

	a := newNode(t, urls, lan)
	b := newNode(t, urls, lan)
	started := collect[types.EvtProbeStarted](t, a.bus)
	startedB := collect[types.EvtProbeStarted](t, b.bus)

	// STUN 探测复用数据套接字
	for _, n := range []*node{a, b} {
		rep, err := n.nc.RunCheck(context.Background(), urls)
		require.NoError(t, err)
		require.Equal(t, types.NATSymmetricLike, rep.NAT)
		require.False(t, rep.PreferredRelay.IsEmpty())
		n.pm.SetReport(rep)
		// 报告事件异步切换首选中继
		require.Eventually(t, func() bool { return n.relay.Home() == rep.PreferredRelay }, 5*time.Second, 20*time.Millisecond)
	}
	bHome := b.relay.Home()
	require.Eventually(t, func() bool {
		return (bHome == r1.URL() && r1.Connected(b.id())) || (bHome == r2.URL() && r2.Connected(b.id()))
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, a.pm.SetRelay(b.id(), bHome))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, a.conn.SendTo(b.id(), []byte("data")))
		from, data, err := b.conn.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.id(), from)
		assert.Equal(t, "data", string(data))
	}

	assert.Equal(t, types.StateRelayOnly, state(a, b.id()))
	assert.Empty(t, started())
	assert.Empty(t, startedB())
	assert.Zero(t, a.conn.Stats().SentDirect)

	// 反射地址登记为本地端点
	assert.Eventually(t, func() bool {
		for _, ep := range a.conn.Endpoints() {
			if ep.Source == types.SourceReflexive && ep.Addr.Addr() == public {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
