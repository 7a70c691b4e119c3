package magicnet_test

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	magicnet "github.com/dep2p/go-magicnet"
	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/core/relay/relaytest"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func startNode(t *testing.T, opts ...magicnet.Option) *magicnet.Node {
	t.Helper()
	opts = append([]magicnet.Option{magicnet.WithPreset(config.PresetTest)}, opts...)
	n, err := magicnet.New(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// ============================================================================
//                              构造与生命周期
// ============================================================================

func TestNew_UnknownPreset(t *testing.T) {
	_, err := magicnet.New(magicnet.WithPreset("laptop"))
	assert.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := magicnet.New(
		magicnet.WithPreset(config.PresetTest),
		magicnet.WithRelays("ftp://relay.example.com"),
	)
	assert.Error(t, err)
}

func TestNode_Lifecycle(t *testing.T) {
	n, err := magicnet.New(magicnet.WithPreset(config.PresetTest), magicnet.WithQUIC(false))
	require.NoError(t, err)
	assert.Equal(t, magicnet.StateIdle, n.State())
	assert.Nil(t, n.QUIC())

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	assert.Equal(t, magicnet.StateRunning, n.State())
	assert.ErrorIs(t, n.Start(ctx), magicnet.ErrAlreadyStarted)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, magicnet.StateClosed, n.State())
	assert.ErrorIs(t, n.Start(ctx), magicnet.ErrNodeClosed)
}

func TestNode_CloseWithoutStart(t *testing.T) {
	n, err := magicnet.New(magicnet.WithPreset(config.PresetTest))
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Conn().SendTo(types.PeerID{1}, []byte("x")), magicsock.ErrClosed)
}

func TestNode_LogicalLocalAddr(t *testing.T) {
	n := startNode(t)
	assert.False(t, n.PeerID().IsEmpty())
	ap, err := netip.ParseAddrPort(n.Conn().LocalAddr().String())
	require.NoError(t, err)
	assert.True(t, types.IsLogicalAddr(ap))
}

// ============================================================================
//                              对端
// ============================================================================

func TestAddPeer_Validation(t *testing.T) {
	n := startNode(t)
	assert.ErrorIs(t, n.AddPeer(n.PeerID(), ""), magicsock.ErrSelf)
	assert.ErrorIs(t, n.AddPeer(types.PeerID{}, ""), types.ErrUnknownPeer)
	assert.Error(t, n.AddPeer(types.PeerID{7}, "", netip.MustParseAddrPort("[fd6d:6167:6963::1]:1")))
}

func TestAddPeer_Candidates(t *testing.T) {
	n := startNode(t)
	peer := types.PeerID{9}
	addr := netip.MustParseAddrPort("192.0.2.10:41641")
	require.NoError(t, n.AddPeer(peer, "", addr))

	snap, ok := n.PeerState(peer)
	require.True(t, ok)
	require.Len(t, snap.Candidates, 1)
	assert.Equal(t, addr, snap.Candidates[0].Addr)
	assert.Equal(t, types.SourceDiscoveryFed, snap.Candidates[0].Source)
	assert.Contains(t, n.Peers(), peer)

	n.ForgetPeer(peer)
	_, ok = n.PeerState(peer)
	assert.False(t, ok)
}

func TestReport_WithoutRelays(t *testing.T) {
	n := startNode(t)
	_, err := n.Report(context.Background())
	assert.ErrorIs(t, err, magicnet.ErrNetcheckDisabled)
}

// ============================================================================
//                              端到端
// ============================================================================

func TestNodes_RelayThenDirect(t *testing.T) {
	srv := relaytest.NewServer(t)
	url := string(srv.URL())
	a := startNode(t, magicnet.WithRelays(url))
	b := startNode(t, magicnet.WithRelays(url))
	require.Eventually(t, func() bool {
		return srv.Connected(a.PeerID()) && srv.Connected(b.PeerID())
	}, 5*time.Second, 20*time.Millisecond)

	sub, err := b.Subscribe(new(types.EvtPathChanged), eventbus.BufSize(32))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, a.AddPeer(b.PeerID(), srv.URL()))
	require.NoError(t, a.Conn().SendTo(b.PeerID(), []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	from, data, err := b.Conn().Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.PeerID(), from)
	assert.Equal(t, "hello", string(data))

	direct := func(n *magicnet.Node, peer types.PeerID) bool {
		s, ok := n.PeerState(peer)
		return ok && s.State == types.StateDirect
	}
	require.Eventually(t, func() bool {
		return direct(a, b.PeerID()) && direct(b, a.PeerID())
	}, 10*time.Second, 50*time.Millisecond)

	select {
	case ev := <-sub.Out():
		_, ok := ev.(types.EvtPathChanged)
		assert.True(t, ok)
	case <-ctx.Done():
		t.Fatal("no path change event")
	}
}

func TestNodes_QUIC(t *testing.T) {
	srv := relaytest.NewServer(t)
	url := string(srv.URL())
	a := startNode(t, magicnet.WithRelays(url))
	b := startNode(t, magicnet.WithRelays(url))
	require.Eventually(t, func() bool {
		return srv.Connected(a.PeerID()) && srv.Connected(b.PeerID())
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, a.AddPeer(b.PeerID(), srv.URL()))

	ln, err := b.QUIC().Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		s, err := c.AcceptStream(ctx)
		if err != nil {
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err == nil {
			_, _ = s.Write(buf)
		}
		_ = s.Close()
	}()

	conn, err := a.QUIC().Dial(ctx, b.PeerID())
	require.NoError(t, err)
	assert.Equal(t, b.PeerID(), conn.RemotePeer())

	s, err := conn.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestNode_Report(t *testing.T) {
	srv := relaytest.NewServer(t)
	n := startNode(t, magicnet.WithRelays(string(srv.URL())))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := n.Report(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.True(t, rep.UDP)
	assert.Equal(t, srv.URL(), rep.PreferredRelay)

	rec := n.PeerRecord(1)
	require.NoError(t, rec.Verify())
	assert.Equal(t, n.PeerID(), rec.Peer)
}

func TestNode_ReportBeforeStart(t *testing.T) {
	srv := relaytest.NewServer(t)
	n, err := magicnet.New(magicnet.WithPreset(config.PresetTest), magicnet.WithRelays(string(srv.URL())))
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Report(context.Background())
	assert.ErrorIs(t, err, magicnet.ErrNotStarted)
}

// TestNode_HealthRelayExhausted 测试所有中继耗尽重连预算后 Health 返回 ErrRelayUnavailable
func TestNode_HealthRelayExhausted(t *testing.T) {
	srv := relaytest.NewServer(t)
	cfg := config.NewPresetConfig(config.PresetTest)
	cfg.Relay.URLs = []string{string(srv.URL())}
	cfg.Relay.RetryBudget = 2
	cfg.Relay.GraceWindow = config.Duration(50 * time.Millisecond)
	n := startNode(t, magicnet.WithConfig(cfg), magicnet.WithQUIC(false))

	require.NoError(t, n.Health())
	sub, err := n.Subscribe(new(types.EvtRelaysExhausted), eventbus.BufSize(4))
	require.NoError(t, err)
	defer sub.Close()

	srv.SetAvailable(false)
	require.Eventually(t, func() bool {
		return errors.Is(n.Health(), types.ErrRelayUnavailable)
	}, 10*time.Second, 20*time.Millisecond)

	select {
	case ev := <-sub.Out():
		assert.ErrorIs(t, ev.(types.EvtRelaysExhausted).Err, types.ErrRelayUnavailable)
	case <-time.After(time.Second):
		t.Fatal("missing relays exhausted event")
	}
}

// TestNode_HealthBeforeStart 测试未启动的节点报告 ErrNotStarted
func TestNode_HealthBeforeStart(t *testing.T) {
	n, err := magicnet.New(magicnet.WithPreset(config.PresetTest))
	require.NoError(t, err)
	defer n.Close()
	assert.ErrorIs(t, n.Health(), magicnet.ErrNotStarted)
}

func TestVersionInfo(t *testing.T) {
	assert.Contains(t, magicnet.VersionInfo(), magicnet.Version)
}
