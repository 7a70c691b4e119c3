package magicsock_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type node struct {
	kp    *identity.KeyPair
	bus   *eventbus.Bus
	pm    *pathmgr.Manager
	relay *relay.Manager
	nc    *netcheck.Client
	conn  *magicsock.Conn
}

func (n *node) id() types.PeerID { return n.kp.PeerID() }

func newNode(t *testing.T, urls []types.RelayURL, ncOpts ...netcheck.Option) *node {
	t.Helper()
	cfg := config.NewPresetConfig(config.PresetTest)
	for _, u := range urls {
		cfg.Relay.URLs = append(cfg.Relay.URLs, string(u))
	}
	kp, err := identity.Generate()
	require.NoError(t, err)
	bus := eventbus.NewBus()
	pm, err := pathmgr.NewManager(kp.PeerID(), cfg.Path, pathmgr.WithEventBus(bus))
	require.NoError(t, err)

	n := &node{kp: kp, bus: bus, pm: pm}
	opts := []magicsock.Option{magicsock.WithEventBus(bus)}
	if len(urls) > 0 {
		n.relay, err = relay.NewManager(kp, cfg.Relay, relay.WithEventBus(bus))
		require.NoError(t, err)
		n.relay.SetHandler(pm)
		ncOpts = append([]netcheck.Option{netcheck.WithEventBus(bus), netcheck.WithRelayPinger(n.relay)}, ncOpts...)
		n.nc, err = netcheck.NewClient(cfg.Netcheck, ncOpts...)
		require.NoError(t, err)
		opts = append(opts, magicsock.WithRelay(n.relay), magicsock.WithNetcheck(n.nc))
	}
	n.conn, err = magicsock.NewConn(kp, pm, cfg.Socket, opts...)
	require.NoError(t, err)
	require.NoError(t, n.conn.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go pm.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = n.conn.Close()
		if n.relay != nil {
			_ = n.relay.Close()
		}
		_ = pm.Close()
	})
	return n
}

// collect 订阅事件并在后台收集
func collect[T any](t *testing.T, bus pkgif.EventBus) func() []T {
	t.Helper()
	sub, err := bus.Subscribe(new(T), eventbus.BufSize(256))
	require.NoError(t, err)
	ch := make(chan T, 256)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = sub.Close()
	})
	go eventbus.Each(ctx, sub, func(ev T) { ch <- ev })

	var seen []T
	return func() []T {
		for {
			select {
			case ev := <-ch:
				seen = append(seen, ev)
			default:
				return seen
			}
		}
	}
}

func udpClient(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ============================================================================
//                              发送与排队
// ============================================================================

func TestSendTo_Self(t *testing.T) {
	n := newNode(t, nil)
	assert.ErrorIs(t, n.conn.SendTo(n.id(), []byte("x")), magicsock.ErrSelf)
}

func TestSendTo_UnknownPeer(t *testing.T) {
	n := newNode(t, nil)
	drops := collect[types.EvtPacketDropped](t, n.bus)
	other, err := identity.Generate()
	require.NoError(t, err)

	err = n.conn.SendTo(other.PeerID(), []byte("x"))
	assert.ErrorIs(t, err, types.ErrUnknownPeer)
	require.Eventually(t, func() bool { return len(drops()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, types.DropUnknownPeer, drops()[0].Reason)
}

func TestSendTo_QueuesWithoutPath(t *testing.T) {
	n := newNode(t, nil)
	drops := collect[types.EvtPacketDropped](t, n.bus)
	other, err := identity.Generate()
	require.NoError(t, err)
	peer := other.PeerID()

	// 只有候选、没有中继：对端保持 Unknown，数据排队
	require.NoError(t, n.pm.AddCandidate(peer, types.CandidateAddress{
		Addr:   udpClient(t).LocalAddr().(*net.UDPAddr).AddrPort(),
		Source: types.SourceDiscoveryFed,
	}))
	limit := config.NewPresetConfig(config.PresetTest).Socket.PendingQueueSize
	for i := 0; i < limit+3; i++ {
		require.NoError(t, n.conn.SendTo(peer, []byte{byte(i)}))
	}
	assert.Equal(t, limit, n.conn.Pending(peer))
	require.Eventually(t, func() bool { return len(drops()) == 3 }, time.Second, 10*time.Millisecond)
	for _, ev := range drops() {
		assert.Equal(t, types.DropQueueFull, ev.Reason)
	}

	n.conn.ForgetPeer(peer)
	assert.Zero(t, n.conn.Pending(peer))
	assert.False(t, n.pm.Known(peer))
}

func TestWriteTo_RequiresLogicalAddr(t *testing.T) {
	n := newNode(t, nil)
	_, err := n.conn.WriteTo([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, magicsock.ErrNotLogicalAddr)
}

// ============================================================================
//                              接收
// ============================================================================

func TestUnknownSource_DroppedOnce(t *testing.T) {
	n := newNode(t, nil)
	drops := collect[types.EvtPacketDropped](t, n.bus)
	cl := udpClient(t)
	dst := net.UDPAddrFromAddrPort(n.conn.BoundAddr())

	for i := 0; i < 5; i++ {
		_, err := cl.WriteToUDP([]byte("garbage"), dst)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return n.conn.Stats().Dropped == 5 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(drops()) > 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	evs := drops()
	require.Len(t, evs, 1)
	assert.Equal(t, types.DropUnknownSource, evs[0].Reason)
	assert.Equal(t, cl.LocalAddr().(*net.UDPAddr).AddrPort(), evs[0].Source)
}

func TestReadFrom_Deadline(t *testing.T) {
	n := newNode(t, nil)
	require.NoError(t, n.conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := n.conn.ReadFrom(make([]byte, 16))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// 清除截止时间后阻塞读取可被关闭唤醒
	require.NoError(t, n.conn.SetReadDeadline(time.Time{}))
	done := make(chan error, 1)
	go func() {
		_, _, err := n.conn.ReadFrom(make([]byte, 16))
		done <- err
	}()
	require.NoError(t, n.conn.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrom 未在关闭后返回")
	}
	assert.ErrorIs(t, n.conn.SendTo(types.PeerID{1}, []byte("x")), magicsock.ErrClosed)
}

func TestLocalAddr_IsLogical(t *testing.T) {
	n := newNode(t, nil)
	ap := n.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	assert.True(t, types.IsLogicalAddr(ap))
	assert.Equal(t, n.id().LogicalAddr(), ap)
}

func TestRebind_KeepsPort(t *testing.T) {
	n := newNode(t, nil)
	before := n.conn.BoundAddr()
	require.NoError(t, n.conn.Rebind())
	assert.Equal(t, before.Addr(), n.conn.BoundAddr().Addr())
	assert.NotZero(t, n.conn.LocalPort())
}
