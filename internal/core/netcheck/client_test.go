package netcheck_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/relay/relaytest"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var publicIP = netip.MustParseAddr("203.0.113.7")

func testConfig() config.NetcheckConfig {
	cfg := config.DefaultNetcheckConfig()
	cfg.Timeout = config.Duration(3 * time.Second)
	cfg.STUNTimeout = config.Duration(time.Second)
	cfg.ProbeRetries = 2
	cfg.ProbeRetryDelay = config.Duration(50 * time.Millisecond)
	cfg.ExtraLocalPorts = 2
	cfg.CaptivePortalCheck = false
	return cfg
}

func lan() []netip.Addr { return []netip.Addr{netip.MustParseAddr("192.168.1.20")} }

type fakePinger struct {
	rtt   time.Duration
	err   error
	calls atomic.Int64
}

func (p *fakePinger) Ping(ctx context.Context, _ types.RelayURL) (time.Duration, error) {
	p.calls.Add(1)
	if p.err != nil {
		return 0, p.err
	}
	return p.rtt, nil
}

type fakePortMap struct{ calls atomic.Int64 }

func (f *fakePortMap) Probe(context.Context) types.PortMapAvailability {
	f.calls.Add(1)
	return types.PortMapAvailability{Probed: true, NATPMP: true}
}

type failingSender struct{ calls atomic.Int64 }

func (f *failingSender) LocalPort() uint16 { return 4242 }

func (f *failingSender) SendSTUN([]byte, netip.AddrPort) error {
	f.calls.Add(1)
	return errors.New("sendto: network is unreachable")
}

func TestRunCheck_NoNAT(t *testing.T) {
	r1 := relaytest.NewServer(t)
	r2 := relaytest.NewServer(t)

	c, err := netcheck.NewClient(testConfig())
	require.NoError(t, err)

	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL(), r2.URL()})
	require.NoError(t, err)
	assert.True(t, rep.UDP)
	assert.True(t, rep.IPv4)
	assert.True(t, rep.Full)
	assert.Equal(t, types.NATNone, rep.NAT)
	assert.Len(t, rep.RelayLatency, 2)
	assert.NotEmpty(t, rep.PreferredRelay)
	assert.NotEmpty(t, rep.ID)
	assert.True(t, rep.GlobalV4.Addr().IsLoopback())
	assert.Same(t, rep, c.LastReport())
}

func TestRunCheck_EasyNAT(t *testing.T) {
	r1 := relaytest.NewServer(t)
	r2 := relaytest.NewServer(t)
	r1.STUN().SetMapper(relaytest.EasyNAT(publicIP))
	r2.STUN().SetMapper(relaytest.EasyNAT(publicIP))

	c, err := netcheck.NewClient(testConfig(), netcheck.WithLocalAddrs(lan))
	require.NoError(t, err)
	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL(), r2.URL()})
	require.NoError(t, err)

	assert.Equal(t, types.NATEasy, rep.NAT)
	assert.True(t, rep.DirectPlausible())
	assert.Equal(t, publicIP, rep.GlobalV4.Addr())
	require.NotNil(t, rep.MappingVariesByDestIP)
	assert.False(t, *rep.MappingVariesByDestIP)
}

func TestRunCheck_SymmetricNAT(t *testing.T) {
	r1 := relaytest.NewServer(t)
	r2 := relaytest.NewServer(t)
	r1.STUN().SetMapper(relaytest.SymmetricNAT(publicIP, 1000))
	r2.STUN().SetMapper(relaytest.SymmetricNAT(publicIP, 2000))

	c, err := netcheck.NewClient(testConfig(), netcheck.WithLocalAddrs(lan))
	require.NoError(t, err)
	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL(), r2.URL()})
	require.NoError(t, err)

	assert.Equal(t, types.NATSymmetricLike, rep.NAT)
	assert.False(t, rep.DirectPlausible())
	require.NotNil(t, rep.MappingVariesByDestIP)
	assert.True(t, *rep.MappingVariesByDestIP)
}

func TestRunCheck_UDPBlockedFallsBackToControlChannel(t *testing.T) {
	r1 := relaytest.NewServer(t)
	r1.STUN().SetDrop(true)

	cfg := testConfig()
	cfg.STUNTimeout = config.Duration(200 * time.Millisecond)
	pinger := &fakePinger{rtt: 15 * time.Millisecond}
	c, err := netcheck.NewClient(cfg, netcheck.WithRelayPinger(pinger))
	require.NoError(t, err)

	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	require.NoError(t, err)
	assert.False(t, rep.UDP)
	assert.True(t, rep.UDPBlocked)
	assert.Equal(t, 15*time.Millisecond, rep.RelayLatency[r1.URL()])
	assert.Equal(t, r1.URL(), rep.PreferredRelay)
	assert.Equal(t, types.NATUnknown, rep.NAT)
	assert.EqualValues(t, 1, pinger.calls.Load())
}

func TestRunCheck_ProbeTimeout(t *testing.T) {
	r1 := relaytest.NewServer(t)
	r1.STUN().SetDrop(true)

	bus := eventbus.NewBus()
	sub, err := bus.Subscribe(new(types.EvtNetcheckFailed), eventbus.BufSize(4))
	require.NoError(t, err)
	defer sub.Close()

	cfg := testConfig()
	cfg.STUNTimeout = config.Duration(200 * time.Millisecond)
	c, err := netcheck.NewClient(cfg,
		netcheck.WithEventBus(bus),
		netcheck.WithRelayPinger(&fakePinger{err: errors.New("relay down")}))
	require.NoError(t, err)

	_, err = c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	assert.ErrorIs(t, err, types.ErrProbeTimeout)
	assert.Nil(t, c.LastReport())

	select {
	case ev := <-sub.Out():
		assert.ErrorIs(t, ev.(types.EvtNetcheckFailed).Err, types.ErrProbeTimeout)
	case <-time.After(time.Second):
		t.Fatal("missing netcheck failed event")
	}

	// 超时不锁定，后续探测仍会执行
	_, err = c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	assert.ErrorIs(t, err, types.ErrProbeTimeout)
}

func TestRunCheck_NetworkUnreachableLatch(t *testing.T) {
	cfg := testConfig()
	cfg.ExtraLocalPorts = 0
	sender := &failingSender{}
	c, err := netcheck.NewClient(cfg, netcheck.WithPacketSender(sender))
	require.NoError(t, err)
	relays := []types.RelayURL{"http://127.0.0.1:1/derp?stun_port=3478"}

	_, err = c.RunCheck(context.Background(), relays)
	require.ErrorIs(t, err, types.ErrNetworkUnreachable)
	calls := sender.calls.Load()
	assert.EqualValues(t, cfg.ProbeRetries, calls)

	// 网络变化之前不再发送探测
	_, err = c.RunCheck(context.Background(), relays)
	require.ErrorIs(t, err, types.ErrNetworkUnreachable)
	assert.Equal(t, calls, sender.calls.Load())

	c.Invalidate()
	_, err = c.RunCheck(context.Background(), relays)
	require.ErrorIs(t, err, types.ErrNetworkUnreachable)
	assert.Greater(t, sender.calls.Load(), calls)
}

func TestGetReport_CachesAndInvalidates(t *testing.T) {
	r1 := relaytest.NewServer(t)
	c, err := netcheck.NewClient(testConfig(),
		netcheck.WithRelays(func() []types.RelayURL { return []types.RelayURL{r1.URL()} }))
	require.NoError(t, err)

	var wg sync.WaitGroup
	reports := make([]*types.Report, 4)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := c.GetReport(context.Background())
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	wg.Wait()
	for _, rep := range reports[1:] {
		assert.Same(t, reports[0], rep)
	}
	assert.Len(t, c.History(), 1)

	c.Invalidate()
	assert.Nil(t, c.LastReport())
	again, err := c.GetReport(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, reports[0].ID, again.ID)
	assert.True(t, again.Full)
	assert.Len(t, c.History(), 2)
}

func TestRunCheck_IncrementalKeepsPortMap(t *testing.T) {
	r1 := relaytest.NewServer(t)
	pm := &fakePortMap{}
	c, err := netcheck.NewClient(testConfig(), netcheck.WithPortMapProber(pm))
	require.NoError(t, err)

	first, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	require.NoError(t, err)
	require.True(t, first.Full)
	assert.True(t, first.PortMap.NATPMP)

	second, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	require.NoError(t, err)
	assert.False(t, second.Full)
	assert.Equal(t, first.PortMap, second.PortMap)
	assert.EqualValues(t, 1, pm.calls.Load())
}

func TestRunCheck_CaptivePortal(t *testing.T) {
	for _, tc := range []struct {
		name    string
		status  int
		captive bool
	}{
		{"clean", http.StatusNoContent, false},
		{"intercepted", http.StatusOK, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/generate_204", r.URL.Path)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			cfg := testConfig()
			cfg.CaptivePortalCheck = true
			c, err := netcheck.NewClient(cfg, netcheck.WithRelayPinger(&fakePinger{rtt: time.Millisecond}))
			require.NoError(t, err)

			rep, err := c.RunCheck(context.Background(), []types.RelayURL{types.RelayURL(srv.URL + "/derp?stun_port=0")})
			require.NoError(t, err)
			require.NotNil(t, rep.CaptivePortal)
			assert.Equal(t, tc.captive, *rep.CaptivePortal)
		})
	}
}

// TestRunCheck_HairPinning 测试本机地址直接可达时回环检测成功
func TestRunCheck_HairPinning(t *testing.T) {
	r1 := relaytest.NewServer(t)

	c, err := netcheck.NewClient(testConfig())
	require.NoError(t, err)
	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	require.NoError(t, err)
	require.NotNil(t, rep.HairPinning)
	assert.True(t, *rep.HairPinning)
}

// TestRunCheck_NoHairPinning 测试发往反射地址的包无人接收时回环检测失败
func TestRunCheck_NoHairPinning(t *testing.T) {
	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()
	sinkAddr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(sink.LocalAddr().(*net.UDPAddr).Port))

	r1 := relaytest.NewServer(t)
	r1.STUN().SetMapper(func(netip.AddrPort) netip.AddrPort { return sinkAddr })

	c, err := netcheck.NewClient(testConfig())
	require.NoError(t, err)
	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	require.NoError(t, err)
	assert.Equal(t, sinkAddr, rep.GlobalV4)
	require.NotNil(t, rep.HairPinning)
	assert.False(t, *rep.HairPinning)
}

// TestRunCheck_HairPinningNeedsSecondPort 测试只有一个本地端口时不做回环检测
func TestRunCheck_HairPinningNeedsSecondPort(t *testing.T) {
	r1 := relaytest.NewServer(t)
	cfg := testConfig()
	cfg.ExtraLocalPorts = 1

	c, err := netcheck.NewClient(cfg)
	require.NoError(t, err)
	rep, err := c.RunCheck(context.Background(), []types.RelayURL{r1.URL()})
	require.NoError(t, err)
	assert.Nil(t, rep.HairPinning)
}

func TestHandleSTUN_IgnoresUnknown(t *testing.T) {
	c, err := netcheck.NewClient(testConfig())
	require.NoError(t, err)
	assert.False(t, c.HandleSTUN([]byte("not stun"), netip.AddrPort{}))
}
