package netmon

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/pkg/types"
)

type fakeIfaces struct {
	mu     sync.Mutex
	ifaces []Interface
	err    error
}

func (f *fakeIfaces) get() ([]Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Interface(nil), f.ifaces...), f.err
}

func (f *fakeIfaces) set(ifaces ...Interface) {
	f.mu.Lock()
	f.ifaces = ifaces
	f.mu.Unlock()
}

func wifi(addrs ...string) Interface {
	n := Interface{Name: "wlan0", Up: true}
	for _, a := range addrs {
		n.Addrs = append(n.Addrs, netip.MustParsePrefix(a))
	}
	return n
}

func TestCheck_DetectsAddressChange(t *testing.T) {
	src := &fakeIfaces{}
	src.set(wifi("192.168.1.20/24"))
	m, err := New(config.DefaultNetmonConfig(), WithInterfaces(src.get))
	require.NoError(t, err)

	assert.False(t, m.Check())

	// 地址顺序变化不算变化
	src.set(wifi("192.168.1.20/24", "fe80::1/64"))
	assert.True(t, m.Check())
	src.set(wifi("fe80::1/64", "192.168.1.20/24"))
	assert.False(t, m.Check())

	src.set(wifi("10.0.0.5/24", "fe80::1/64"))
	assert.True(t, m.Check())
	assert.Equal(t, 2, m.Changes())
}

func TestCheck_InterfaceDown(t *testing.T) {
	src := &fakeIfaces{}
	src.set(wifi("192.168.1.20/24"))
	m, err := New(config.DefaultNetmonConfig(), WithInterfaces(src.get))
	require.NoError(t, err)

	down := wifi("192.168.1.20/24")
	down.Up = false
	src.set(down)
	assert.True(t, m.Check())

	// 读取失败视为网卡全部消失
	src.mu.Lock()
	src.err = errors.New("netlink: permission denied")
	src.ifaces = nil
	src.mu.Unlock()
	assert.True(t, m.Check())
	assert.False(t, m.Check())
}

func TestRun_EmitsNetworkChanged(t *testing.T) {
	clk := clock.NewMock()
	bus := eventbus.NewBus()
	sub, err := bus.Subscribe(new(types.EvtNetworkChanged), eventbus.BufSize(4))
	require.NoError(t, err)
	defer sub.Close()

	src := &fakeIfaces{}
	src.set(wifi("192.168.1.20/24"))
	cfg := config.DefaultNetmonConfig()
	m, err := New(cfg, WithClock(clk), WithEventBus(bus), WithInterfaces(src.get))
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	src.set(wifi("10.0.0.5/24"))
	require.Eventually(t, func() bool {
		clk.Add(cfg.PollInterval.Duration())
		return m.Changes() == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-sub.Out():
		assert.False(t, ev.(types.EvtNetworkChanged).At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("未收到 EvtNetworkChanged")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(config.NetmonConfig{Enable: true})
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	old := map[string]Interface{"wlan0": wifi("192.168.1.20/24"), "eth0": {Name: "eth0", Up: true}}
	cur := map[string]Interface{"wlan0": wifi("10.0.0.5/24"), "wwan0": {Name: "wwan0", Up: true}}
	got := map[string]int{}
	for _, c := range diff(old, cur) {
		got[c.change]++
	}
	assert.Equal(t, map[string]int{"added": 1, "removed": 1, "addr-added": 1, "addr-removed": 1}, got)
}
