package portmap

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
)

type fakePMP struct {
	mu       sync.Mutex
	ext      [4]byte
	mapped   uint16
	failAdd  bool
	requests []int
}

func (f *fakePMP) GetExternalAddress() (*natpmp.GetExternalAddressResult, error) {
	return &natpmp.GetExternalAddressResult{ExternalIPAddress: f.ext}, nil
}

func (f *fakePMP) AddPortMapping(_ string, internal, _ int, lifetime int) (*natpmp.AddPortMappingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, lifetime)
	if f.failAdd {
		return nil, errors.New("refused")
	}
	return &natpmp.AddPortMappingResult{
		InternalPort:                 uint16(internal),
		MappedExternalPort:           f.mapped,
		PortMappingLifetimeInSeconds: uint32(lifetime),
	}, nil
}

func (f *fakePMP) lifetimes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.requests...)
}

type fakeIGD struct {
	ext     string
	mapped  []uint16
	deleted []uint16
}

func (f *fakeIGD) GetExternalIPAddress() (string, error) { return f.ext, nil }

func (f *fakeIGD) AddPortMapping(_ string, ext uint16, _ string, _ uint16, _ string, _ bool, _ string, _ uint32) error {
	f.mapped = append(f.mapped, ext)
	return nil
}

func (f *fakeIGD) DeletePortMapping(_ string, ext uint16, _ string) error {
	f.deleted = append(f.deleted, ext)
	return nil
}

func testMapper(t *testing.T, pmp natpmpClient, igd upnpClient, clk clock.Clock) *Mapper {
	t.Helper()
	cfg := config.DefaultPortMapConfig()
	cfg.Timeout = config.Duration(time.Second)
	m := NewMapper(cfg, clk)
	m.discoverNATPMP = func(context.Context, time.Duration) (natpmpClient, netip.Addr, error) {
		if pmp == nil {
			return nil, netip.Addr{}, ErrNoGateway
		}
		return pmp, netip.MustParseAddr("127.0.0.1"), nil
	}
	m.discoverUPnP = func(context.Context) (upnpClient, error) {
		if igd == nil {
			return nil, ErrNoGateway
		}
		return igd, nil
	}
	return m
}

func TestProbe_Availability(t *testing.T) {
	m := testMapper(t, &fakePMP{}, nil, nil)
	avail := m.Probe(context.Background())
	assert.True(t, avail.Probed)
	assert.True(t, avail.NATPMP)
	assert.False(t, avail.UPnP)
	assert.Equal(t, avail, m.Availability())

	none := testMapper(t, nil, nil, nil)
	avail = none.Probe(context.Background())
	assert.True(t, avail.Probed)
	assert.False(t, avail.NATPMP || avail.UPnP)
}

func TestMap_PrefersNATPMP(t *testing.T) {
	pmp := &fakePMP{ext: [4]byte{203, 0, 113, 7}, mapped: 41641}
	igd := &fakeIGD{ext: "198.51.100.2"}
	m := testMapper(t, pmp, igd, clock.NewMock())

	ext, err := m.Map(context.Background(), 41641)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.7:41641"), ext)
	assert.Empty(t, igd.mapped)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "natpmp", cur.Protocol)
	assert.Equal(t, uint16(41641), cur.Internal)
}

func TestMap_FallsBackToUPnP(t *testing.T) {
	pmp := &fakePMP{failAdd: true}
	igd := &fakeIGD{ext: "198.51.100.2"}
	m := testMapper(t, pmp, igd, clock.NewMock())

	ext, err := m.Map(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.2:5000"), ext)
	assert.Equal(t, []uint16{5000}, igd.mapped)
}

func TestMap_Errors(t *testing.T) {
	m := testMapper(t, nil, nil, nil)
	_, err := m.Map(context.Background(), 5000)
	assert.ErrorIs(t, err, ErrNoGateway)

	cfg := config.DefaultPortMapConfig()
	cfg.EnableNATPMP, cfg.EnableUPnP = false, false
	_, err = NewMapper(cfg, nil).Map(context.Background(), 5000)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestCurrent_Expires(t *testing.T) {
	clk := clock.NewMock()
	m := testMapper(t, &fakePMP{mapped: 7000}, nil, clk)
	_, err := m.Map(context.Background(), 7000)
	require.NoError(t, err)

	_, ok := m.Current()
	assert.True(t, ok)
	clk.Add(m.cfg.Lifetime.Duration())
	_, ok = m.Current()
	assert.False(t, ok)
}

func TestRun_RefreshesAndReleases(t *testing.T) {
	clk := clock.NewMock()
	pmp := &fakePMP{ext: [4]byte{203, 0, 113, 7}, mapped: 9000}
	m := testMapper(t, pmp, nil, clk)

	ctx, cancel := context.WithCancel(context.Background())
	mapped := make(chan netip.AddrPort, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, func() uint16 { return 9000 }, func(a netip.AddrPort) { mapped <- a })
	}()

	select {
	case a := <-mapped:
		assert.Equal(t, uint16(9000), a.Port())
	case <-time.After(2 * time.Second):
		t.Fatal("首次映射超时")
	}

	require.Eventually(t, func() bool {
		clk.Add(m.cfg.Lifetime.Duration() / 2)
		return len(mapped) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	lifetimes := pmp.lifetimes()
	require.NotEmpty(t, lifetimes)
	assert.Equal(t, 0, lifetimes[len(lifetimes)-1], "退出时应删除映射")
	_, ok := m.Current()
	assert.False(t, ok)
}
