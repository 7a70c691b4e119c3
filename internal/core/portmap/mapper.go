// Package portmap 通过 NAT-PMP 与 UPnP IGD 在网关上映射 UDP 端口
//
// 映射得到的外部地址只作为额外的本地候选地址，任何失败都只记录日志。
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var (
	// ErrNoGateway 没有可用的端口映射网关
	ErrNoGateway = errors.New("portmap: no gateway available")
	// ErrDisabled 端口映射已禁用
	ErrDisabled = errors.New("portmap: disabled")
)

// mappingDescription UPnP 映射描述
const mappingDescription = "magicnet"

// natpmpClient go-nat-pmp 客户端的最小接口
type natpmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// upnpClient WANIPConnection 客户端的最小接口
type upnpClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16,
		internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
}

// Mapping 当前生效的映射
type Mapping struct {
	Protocol  string
	Internal  uint16
	External  netip.AddrPort
	ExpiresAt time.Time
}

// Mapper 端口映射器
type Mapper struct {
	cfg   config.PortMapConfig
	clock clock.Clock

	discoverNATPMP func(ctx context.Context, timeout time.Duration) (natpmpClient, netip.Addr, error)
	discoverUPnP   func(ctx context.Context) (upnpClient, error)

	mu      sync.Mutex
	pmp     natpmpClient
	gateway netip.Addr
	igd     upnpClient
	avail   types.PortMapAvailability
	current *Mapping
}

// NewMapper 创建端口映射器
func NewMapper(cfg config.PortMapConfig, clk clock.Clock) *Mapper {
	if clk == nil {
		clk = clock.New()
	}
	return &Mapper{
		cfg:            cfg,
		clock:          clk,
		discoverNATPMP: discoverNATPMP,
		discoverUPnP:   discoverUPnP,
	}
}

// ============================================================================
//                              探测
// ============================================================================

// Probe 探测网关支持的端口映射协议
func (m *Mapper) Probe(ctx context.Context) types.PortMapAvailability {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout.Duration())
	defer cancel()

	var (
		g     errgroup.Group
		pmp   natpmpClient
		gw    netip.Addr
		igd   upnpClient
		avail = types.PortMapAvailability{Probed: true}
	)
	if m.cfg.EnableNATPMP {
		g.Go(func() error {
			c, addr, err := m.discoverNATPMP(ctx, m.cfg.Timeout.Duration())
			if err != nil {
				log.Debug("NAT-PMP 不可用", "err", err)
				return nil
			}
			pmp, gw = c, addr
			return nil
		})
	}
	if m.cfg.EnableUPnP {
		g.Go(func() error {
			c, err := m.discoverUPnP(ctx)
			if err != nil {
				log.Debug("UPnP 不可用", "err", err)
				return nil
			}
			igd = c
			return nil
		})
	}
	_ = g.Wait()

	avail.NATPMP = pmp != nil
	avail.UPnP = igd != nil

	m.mu.Lock()
	m.pmp, m.gateway, m.igd = pmp, gw, igd
	m.avail = avail
	m.mu.Unlock()

	log.Debug("端口映射探测完成", "natpmp", avail.NATPMP, "upnp", avail.UPnP, "gateway", gw)
	return avail
}

// Availability 返回最近一次探测结果
func (m *Mapper) Availability() types.PortMapAvailability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avail
}

// ============================================================================
//                              映射
// ============================================================================

// Map 为本地 UDP 端口建立映射，返回外部地址
//
// 优先 NAT-PMP，其次 UPnP。尚未探测时先探测一次。
func (m *Mapper) Map(ctx context.Context, localPort uint16) (netip.AddrPort, error) {
	if !m.cfg.EnableNATPMP && !m.cfg.EnableUPnP {
		return netip.AddrPort{}, ErrDisabled
	}
	m.mu.Lock()
	probed := m.avail.Probed
	m.mu.Unlock()
	if !probed {
		m.Probe(ctx)
	}

	m.mu.Lock()
	pmp, gw, igd := m.pmp, m.gateway, m.igd
	m.mu.Unlock()

	var errs []error
	if pmp != nil {
		ext, err := m.mapNATPMP(ctx, pmp, localPort)
		if err == nil {
			return ext, nil
		}
		errs = append(errs, fmt.Errorf("natpmp: %w", err))
	}
	if igd != nil {
		ext, err := m.mapUPnP(ctx, igd, gw, localPort)
		if err == nil {
			return ext, nil
		}
		errs = append(errs, fmt.Errorf("upnp: %w", err))
	}
	if len(errs) == 0 {
		return netip.AddrPort{}, ErrNoGateway
	}
	return netip.AddrPort{}, errors.Join(errs...)
}

func (m *Mapper) mapNATPMP(ctx context.Context, c natpmpClient, localPort uint16) (netip.AddrPort, error) {
	lifetime := int(m.cfg.Lifetime.Duration() / time.Second)
	res, err := withTimeout(ctx, m.cfg.Timeout.Duration(), func() (*natpmp.AddPortMappingResult, error) {
		return c.AddPortMapping("udp", int(localPort), int(localPort), lifetime)
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	ext, err := withTimeout(ctx, m.cfg.Timeout.Duration(), c.GetExternalAddress)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr := netip.AddrPortFrom(netip.AddrFrom4(ext.ExternalIPAddress), res.MappedExternalPort)
	m.record("natpmp", localPort, addr, time.Duration(res.PortMappingLifetimeInSeconds)*time.Second)
	return addr, nil
}

func (m *Mapper) mapUPnP(ctx context.Context, c upnpClient, gw netip.Addr, localPort uint16) (netip.AddrPort, error) {
	lan, err := lanAddrFor(gw)
	if err != nil {
		return netip.AddrPort{}, err
	}
	lease := uint32(m.cfg.Lifetime.Duration() / time.Second)
	_, err = withTimeout(ctx, m.cfg.Timeout.Duration(), func() (struct{}, error) {
		return struct{}{}, c.AddPortMapping("", localPort, "UDP", localPort, lan.String(), true, mappingDescription, lease)
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	raw, err := withTimeout(ctx, m.cfg.Timeout.Duration(), c.GetExternalIPAddress)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad external address %q: %w", raw, err)
	}
	addr := netip.AddrPortFrom(ip.Unmap(), localPort)
	m.record("upnp", localPort, addr, m.cfg.Lifetime.Duration())
	return addr, nil
}

func (m *Mapper) record(proto string, local uint16, ext netip.AddrPort, lifetime time.Duration) {
	m.mu.Lock()
	m.current = &Mapping{Protocol: proto, Internal: local, External: ext, ExpiresAt: m.clock.Now().Add(lifetime)}
	m.mu.Unlock()
	log.Info("端口映射成功", "protocol", proto, "internal", local, "external", ext, "lifetime", lifetime)
}

// Current 返回当前映射
func (m *Mapper) Current() (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.clock.Now().Before(m.current.ExpiresAt) {
		return Mapping{}, false
	}
	return *m.current, true
}

// Run 保持本地端口的映射，租期过半时续期，直到 ctx 取消
func (m *Mapper) Run(ctx context.Context, localPort func() uint16, onMapped func(netip.AddrPort)) {
	defer m.release()
	refresh := m.cfg.Lifetime.Duration() / 2
	for {
		wait := refresh
		ext, err := m.Map(ctx, localPort())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug("端口映射失败", "err", err)
		} else if onMapped != nil {
			onMapped(ext)
		}
		t := m.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// release 尽力删除映射
func (m *Mapper) release() {
	m.mu.Lock()
	cur, pmp, igd := m.current, m.pmp, m.igd
	m.current = nil
	m.mu.Unlock()
	if cur == nil {
		return
	}
	switch cur.Protocol {
	case "natpmp":
		if pmp != nil {
			_, _ = pmp.AddPortMapping("udp", int(cur.Internal), 0, 0)
		}
	case "upnp":
		if igd != nil {
			_ = igd.DeletePortMapping("", cur.External.Port(), "UDP")
		}
	}
}

// ============================================================================
//                              网关发现
// ============================================================================

func discoverNATPMP(ctx context.Context, timeout time.Duration) (natpmpClient, netip.Addr, error) {
	ip, err := withTimeout(ctx, timeout, gateway.DiscoverGateway)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("discover gateway: %w", err)
	}
	gw, ok := netip.AddrFromSlice(ip)
	if !ok {
		return nil, netip.Addr{}, ErrNoGateway
	}
	c := natpmp.NewClientWithTimeout(ip, timeout)
	if _, err := withTimeout(ctx, timeout, c.GetExternalAddress); err != nil {
		return nil, netip.Addr{}, err
	}
	return c, gw.Unmap(), nil
}

func discoverUPnP(ctx context.Context) (upnpClient, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients[0], nil
}

// lanAddrFor 返回访问网关时使用的本地地址
func lanAddrFor(gw netip.Addr) (netip.Addr, error) {
	if !gw.IsValid() {
		gw = netip.MustParseAddr("192.0.2.1")
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(gw, 9)))
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

// withTimeout 在超时内执行不支持 context 的阻塞调用
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
