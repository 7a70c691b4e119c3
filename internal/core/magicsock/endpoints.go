package magicsock

import (
	"net"
	"net/netip"
	"slices"

	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              本地端点
// ============================================================================

// Endpoints 返回当前上报给路径管理器的本地端点
func (c *Conn) Endpoints() []types.CandidateAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.endpoints)
}

// setMapped 端口映射成功的回调
func (c *Conn) setMapped(ap netip.AddrPort) {
	c.mu.Lock()
	changed := c.mapped != ap
	c.mapped = ap
	c.mu.Unlock()
	if changed {
		log.Info("端口映射已建立", "external", ap)
		c.updateEndpoints()
	}
}

// updateEndpoints 汇总本地端点：绑定地址、反射地址与端口映射地址
func (c *Conn) updateEndpoints() {
	if c.isClosed() {
		return
	}
	bound := c.BoundAddr()
	var eps []types.CandidateAddress
	add := func(ap netip.AddrPort, src types.AddrSource) {
		if !ap.IsValid() || ap.Port() == 0 {
			return
		}
		for _, e := range eps {
			if e.Addr == ap {
				return
			}
		}
		eps = append(eps, types.CandidateAddress{Addr: ap, Source: src, LastSeen: c.clock.Now()})
	}

	var report *types.Report
	if c.netcheck != nil {
		report = c.netcheck.LastReport()
	}
	if report != nil {
		add(report.GlobalV4, types.SourceReflexive)
		add(report.GlobalV6, types.SourceReflexive)
	}
	c.mu.Lock()
	mapped := c.mapped
	c.mu.Unlock()
	add(mapped, types.SourcePortMapped)

	if ip := bound.Addr().Unmap(); !ip.IsUnspecified() {
		add(netip.AddrPortFrom(ip, bound.Port()), types.SourceLocal)
	} else {
		for _, a := range interfaceAddrs() {
			add(netip.AddrPortFrom(a, bound.Port()), types.SourceLocal)
		}
	}

	c.mu.Lock()
	same := slices.EqualFunc(c.endpoints, eps, func(a, b types.CandidateAddress) bool {
		return a.Addr == b.Addr && a.Source == b.Source
	})
	c.endpoints = eps
	c.mu.Unlock()
	if same {
		return
	}

	addrs := make([]netip.AddrPort, 0, len(eps))
	for _, e := range eps {
		addrs = append(addrs, e.Addr)
	}
	c.pm.SetLocalEndpoints(addrs)
	log.Debug("本地端点已更新", "endpoints", addrs)
	c.localEm.Emit(types.EvtLocalEndpointsChanged{Endpoints: slices.Clone(eps)})
}

// interfaceAddrs 返回可用于直连的本机单播地址（不含回环与链路本地）
func interfaceAddrs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Debug("枚举网卡地址失败", "err", err)
		return nil
	}
	var out []netip.Addr
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		out = append(out, ip)
	}
	return out
}

// ============================================================================
//                              首选中继
// ============================================================================

// initHomeRelay 尚无首选中继时先使用第一个配置的中继，报告生成后再按时延调整
func (c *Conn) initHomeRelay() {
	home := c.relay.Home()
	if home.IsEmpty() {
		urls := c.relay.URLs()
		if len(urls) == 0 {
			return
		}
		home = urls[0]
		if err := c.relay.SetHome(home); err != nil {
			log.Warn("设置首选中继失败", "relay", home, "err", err)
			return
		}
	}
	c.pm.SetHomeRelay(home)
	c.flushAll()
}

// selectHomeRelay 按报告切换到时延最低的中继
func (c *Conn) selectHomeRelay(r *types.Report) {
	if c.relay == nil || r == nil || r.PreferredRelay.IsEmpty() {
		return
	}
	// 首选中继耗尽后路径管理器已清空记录，即使中继管理器仍保留该地址也要重新设置
	if r.PreferredRelay == c.relay.Home() && r.PreferredRelay == c.pm.HomeRelay() {
		return
	}
	if err := c.relay.SetHome(r.PreferredRelay); err != nil {
		log.Warn("切换首选中继失败", "relay", r.PreferredRelay, "err", err)
		return
	}
	c.pm.SetHomeRelay(r.PreferredRelay)
	c.flushAll()
}

// ============================================================================
//                              事件
// ============================================================================

func (c *Conn) watchEvents() error {
	paths, err := c.bus.Subscribe(new(types.EvtPathChanged), eventbus.BufSize(256))
	if err != nil {
		return err
	}
	reports, err := c.bus.Subscribe(new(types.EvtReportUpdated), eventbus.BufSize(4))
	if err != nil {
		_ = paths.Close()
		return err
	}
	changes, err := c.bus.Subscribe(new(types.EvtNetworkChanged), eventbus.BufSize(8))
	if err != nil {
		_ = paths.Close()
		_ = reports.Close()
		return err
	}
	c.spawn(func() {
		defer paths.Close()
		eventbus.Each(c.ctx, paths, func(ev types.EvtPathChanged) {
			if ev.Path.IsValid() {
				c.flush(ev.Peer)
			}
		})
	})
	c.spawn(func() {
		defer reports.Close()
		eventbus.Each(c.ctx, reports, func(ev types.EvtReportUpdated) {
			c.selectHomeRelay(ev.Report)
			c.updateEndpoints()
		})
	})
	c.spawn(func() {
		defer changes.Close()
		eventbus.Each(c.ctx, changes, func(types.EvtNetworkChanged) {
			if err := c.Rebind(); err != nil {
				log.Warn("网络变化后重绑定失败", "err", err)
			}
		})
	})
	return nil
}
