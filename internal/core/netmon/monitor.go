// Package netmon 监测本机网络接口变化
//
// 周期性读取网卡与地址集合计算指纹，指纹变化时在事件总线上发出
// EvtNetworkChanged。订阅方：netcheck 作废报告并重新探测，路径管理器
// 清除降级并重新探测，虚拟套接字重绑定并刷新本地端点。
package netmon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Interface 网卡快照
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Prefix
}

// InterfacesFunc 返回当前网卡列表
type InterfacesFunc func() ([]Interface, error)

// Option 监测器选项
type Option func(*Monitor)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithEventBus 设置事件总线
func WithEventBus(bus pkgif.EventBus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithInterfaces 替换网卡来源
func WithInterfaces(fn InterfacesFunc) Option {
	return func(m *Monitor) { m.interfaces = fn }
}

// Monitor 基于轮询的网络变化监测器
type Monitor struct {
	cfg        config.NetmonConfig
	clock      clock.Clock
	bus        pkgif.EventBus
	interfaces InterfacesFunc
	changedEm  *eventbus.Publisher[types.EvtNetworkChanged]

	mu          sync.Mutex
	fingerprint string
	last        map[string]Interface
	changes     int
}

// New 创建监测器
func New(cfg config.NetmonConfig, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("netmon config: %w", err)
	}
	m := &Monitor{
		cfg:        cfg,
		clock:      clock.New(),
		interfaces: SystemInterfaces,
	}
	for _, o := range opts {
		o(m)
	}
	var err error
	if m.changedEm, err = eventbus.NewPublisher[types.EvtNetworkChanged](m.bus); err != nil {
		return nil, err
	}
	m.fingerprint, m.last = m.snapshot()
	return m, nil
}

// Run 按 PollInterval 轮询直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	t := m.clock.Ticker(m.cfg.PollInterval.Duration())
	defer t.Stop()
	log.Info("网络变化监测已启动", "interval", m.cfg.PollInterval.Duration())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check()
		}
	}
}

// Check 立即检查一次，发生变化时发出事件并返回 true
func (m *Monitor) Check() bool {
	fp, cur := m.snapshot()
	m.mu.Lock()
	if fp == m.fingerprint {
		m.mu.Unlock()
		return false
	}
	prev := m.last
	m.fingerprint, m.last = fp, cur
	m.changes++
	m.mu.Unlock()

	for _, d := range diff(prev, cur) {
		log.Debug("网卡变化", "iface", d.iface, "change", d.change, "addr", d.addr)
	}
	log.Info("检测到网络变化", "fingerprint", fp[:8])
	m.changedEm.Emit(types.EvtNetworkChanged{At: m.clock.Now()})
	return true
}

// Changes 返回检测到的变化次数
func (m *Monitor) Changes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changes
}

// Close 关闭事件发布
func (m *Monitor) Close() error {
	return m.changedEm.Close()
}

// snapshot 读取网卡并计算指纹；读取失败时沿用空集合
func (m *Monitor) snapshot() (string, map[string]Interface) {
	ifaces, err := m.interfaces()
	if err != nil {
		log.Debug("读取网卡失败", "err", err)
	}
	cur := make(map[string]Interface, len(ifaces))
	parts := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs := slices.Clone(iface.Addrs)
		slices.SortFunc(addrs, func(a, b netip.Prefix) int { return strings.Compare(a.String(), b.String()) })
		iface.Addrs = addrs
		cur[iface.Name] = iface

		strs := make([]string, len(addrs))
		for i, a := range addrs {
			strs[i] = a.String()
		}
		parts = append(parts, fmt.Sprintf("%s:%t:[%s]", iface.Name, iface.Up, strings.Join(strs, ",")))
	}
	sort.Strings(parts)
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:]), cur
}

type change struct {
	iface  string
	change string
	addr   netip.Prefix
}

func diff(old, cur map[string]Interface) []change {
	var out []change
	for name, n := range cur {
		o, ok := old[name]
		switch {
		case !ok:
			out = append(out, change{iface: name, change: "added"})
			continue
		case o.Up && !n.Up:
			out = append(out, change{iface: name, change: "down"})
		case !o.Up && n.Up:
			out = append(out, change{iface: name, change: "up"})
		}
		for _, a := range n.Addrs {
			if !slices.Contains(o.Addrs, a) {
				out = append(out, change{iface: name, change: "addr-added", addr: a})
			}
		}
		for _, a := range o.Addrs {
			if !slices.Contains(n.Addrs, a) {
				out = append(out, change{iface: name, change: "addr-removed", addr: a})
			}
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			out = append(out, change{iface: name, change: "removed"})
		}
	}
	return out
}

// SystemInterfaces 读取本机网卡（不含回环）
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		n := Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, a := range addrs {
				ipn, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				ip, ok := netip.AddrFromSlice(ipn.IP)
				if !ok {
					continue
				}
				ones, _ := ipn.Mask.Size()
				n.Addrs = append(n.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
			}
		}
		out = append(out, n)
	}
	return out, nil
}
