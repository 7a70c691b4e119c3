package types

import (
	"net/netip"
	"sort"
	"time"
)

// ============================================================================
//                              Sample - 探测样本
// ============================================================================

// Sample 一次成功的 STUN 探测样本
type Sample struct {
	// LocalPort 发出探测的本地端口
	LocalPort uint16
	// Relay 被探测的中继
	Relay RelayURL
	// Observed 中继观察到的外部地址
	Observed netip.AddrPort
	// RTT 往返时延
	RTT time.Duration
}

// ============================================================================
//                              Report - 网络可达性报告
// ============================================================================

// PortMapAvailability 端口映射协议可用性
type PortMapAvailability struct {
	Probed bool
	NATPMP bool
	UPnP   bool
}

// Report 网络可达性报告（不可变快照，整体替换）
type Report struct {
	// ID 报告标识
	ID string
	// CreatedAt 生成时间
	CreatedAt time.Time
	// Duration 生成耗时
	Duration time.Duration
	// Full 是否为完整报告（非增量）
	Full bool

	// UDP 是否有任何 STUN 响应
	UDP bool
	// IPv4 / IPv6 是否有对应协议族的响应
	IPv4 bool
	IPv6 bool
	// GlobalV4 / GlobalV6 公网反射地址
	GlobalV4 netip.AddrPort
	GlobalV6 netip.AddrPort

	// NAT NAT 分类
	NAT NATType
	// MappingVariesByDestIP 映射是否随目的 IP 变化，nil 表示未知
	MappingVariesByDestIP *bool

	// UDPBlocked UDP 无响应但中继控制通道可达
	UDPBlocked bool
	// RelayLatency 各中继的最小时延
	RelayLatency map[RelayURL]time.Duration
	// RelayDown 探测期间 UDP 与控制通道都不可达的中继
	RelayDown []RelayURL
	// PreferredRelay 时延最低的中继
	PreferredRelay RelayURL

	// PortMap 端口映射可用性
	PortMap PortMapAvailability
	// CaptivePortal 是否检测到强制门户，nil 表示未检测
	CaptivePortal *bool
	// HairPinning 发往本机公网反射地址的包能否回到本机，nil 表示未检测
	HairPinning *bool

	// Samples 原始探测样本
	Samples []Sample
}

// DirectPlausible 报告是否认为直连可能
func (r *Report) DirectPlausible() bool {
	if r == nil {
		return true
	}
	return r.NAT.DirectPlausible()
}

// PublicAddr 返回首选公网地址（优先 IPv4）
func (r *Report) PublicAddr() netip.AddrPort {
	if r == nil {
		return netip.AddrPort{}
	}
	if r.GlobalV4.IsValid() {
		return r.GlobalV4
	}
	return r.GlobalV6
}

// Relays 按时延从低到高返回可达中继
func (r *Report) Relays() []RelayURL {
	if r == nil {
		return nil
	}
	out := make([]RelayURL, 0, len(r.RelayLatency))
	for u := range r.RelayLatency {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := r.RelayLatency[out[i]], r.RelayLatency[out[j]]
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// Clone 深拷贝报告
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	if r.MappingVariesByDestIP != nil {
		v := *r.MappingVariesByDestIP
		c.MappingVariesByDestIP = &v
	}
	if r.CaptivePortal != nil {
		v := *r.CaptivePortal
		c.CaptivePortal = &v
	}
	if r.HairPinning != nil {
		v := *r.HairPinning
		c.HairPinning = &v
	}
	c.RelayLatency = make(map[RelayURL]time.Duration, len(r.RelayLatency))
	for k, v := range r.RelayLatency {
		c.RelayLatency[k] = v
	}
	c.RelayDown = append([]RelayURL(nil), r.RelayDown...)
	c.Samples = append([]Sample(nil), r.Samples...)
	return &c
}
