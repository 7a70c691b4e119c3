package types

import (
	"net/netip"
	"net/url"
	"time"
)

// ============================================================================
//                              AddrSource - 地址来源
// ============================================================================

// AddrSource 候选地址的来源
type AddrSource int

const (
	// SourceUnknown 未知来源
	SourceUnknown AddrSource = iota
	// SourceDirectObserved 从直连数据包中观察到的源地址
	SourceDirectObserved
	// SourceRelayDerived 通过中继收到的 CallMeMaybe 中携带的地址
	SourceRelayDerived
	// SourceDiscoveryFed 外部发现机制投递的地址
	SourceDiscoveryFed
	// SourcePortMapped 端口映射得到的地址（仅本地端点）
	SourcePortMapped
	// SourceLocal 本地网卡地址（仅本地端点）
	SourceLocal
	// SourceReflexive STUN 反射地址（仅本地端点）
	SourceReflexive
)

// String 返回来源名称
func (s AddrSource) String() string {
	switch s {
	case SourceDirectObserved:
		return "direct-observed"
	case SourceRelayDerived:
		return "relay-derived"
	case SourceDiscoveryFed:
		return "discovery-fed"
	case SourcePortMapped:
		return "port-mapped"
	case SourceLocal:
		return "local"
	case SourceReflexive:
		return "reflexive"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              CandidateAddress - 候选地址
// ============================================================================

// CandidateAddress 对端的一个候选直连地址
//
// 传输层固定为 UDP。相同 Addr 的候选会被合并，只保留最新的 LastSeen。
type CandidateAddress struct {
	Addr     netip.AddrPort
	Source   AddrSource
	LastSeen time.Time
}

// IsValid 检查候选地址是否可用
func (c CandidateAddress) IsValid() bool {
	return c.Addr.IsValid() && c.Addr.Port() != 0 && !IsLogicalAddr(c.Addr)
}

// String 返回地址字符串
func (c CandidateAddress) String() string {
	return c.Addr.String() + "(" + c.Source.String() + ")"
}

// ============================================================================
//                              RelayURL - 中继地址
// ============================================================================

// RelayURL 中继服务器地址，如 https://relay.example.com
//
// 支持 http/https（HTTP Upgrade）与 ws/wss（WebSocket）。
type RelayURL string

// String 返回字符串形式
func (u RelayURL) String() string {
	return string(u)
}

// IsEmpty 检查是否为空
func (u RelayURL) IsEmpty() bool {
	return u == ""
}

// Host 返回主机名（不含端口），解析失败返回空串
func (u RelayURL) Host() string {
	p, err := url.Parse(string(u))
	if err != nil {
		return ""
	}
	return p.Hostname()
}

// Parse 解析为 *url.URL
func (u RelayURL) Parse() (*url.URL, error) {
	return url.Parse(string(u))
}
