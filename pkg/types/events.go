package types

import (
	"net/netip"
	"time"
)

// ============================================================================
//                              路径事件
// ============================================================================

// EvtPathChanged 对端路径状态变化
type EvtPathChanged struct {
	Peer   PeerID
	From   PeerState
	To     PeerState
	Path   Path
	Reason string
	At     time.Time
}

// EvtProbeStarted 开始一次直连探测
type EvtProbeStarted struct {
	Peer PeerID
	Addr netip.AddrPort
}

// EvtProbeSucceeded 直连探测成功
type EvtProbeSucceeded struct {
	Peer PeerID
	Addr netip.AddrPort
	RTT  time.Duration
}

// EvtProbeExpired 直连探测超时（ErrProbeTimeout 只以事件形式出现）
type EvtProbeExpired struct {
	Peer     PeerID
	Addr     netip.AddrPort
	Failures int
}

// EvtCandidateDemoted 候选地址因连续失败被降级
type EvtCandidateDemoted struct {
	Peer     PeerID
	Addr     netip.AddrPort
	Failures int
}

// ============================================================================
//                              网络事件
// ============================================================================

// EvtReportUpdated 生成了新的可达性报告
type EvtReportUpdated struct {
	Report *Report
}

// EvtNetcheckFailed 网络探测失败
type EvtNetcheckFailed struct {
	Err error
}

// EvtNetworkChanged 本地网络发生变化
type EvtNetworkChanged struct {
	At time.Time
}

// EvtLocalEndpointsChanged 本地端点集合变化
type EvtLocalEndpointsChanged struct {
	Endpoints []CandidateAddress
}

// ============================================================================
//                              中继事件
// ============================================================================

// EvtRelayStateChanged 中继会话状态变化
type EvtRelayStateChanged struct {
	URL   RelayURL
	From  RelayState
	To    RelayState
	Error error
}

// EvtRelayUnavailable 中继重连预算耗尽
type EvtRelayUnavailable struct {
	URL RelayURL
	Err error
}

// EvtRelaysExhausted 所有配置的中继都已耗尽重连预算，任一中继恢复前不再有中继路径
type EvtRelaysExhausted struct {
	Err error
}

// ============================================================================
//                              数据包事件
// ============================================================================

// DropReason 丢包原因
type DropReason string

const (
	// DropUnknownSource 源地址无法归属到任何对端
	DropUnknownSource DropReason = "unknown-source"
	// DropQueueFull 待发送队列已满
	DropQueueFull DropReason = "queue-full"
	// DropAuthFailure 认证失败
	DropAuthFailure DropReason = "auth-failure"
	// DropUnknownPeer 未知对端
	DropUnknownPeer DropReason = "unknown-peer"
	// DropInboundFull 接收队列已满
	DropInboundFull DropReason = "inbound-full"
)

// EvtPacketDropped 数据包被丢弃
type EvtPacketDropped struct {
	Peer   PeerID
	Source netip.AddrPort
	Reason DropReason
}

// EvtAuthFailure 认证失败
type EvtAuthFailure struct {
	Peer   PeerID
	Source string
}
