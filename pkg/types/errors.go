package types

import "errors"

// ============================================================================
//                              错误分类
// ============================================================================
//
// 各模块用 fmt.Errorf("...: %w", ErrXxx) 包装以下错误，
// 调用方统一使用 errors.Is 判断类别。

var (
	// ErrProbeTimeout 探测窗口内没有任何中继响应（可恢复，仅产生事件）
	ErrProbeTimeout = errors.New("probe timeout")

	// ErrNetworkUnreachable 所有探测都无法发出（上报，直到网络变化前不再重试）
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrRelayUnavailable 中继不可用（内部重连，预算耗尽时才上报）
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrUnknownPeer 未知对端（本地丢弃或拒绝）
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrAuthenticationFailure 认证失败（丢弃数据包，不推进对端状态）
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// ErrClosed 组件已关闭
var ErrClosed = errors.New("closed")
