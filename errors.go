package magicnet

import "errors"

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 节点生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ────────────────────────────────────────────────────────────────────────
	// 组件错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrQUICDisabled 配置禁用了 QUIC 传输
	ErrQUICDisabled = errors.New("quic transport disabled")

	// ErrNetcheckDisabled 未配置中继，无法进行网络探测
	ErrNetcheckDisabled = errors.New("netcheck unavailable: no relays configured")
)
