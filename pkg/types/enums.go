package types

// ============================================================================
//                              PeerState - 路径状态
// ============================================================================

// PeerState 对端路径状态机的状态
//
//	Unknown → RelayOnly → Probing → Direct
//	Direct → RelayOnly（直连持续失败）
//	任意 → Unknown（候选全部清除或中继预算耗尽）
type PeerState int

const (
	// StateUnknown 尚无可用路径
	StateUnknown PeerState = iota
	// StateRelayOnly 仅经由中继通信
	StateRelayOnly
	// StateProbing 中继通信中，同时在探测直连
	StateProbing
	// StateDirect 已确认直连
	StateDirect
)

// String 返回状态名称
func (s PeerState) String() string {
	switch s {
	case StateRelayOnly:
		return "relay-only"
	case StateProbing:
		return "probing"
	case StateDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              PathKind - 路径类型
// ============================================================================

// PathKind 活跃路径类型
type PathKind int

const (
	// PathNone 无路径
	PathNone PathKind = iota
	// PathRelay 中继路径
	PathRelay
	// PathDirect 直连 UDP 路径
	PathDirect
)

// String 返回路径类型名称
func (k PathKind) String() string {
	switch k {
	case PathRelay:
		return "relay"
	case PathDirect:
		return "direct"
	default:
		return "none"
	}
}

// ============================================================================
//                              NATType - NAT 类型
// ============================================================================

// NATType NAT 分类（封闭集合）
type NATType int

const (
	// NATUnknown 无法判断（无样本）
	NATUnknown NATType = iota
	// NATNone 没有 NAT，观察地址等于本地地址
	NATNone
	// NATEasy 端点无关映射，所有探测看到相同的外部地址
	NATEasy
	// NATHard 映射部分变化（地址变化或部分端口变化）
	NATHard
	// NATSymmetricLike 每次探测外部端口都不同
	NATSymmetricLike
)

// String 返回 NAT 类型名称
func (t NATType) String() string {
	switch t {
	case NATNone:
		return "none"
	case NATEasy:
		return "easy"
	case NATHard:
		return "hard"
	case NATSymmetricLike:
		return "symmetric-like"
	default:
		return "unknown"
	}
}

// DirectPlausible 返回该 NAT 类型下直连打洞是否可能成功
//
// 只有 SymmetricLike 被视为不可能。
func (t NATType) DirectPlausible() bool {
	return t != NATSymmetricLike
}

// ============================================================================
//                              RelayState - 中继会话状态
// ============================================================================

// RelayState 中继会话状态
type RelayState int

const (
	// RelayIdle 尚未连接
	RelayIdle RelayState = iota
	// RelayConnecting 正在连接
	RelayConnecting
	// RelayConnected 已连接
	RelayConnected
	// RelayReconnecting 断线重连中（宽限期内）
	RelayReconnecting
	// RelayFailed 重连预算耗尽
	RelayFailed
	// RelayClosed 已关闭
	RelayClosed
)

// String 返回状态名称
func (s RelayState) String() string {
	switch s {
	case RelayConnecting:
		return "connecting"
	case RelayConnected:
		return "connected"
	case RelayReconnecting:
		return "reconnecting"
	case RelayFailed:
		return "failed"
	case RelayClosed:
		return "closed"
	default:
		return "idle"
	}
}
