package types

import (
	"net/netip"
	"time"
)

// Path 对端当前的活跃路径
//
// 同一时刻一个对端只有一条活跃路径：中继或直连。
type Path struct {
	Kind  PathKind
	Relay RelayURL
	Addr  netip.AddrPort
}

// String 返回路径描述
func (p Path) String() string {
	switch p.Kind {
	case PathRelay:
		return "relay:" + p.Relay.String()
	case PathDirect:
		return "direct:" + p.Addr.String()
	default:
		return "none"
	}
}

// IsValid 检查路径是否可用于发送
func (p Path) IsValid() bool {
	switch p.Kind {
	case PathRelay:
		return !p.Relay.IsEmpty()
	case PathDirect:
		return p.Addr.IsValid()
	default:
		return false
	}
}

// RelayPath 构造中继路径
func RelayPath(u RelayURL) Path {
	return Path{Kind: PathRelay, Relay: u}
}

// DirectPath 构造直连路径
func DirectPath(a netip.AddrPort) Path {
	return Path{Kind: PathDirect, Addr: a}
}

// PeerSnapshot 对端状态只读快照
type PeerSnapshot struct {
	Peer       PeerID
	State      PeerState
	Path       Path
	HomeRelay  RelayURL
	Candidates []CandidateAddress
	Confidence int
	LastSend   time.Time
	LastRecv   time.Time
	BestRTT    time.Duration
	Probes     int
}
