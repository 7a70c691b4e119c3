package pathmgr

import (
	"net/netip"

	"github.com/dep2p/go-magicnet/internal/core/disco"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Source 入站消息的到达路径：经中继或来自 UDP 源地址
type Source struct {
	Relay types.RelayURL
	Addr  netip.AddrPort
}

// FromRelay 构造中继来源
func FromRelay(u types.RelayURL) Source { return Source{Relay: u} }

// FromAddr 构造 UDP 来源
func FromAddr(a netip.AddrPort) Source { return Source{Addr: a} }

// ViaRelay 是否经中继到达
func (s Source) ViaRelay() bool { return !s.Relay.IsEmpty() }

// String 返回来源描述
func (s Source) String() string {
	if s.ViaRelay() {
		return "relay:" + s.Relay.String()
	}
	return s.Addr.String()
}

// Sender 发送发现消息，由虚拟套接字实现
type Sender interface {
	// SendDiscoUDP 直接向 addr 发送发现消息
	SendDiscoUDP(addr netip.AddrPort, peer types.PeerID, m disco.Message) error
	// SendDiscoRelay 经中继 url 向 peer 发送发现消息
	SendDiscoRelay(url types.RelayURL, peer types.PeerID, m disco.Message) error
}

// Discoverer 向外部发现机制请求对端候选地址
//
// 实现方不得阻塞。
type Discoverer interface {
	RequestCandidates(peer types.PeerID)
}

// outbox 在持锁期间收集的副作用，释放锁后统一执行
type outbox []func()

func (o *outbox) add(f func()) { *o = append(*o, f) }

func (o outbox) flush() {
	for _, f := range o {
		f()
	}
}
