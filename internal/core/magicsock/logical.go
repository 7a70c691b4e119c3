package magicsock

import (
	"net"
	"net/netip"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// LogicalAddr 返回对端的逻辑地址
//
// 逻辑地址由 PeerID 派生；极少数派生冲突时顺延端口，保证表内一一对应。
func (c *Conn) LogicalAddr(peer types.PeerID) netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.byPeer[peer]; ok {
		return a
	}
	a := peer.LogicalAddr()
	for {
		owner, taken := c.logical[a]
		if !taken || owner == peer {
			break
		}
		port := a.Port() + 1
		if port == 0 {
			port = 1
		}
		log.Warn("逻辑地址冲突，顺延端口", "peer", peer.ShortString(), "owner", owner.ShortString(), "addr", a)
		a = netip.AddrPortFrom(a.Addr(), port)
	}
	c.logical[a] = peer
	c.byPeer[peer] = a
	return a
}

// PeerForAddr 返回逻辑地址对应的对端
func (c *Conn) PeerForAddr(addr netip.AddrPort) (types.PeerID, bool) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, ok := c.logical[addr]
	return peer, ok
}

// UDPAddr 返回对端逻辑地址的 net.UDPAddr 形式，供 QUIC 拨号使用
func (c *Conn) UDPAddr(peer types.PeerID) *net.UDPAddr {
	return c.udpAddr(peer)
}

func (c *Conn) udpAddr(peer types.PeerID) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(c.LogicalAddr(peer))
}
