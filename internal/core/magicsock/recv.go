package magicsock

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"net/netip"
	"time"

	"github.com/dep2p/go-magicnet/internal/core/disco"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/stun"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              接收循环
// ============================================================================

// receiveUDP 唯一的 UDP 接收循环
func (c *Conn) receiveUDP() {
	buf := make([]byte, maxPacketSize)
	for {
		pc := c.conn()
		n, src, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.isClosed() {
				return
			}
			// 重绑定期间旧套接字被关闭
			if c.conn() == pc {
				log.Debug("读取 UDP 失败", "err", err)
				time.Sleep(readErrorBackoff)
			}
			continue
		}
		c.handleUDP(buf[:n], netip.AddrPortFrom(src.Addr().Unmap(), src.Port()))
	}
}

func (c *Conn) handleUDP(pkt []byte, src netip.AddrPort) {
	switch {
	case stun.Is(pkt):
		if c.netcheck == nil || !c.netcheck.HandleSTUN(pkt, src) {
			c.sampled.Debug("忽略 STUN 包", "src", src)
		}
	case disco.Looks(pkt):
		c.handleDisco(pkt, pathmgr.FromAddr(src), types.EmptyPeerID)
	default:
		peer, ok := c.pm.LookupAddr(src)
		if !ok {
			c.dropUnknown(src)
			return
		}
		c.stats.recvDirect.Add(1)
		c.pm.NoteRecv(peer, pathmgr.FromAddr(src))
		c.deliver(peer, bytes.Clone(pkt))
	}
}

// receiveRelay 中继接收循环，所有中继会话的数据包汇聚于此
func (c *Conn) receiveRelay() {
	recv := c.relay.Recv()
	for {
		select {
		case <-c.ctx.Done():
			return
		case p, ok := <-recv:
			if !ok {
				return
			}
			c.handleRelay(p.Relay, p.From, p.Data)
		}
	}
}

func (c *Conn) handleRelay(u types.RelayURL, from types.PeerID, pkt []byte) {
	if disco.Looks(pkt) {
		c.handleDisco(pkt, pathmgr.FromRelay(u), from)
		return
	}
	c.stats.recvRelay.Add(1)
	c.pm.NoteRecv(from, pathmgr.FromRelay(u))
	c.deliver(from, pkt)
}

// handleDisco 解封发现消息并交给路径管理器
//
// relayFrom 非空时为中继帧头部声明的发送方，必须与信封内的发送方一致。
func (c *Conn) handleDisco(pkt []byte, src pathmgr.Source, relayFrom types.PeerID) {
	from, msg, err := disco.Open(c.kp, pkt)
	if err == nil && !relayFrom.IsEmpty() && relayFrom != from {
		err = types.ErrAuthenticationFailure
	}
	if err != nil {
		c.authFailed(from, src, err)
		return
	}
	if from == c.self {
		return
	}
	switch m := msg.(type) {
	case *disco.Ping:
		err = c.pm.HandlePing(from, src, m)
	case *disco.Pong:
		err = c.pm.HandlePong(from, src, m)
	case *disco.CallMeMaybe:
		err = c.pm.HandleCallMeMaybe(from, src, m)
	}
	switch {
	case err == nil:
	case errors.Is(err, types.ErrAuthenticationFailure):
		c.authFailed(from, src, err)
	default:
		log.Debug("处理发现消息失败", "peer", from.ShortString(), "src", src, "type", msg.Type(), "err", err)
	}
}

func (c *Conn) authFailed(peer types.PeerID, src pathmgr.Source, err error) {
	c.stats.dropped.Add(1)
	c.sampled.Debug("发现消息认证失败", "peer", peer.ShortString(), "src", src, "err", err)
	c.authEm.Emit(types.EvtAuthFailure{Peer: peer, Source: src.String()})
	c.dropEm.Emit(types.EvtPacketDropped{Peer: peer, Source: src.Addr, Reason: types.DropAuthFailure})
}

// dropUnknown 丢弃无法归属的数据包；同一来源只在首次出现时发射事件
func (c *Conn) dropUnknown(src netip.AddrPort) {
	c.stats.dropped.Add(1)
	if seen, _ := c.unknown.ContainsOrAdd(src, struct{}{}); seen {
		return
	}
	c.sampled.Debug("丢弃来源不明的数据包", "src", src)
	c.dropEm.Emit(types.EvtPacketDropped{Source: src, Reason: types.DropUnknownSource})
}

// deliver 放入接收队列，队列满时丢弃
func (c *Conn) deliver(peer types.PeerID, data []byte) {
	c.LogicalAddr(peer)
	select {
	case c.inbound <- inboundPacket{from: peer, data: data}:
	default:
		c.stats.dropped.Add(1)
		c.sampled.Debug("接收队列已满", "peer", peer.ShortString())
		c.dropEm.Emit(types.EvtPacketDropped{Peer: peer, Reason: types.DropInboundFull})
	}
}

// ============================================================================
//                              上层读取
// ============================================================================

// Recv 读取下一个数据包，返回发送方 PeerID
func (c *Conn) Recv(ctx context.Context) (types.PeerID, []byte, error) {
	select {
	case p := <-c.inbound:
		return p.from, p.data, nil
	case <-c.closing:
		return types.EmptyPeerID, nil, ErrClosed
	case <-ctx.Done():
		return types.EmptyPeerID, nil, ctx.Err()
	}
}

// Packets 返回接收序列，ctx 取消或套接字关闭时结束
//
// 序列可以被多次遍历；与 ReadFrom 共享同一接收队列。
func (c *Conn) Packets(ctx context.Context) iter.Seq2[types.PeerID, []byte] {
	return func(yield func(types.PeerID, []byte) bool) {
		for {
			from, data, err := c.Recv(ctx)
			if err != nil || !yield(from, data) {
				return
			}
		}
	}
}
