package magicsock

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/dep2p/go-magicnet/internal/core/disco"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              待发送队列
// ============================================================================

// sendQueue 没有可用路径时的每对端有界队列
type sendQueue struct {
	pkts [][]byte
}

// push 入队，超过 limit 时丢弃最旧的包并返回 true
func (q *sendQueue) push(b []byte, limit int) bool {
	dropped := false
	if len(q.pkts) >= limit {
		q.pkts[0] = nil
		q.pkts = q.pkts[1:]
		dropped = true
	}
	q.pkts = append(q.pkts, b)
	return dropped
}

// ============================================================================
//                              发送
// ============================================================================

// SendTo 向对端发送一个数据包
//
// 没有可用路径时排队并返回 nil；只有对端未知或套接字已关闭时返回错误。
func (c *Conn) SendTo(peer types.PeerID, b []byte) error {
	if peer == c.self {
		return ErrSelf
	}
	if c.isClosed() {
		return ErrClosed
	}
	path, err := c.pm.Route(peer)
	if err != nil {
		c.stats.dropped.Add(1)
		c.dropEm.Emit(types.EvtPacketDropped{Peer: peer, Reason: types.DropUnknownPeer})
		return err
	}
	if !path.IsValid() {
		c.enqueue(peer, bytes.Clone(b))
		return nil
	}
	for _, q := range c.takeQueue(peer) {
		c.sendVia(peer, path, q)
	}
	c.sendVia(peer, path, b)
	return nil
}

func (c *Conn) sendVia(peer types.PeerID, path types.Path, b []byte) {
	switch path.Kind {
	case types.PathDirect:
		err := c.writeUDP(b, path.Addr)
		if err == nil {
			c.stats.sentDirect.Add(1)
			c.pm.NoteSend(peer)
			return
		}
		c.sampled.Debug("直连发送失败", "peer", peer.ShortString(), "addr", path.Addr, "err", err)
		// 直连写失败时本包改走中继，路径由存活检测决定是否降级
		if u := c.fallbackRelay(peer); !u.IsEmpty() {
			c.sendData(u, peer, b)
			return
		}
		c.stats.dropped.Add(1)
	case types.PathRelay:
		c.sendData(path.Relay, peer, b)
	}
}

func (c *Conn) fallbackRelay(peer types.PeerID) types.RelayURL {
	if snap, ok := c.pm.Snapshot(peer); ok && !snap.HomeRelay.IsEmpty() {
		return snap.HomeRelay
	}
	return c.pm.HomeRelay()
}

func (c *Conn) sendData(u types.RelayURL, peer types.PeerID, b []byte) {
	if err := c.sendRelay(u, peer, bytes.Clone(b)); err != nil {
		c.stats.dropped.Add(1)
		c.sampled.Debug("中继发送失败", "peer", peer.ShortString(), "relay", u, "err", err)
		return
	}
	c.stats.sentRelay.Add(1)
	c.pm.NoteSend(peer)
}

func (c *Conn) enqueue(peer types.PeerID, b []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	q := c.pending[peer]
	if q == nil {
		q = &sendQueue{}
		c.pending[peer] = q
	}
	dropped := q.push(b, max(c.cfg.PendingQueueSize, 1))
	c.mu.Unlock()

	c.stats.queued.Add(1)
	if dropped {
		c.stats.dropped.Add(1)
		c.sampled.Debug("待发送队列已满，丢弃最旧的包", "peer", peer.ShortString())
		c.dropEm.Emit(types.EvtPacketDropped{Peer: peer, Reason: types.DropQueueFull})
	}
}

func (c *Conn) takeQueue(peer types.PeerID) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[peer]
	if q == nil {
		return nil
	}
	delete(c.pending, peer)
	return q.pkts
}

// Pending 返回对端待发送队列长度
func (c *Conn) Pending(peer types.PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.pending[peer]; q != nil {
		return len(q.pkts)
	}
	return 0
}

// flush 对端出现可用路径后按序发出排队的包
func (c *Conn) flush(peer types.PeerID) {
	if c.Pending(peer) == 0 {
		return
	}
	path, err := c.pm.Route(peer)
	if err != nil || !path.IsValid() {
		return
	}
	pkts := c.takeQueue(peer)
	for _, b := range pkts {
		c.sendVia(peer, path, b)
	}
	if len(pkts) > 0 {
		log.Debug("已发出排队的数据包", "peer", peer.ShortString(), "count", len(pkts), "path", path)
	}
}

func (c *Conn) flushAll() {
	c.mu.Lock()
	peers := make([]types.PeerID, 0, len(c.pending))
	for p := range c.pending {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		c.flush(p)
	}
}

// ForgetPeer 移除对端：逐出路径状态，丢弃待发送队列并释放中继依赖
func (c *Conn) ForgetPeer(peer types.PeerID) {
	c.pm.Evict(peer)
	c.mu.Lock()
	delete(c.pending, peer)
	u, ok := c.relayed[peer]
	delete(c.relayed, peer)
	if addr, has := c.byPeer[peer]; has && peer != c.self {
		delete(c.byPeer, peer)
		delete(c.logical, addr)
	}
	c.mu.Unlock()
	if ok && c.relay != nil {
		c.relay.Release(u, peer)
	}
}

// ============================================================================
//                              底层发送
// ============================================================================

func (c *Conn) writeUDP(b []byte, dst netip.AddrPort) error {
	if c.isClosed() {
		return ErrClosed
	}
	_, err := c.conn().WriteToUDPAddrPort(b, dst)
	return err
}

// sendRelay 经中继发送，同时登记对端对该中继会话的依赖
func (c *Conn) sendRelay(u types.RelayURL, peer types.PeerID, pkt []byte) error {
	if c.relay == nil {
		return fmt.Errorf("magicsock: %w: no relay client", types.ErrRelayUnavailable)
	}
	c.acquire(u, peer)
	return c.relay.Send(u, peer, pkt)
}

func (c *Conn) acquire(u types.RelayURL, peer types.PeerID) {
	c.mu.Lock()
	prev, ok := c.relayed[peer]
	if c.closed || (ok && prev == u) {
		c.mu.Unlock()
		return
	}
	c.relayed[peer] = u
	c.mu.Unlock()

	if err := c.relay.Acquire(u, peer); err != nil {
		log.Debug("登记中继依赖失败", "peer", peer.ShortString(), "relay", u, "err", err)
	}
	if ok {
		c.relay.Release(prev, peer)
	}
}

// SendDiscoUDP 实现 pathmgr.Sender
func (c *Conn) SendDiscoUDP(addr netip.AddrPort, peer types.PeerID, m disco.Message) error {
	pkt, err := disco.Seal(c.kp, peer, m)
	if err != nil {
		return err
	}
	return c.writeUDP(pkt, addr)
}

// SendDiscoRelay 实现 pathmgr.Sender
func (c *Conn) SendDiscoRelay(u types.RelayURL, peer types.PeerID, m disco.Message) error {
	pkt, err := disco.Seal(c.kp, peer, m)
	if err != nil {
		return err
	}
	return c.sendRelay(u, peer, pkt)
}

// SendSTUN 实现 netcheck.PacketSender
func (c *Conn) SendSTUN(pkt []byte, dst netip.AddrPort) error {
	return c.writeUDP(pkt, dst)
}
