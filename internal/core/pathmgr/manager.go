package pathmgr

import (
	"bytes"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Option 管理器选项
type Option func(*Manager)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEventBus 设置事件总线
func WithEventBus(bus pkgif.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithSender 设置发现消息发送方
func WithSender(s Sender) Option {
	return func(m *Manager) { m.sender = s }
}

// WithDiscoverer 设置候选地址请求方
func WithDiscoverer(d Discoverer) Option {
	return func(m *Manager) { m.disc = d }
}

// Manager 路径管理器
//
// 全局表只在查找和插入时加锁，对端状态由各自的锁保护。
// 锁顺序：对端锁 → addrMu / envMu，发送与事件发射都在释放对端锁之后进行。
type Manager struct {
	cfg   config.PathConfig
	self  types.PeerID
	clock clock.Clock
	bus   pkgif.EventBus

	mu    sync.RWMutex
	peers map[types.PeerID]*peerEndpoint

	addrMu sync.RWMutex
	byAddr map[netip.AddrPort]types.PeerID

	envMu  sync.RWMutex
	sender Sender
	disc   Discoverer
	report *types.Report
	locals []netip.AddrPort
	home   types.RelayURL

	closed atomic.Bool

	pathEm     *eventbus.Publisher[types.EvtPathChanged]
	startedEm  *eventbus.Publisher[types.EvtProbeStarted]
	successEm  *eventbus.Publisher[types.EvtProbeSucceeded]
	expiredEm  *eventbus.Publisher[types.EvtProbeExpired]
	demotedEm  *eventbus.Publisher[types.EvtCandidateDemoted]
	publishers []interface{ Close() error }
}

// NewManager 创建路径管理器
func NewManager(self types.PeerID, cfg config.PathConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pathmgr config: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		self:   self,
		clock:  clock.New(),
		peers:  make(map[types.PeerID]*peerEndpoint),
		byAddr: make(map[netip.AddrPort]types.PeerID),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.pathEm, err = eventbus.NewPublisher[types.EvtPathChanged](m.bus); err != nil {
		return nil, err
	}
	if m.startedEm, err = eventbus.NewPublisher[types.EvtProbeStarted](m.bus); err != nil {
		return nil, err
	}
	if m.successEm, err = eventbus.NewPublisher[types.EvtProbeSucceeded](m.bus); err != nil {
		return nil, err
	}
	if m.expiredEm, err = eventbus.NewPublisher[types.EvtProbeExpired](m.bus); err != nil {
		return nil, err
	}
	if m.demotedEm, err = eventbus.NewPublisher[types.EvtCandidateDemoted](m.bus); err != nil {
		return nil, err
	}
	m.publishers = []interface{ Close() error }{m.pathEm, m.startedEm, m.successEm, m.expiredEm, m.demotedEm}
	return m, nil
}

// ============================================================================
//                              协作方与环境
// ============================================================================

// SetSender 设置发现消息发送方
func (m *Manager) SetSender(s Sender) {
	m.envMu.Lock()
	m.sender = s
	m.envMu.Unlock()
}

// SetDiscoverer 设置候选地址请求方
func (m *Manager) SetDiscoverer(d Discoverer) {
	m.envMu.Lock()
	m.disc = d
	m.envMu.Unlock()
}

// SetHomeRelay 设置本节点首选中继，未指定中继的对端经由它转发
func (m *Manager) SetHomeRelay(u types.RelayURL) {
	m.envMu.Lock()
	m.home = u
	m.envMu.Unlock()
}

// HomeRelay 返回首选中继
func (m *Manager) HomeRelay() types.RelayURL {
	m.envMu.RLock()
	defer m.envMu.RUnlock()
	return m.home
}

// SetReport 更新可达性报告并重新评估所有对端的探测
func (m *Manager) SetReport(r *types.Report) {
	m.envMu.Lock()
	m.report = r
	m.envMu.Unlock()
	if r != nil {
		log.Debug("更新可达性报告", "nat", r.NAT, "udp", r.UDP, "direct", r.DirectPlausible())
	}
	m.each(func(ep *peerEndpoint, out *outbox) {
		m.maybeProbe(ep, out)
	})
}

// Report 返回当前使用的可达性报告
func (m *Manager) Report() *types.Report {
	m.envMu.RLock()
	defer m.envMu.RUnlock()
	return m.report
}

// SetLocalEndpoints 设置本地端点，打洞协调时告知对端
func (m *Manager) SetLocalEndpoints(eps []netip.AddrPort) {
	list := make([]netip.AddrPort, 0, len(eps))
	for _, ep := range eps {
		if ep.IsValid() && ep.Port() != 0 && !types.IsLogicalAddr(ep) {
			list = append(list, netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()))
		}
	}
	slices.SortFunc(list, netip.AddrPort.Compare)
	list = slices.Compact(list)

	m.envMu.Lock()
	changed := !slices.Equal(m.locals, list)
	m.locals = list
	m.envMu.Unlock()
	if changed {
		log.Debug("本地端点变化", "endpoints", list)
	}
}

// LocalEndpoints 返回本地端点
func (m *Manager) LocalEndpoints() []netip.AddrPort {
	m.envMu.RLock()
	defer m.envMu.RUnlock()
	return slices.Clone(m.locals)
}

func (m *Manager) env() (Sender, Discoverer, *types.Report, types.RelayURL) {
	m.envMu.RLock()
	defer m.envMu.RUnlock()
	return m.sender, m.disc, m.report, m.home
}

// relayFor 返回对端的中继路径地址
func (m *Manager) relayFor(ep *peerEndpoint) types.RelayURL {
	if !ep.relay.IsEmpty() {
		return ep.relay
	}
	return m.HomeRelay()
}

// pathLocked 由状态推导唯一的活跃路径
func (m *Manager) pathLocked(ep *peerEndpoint) types.Path {
	switch ep.state {
	case types.StateDirect:
		return types.DirectPath(ep.direct)
	case types.StateRelayOnly, types.StateProbing:
		if u := m.relayFor(ep); !u.IsEmpty() {
			return types.RelayPath(u)
		}
	}
	return types.Path{}
}

// ============================================================================
//                              对端表
// ============================================================================

func (m *Manager) get(peer types.PeerID) *peerEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[peer]
}

func (m *Manager) getOrCreate(peer types.PeerID) (*peerEndpoint, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if peer == m.self || peer.IsEmpty() {
		return nil, ErrSelfPeer
	}
	if ep := m.get(peer); ep != nil {
		return ep, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep := m.peers[peer]; ep != nil {
		return ep, nil
	}
	ep := newPeerEndpoint(peer)
	m.peers[peer] = ep
	log.Debug("新建对端记录", "peer", peer.ShortString())
	return ep, nil
}

// with 在对端锁内执行 fn，释放锁后执行收集的副作用
func (m *Manager) with(ep *peerEndpoint, fn func(out *outbox)) bool {
	var out outbox
	ep.mu.Lock()
	if ep.evicted {
		ep.mu.Unlock()
		return false
	}
	fn(&out)
	ep.mu.Unlock()
	out.flush()
	return true
}

// each 依次对所有对端执行 fn
func (m *Manager) each(fn func(ep *peerEndpoint, out *outbox)) {
	m.mu.RLock()
	list := make([]*peerEndpoint, 0, len(m.peers))
	for _, ep := range m.peers {
		list = append(list, ep)
	}
	m.mu.RUnlock()
	for _, ep := range list {
		m.with(ep, func(out *outbox) { fn(ep, out) })
	}
}

func (m *Manager) index(addr netip.AddrPort, peer types.PeerID) {
	m.addrMu.Lock()
	m.byAddr[addr] = peer
	m.addrMu.Unlock()
}

func (m *Manager) unindex(addr netip.AddrPort, peer types.PeerID) {
	m.addrMu.Lock()
	if m.byAddr[addr] == peer {
		delete(m.byAddr, addr)
	}
	m.addrMu.Unlock()
}

// LookupAddr 按 UDP 源地址查找对端
func (m *Manager) LookupAddr(addr netip.AddrPort) (types.PeerID, bool) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	m.addrMu.RLock()
	defer m.addrMu.RUnlock()
	peer, ok := m.byAddr[addr]
	return peer, ok
}

// Known 判断对端是否已登记
func (m *Manager) Known(peer types.PeerID) bool {
	return m.get(peer) != nil
}

// Peers 返回所有已登记对端
func (m *Manager) Peers() []types.PeerID {
	m.mu.RLock()
	out := make([]types.PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b types.PeerID) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// Snapshot 返回对端状态快照
func (m *Manager) Snapshot(peer types.PeerID) (types.PeerSnapshot, bool) {
	ep := m.get(peer)
	if ep == nil {
		return types.PeerSnapshot{}, false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.evicted {
		return types.PeerSnapshot{}, false
	}
	return ep.snapshot(m.pathLocked(ep)), true
}

// ============================================================================
//                              候选地址
// ============================================================================

// AddCandidate 添加候选地址，同一地址重复添加只更新观察时间
func (m *Manager) AddCandidate(peer types.PeerID, c types.CandidateAddress) error {
	c.Addr = netip.AddrPortFrom(c.Addr.Addr().Unmap(), c.Addr.Port())
	if !c.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidCandidate, c.Addr)
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = m.clock.Now()
	}
	ep, err := m.getOrCreate(peer)
	if err != nil {
		return err
	}
	m.with(ep, func(out *outbox) {
		if _, added := ep.upsert(c); added {
			m.index(c.Addr, peer)
			log.Debug("添加候选地址", "peer", peer.ShortString(), "addr", c.Addr, "source", c.Source)
		}
		m.maybeProbe(ep, out)
	})
	return nil
}

// RemoveCandidate 删除候选地址；若它是活跃直连路径则退回中继
func (m *Manager) RemoveCandidate(peer types.PeerID, addr netip.AddrPort) {
	ep := m.get(peer)
	if ep == nil {
		return
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	m.with(ep, func(out *outbox) {
		if _, ok := ep.candidates[addr]; !ok {
			return
		}
		delete(ep.candidates, addr)
		m.unindex(addr, peer)
		for tx, p := range ep.probes {
			if p.addr == addr {
				p.timer.Stop()
				delete(ep.probes, tx)
			}
		}
		if ep.state == types.StateDirect && ep.direct == addr {
			m.demote(ep, "candidate-removed", out)
		} else if ep.state == types.StateProbing && ep.pending() == 0 {
			m.setState(ep, types.StateRelayOnly, "candidate-removed", out)
		}
		m.maybeProbe(ep, out)
	})
}

// PurgeCandidates 清除对端全部候选地址，对端回到 Unknown
func (m *Manager) PurgeCandidates(peer types.PeerID) {
	ep := m.get(peer)
	if ep == nil {
		return
	}
	m.with(ep, func(out *outbox) {
		for addr := range ep.candidates {
			m.unindex(addr, peer)
		}
		clear(ep.candidates)
		ep.stopAll()
		ep.direct = netip.AddrPort{}
		m.setState(ep, types.StateUnknown, "candidates-purged", out)
	})
}

// SetRelay 设置对端所在中继
func (m *Manager) SetRelay(peer types.PeerID, u types.RelayURL) error {
	ep, err := m.getOrCreate(peer)
	if err != nil {
		return err
	}
	m.with(ep, func(out *outbox) {
		ep.relay = u
		if m.relayFor(ep).IsEmpty() && (ep.state == types.StateRelayOnly || ep.state == types.StateProbing) {
			ep.stopAll()
			m.setState(ep, types.StateUnknown, "relay-cleared", out)
		}
	})
	return nil
}

// Evict 删除对端记录，放弃其所有探测
func (m *Manager) Evict(peer types.PeerID) {
	m.mu.Lock()
	ep := m.peers[peer]
	delete(m.peers, peer)
	m.mu.Unlock()
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.evicted = true
	ep.stopAll()
	for addr := range ep.candidates {
		m.unindex(addr, peer)
	}
	ep.mu.Unlock()
	log.Debug("移除对端记录", "peer", peer.ShortString())
}

// ============================================================================
//                              路由
// ============================================================================

// Route 返回对端当前的活跃路径
//
// 首次发送时若有中继则立即进入 RelayOnly，同时请求候选地址并评估探测。
// 没有任何路径时返回 PathNone，由调用方排队。
func (m *Manager) Route(peer types.PeerID) (types.Path, error) {
	ep := m.get(peer)
	if ep == nil {
		return types.Path{}, fmt.Errorf("%w: %s", types.ErrUnknownPeer, peer.ShortString())
	}
	var path types.Path
	ok := m.with(ep, func(out *outbox) {
		if ep.state == types.StateUnknown && !m.relayFor(ep).IsEmpty() {
			m.setState(ep, types.StateRelayOnly, "first-send", out)
			m.maybeProbe(ep, out)
		}
		if ep.state != types.StateDirect && len(ep.candidates) == 0 {
			m.requestCandidates(ep, out)
			m.announce(ep, out)
		}
		path = m.pathLocked(ep)
	})
	if !ok {
		return types.Path{}, fmt.Errorf("%w: %s", types.ErrUnknownPeer, peer.ShortString())
	}
	return path, nil
}

// NoteSend 记录一次成功发送
func (m *Manager) NoteSend(peer types.PeerID) {
	if ep := m.get(peer); ep != nil {
		now := m.clock.Now()
		m.with(ep, func(*outbox) { ep.lastSend = now })
	}
}

// NoteRecv 记录一次数据接收，作为存活信号
//
// 经中继到达的数据已由中继认证发送方，未登记的对端会被登记。
func (m *Manager) NoteRecv(peer types.PeerID, src Source) {
	var ep *peerEndpoint
	if src.ViaRelay() {
		var err error
		if ep, err = m.getOrCreate(peer); err != nil {
			return
		}
	} else if ep = m.get(peer); ep == nil {
		return
	}
	now := m.clock.Now()
	m.with(ep, func(*outbox) {
		ep.lastRecv = now
		if src.ViaRelay() {
			if ep.relay.IsEmpty() {
				ep.relay = src.Relay
			}
			return
		}
		if ep.state == types.StateDirect && ep.direct == src.Addr {
			ep.lastDirectRecv = now
			ep.misses = 0
		}
		if c, ok := ep.candidates[src.Addr]; ok && now.After(c.lastSeen) {
			c.lastSeen = now
		}
	})
}

func (m *Manager) requestCandidates(ep *peerEndpoint, out *outbox) {
	_, disc, _, _ := m.env()
	if disc == nil || !ep.discoLimit.AllowN(m.clock.Now(), 1) {
		return
	}
	peer := ep.id
	out.add(func() { disc.RequestCandidates(peer) })
}

// ============================================================================
//                              状态转换
// ============================================================================

// setState 执行状态转换并发射事件
func (m *Manager) setState(ep *peerEndpoint, to types.PeerState, reason string, out *outbox) {
	from := ep.state
	if from == to {
		return
	}
	ep.state = to
	ev := types.EvtPathChanged{
		Peer:   ep.id,
		From:   from,
		To:     to,
		Path:   m.pathLocked(ep),
		Reason: reason,
		At:     m.clock.Now(),
	}
	if to == types.StateDirect || from == types.StateDirect {
		log.Info("路径状态变化", "peer", ep.id.ShortString(), "from", from, "to", to, "path", ev.Path, "reason", reason)
	} else {
		log.Debug("路径状态变化", "peer", ep.id.ShortString(), "from", from, "to", to, "reason", reason)
	}
	out.add(func() { m.pathEm.Emit(ev) })
}

// promote 切换到经过确认的直连地址
func (m *Manager) promote(ep *peerEndpoint, addr netip.AddrPort, reason string, out *outbox) {
	if ep.state == types.StateDirect {
		if ep.direct == addr {
			return
		}
		prev := ep.direct
		ep.direct = addr
		ev := types.EvtPathChanged{
			Peer: ep.id, From: types.StateDirect, To: types.StateDirect,
			Path: types.DirectPath(addr), Reason: reason, At: m.clock.Now(),
		}
		log.Info("切换直连地址", "peer", ep.id.ShortString(), "from", prev, "to", addr)
		out.add(func() { m.pathEm.Emit(ev) })
		return
	}
	ep.stopRetry()
	ep.direct = addr
	m.setState(ep, types.StateDirect, reason, out)
	m.startDirectTimers(ep)
}

// demote 离开直连，有中继时退回 RelayOnly，否则回到 Unknown
func (m *Manager) demote(ep *peerEndpoint, reason string, out *outbox) {
	ep.stopDirectTimers()
	ep.direct = netip.AddrPort{}
	to := types.StateRelayOnly
	if m.relayFor(ep).IsEmpty() {
		to = types.StateUnknown
	}
	m.setState(ep, to, reason, out)
}

// ============================================================================
//                              中继通知
// ============================================================================

// RelayStateChanged 实现 relay.Handler
//
// 宽限期内的断线重连不改变对端状态。
func (m *Manager) RelayStateChanged(u types.RelayURL, state types.RelayState) {
	log.Debug("中继状态变化", "relay", u, "state", state)
}

// RelayExhausted 实现 relay.Handler：经由该中继的对端回到 Unknown，等待发现机制分配新中继
func (m *Manager) RelayExhausted(u types.RelayURL, peers []types.PeerID) {
	m.envMu.Lock()
	viaHome := m.home == u
	if viaHome {
		m.home = ""
	}
	m.envMu.Unlock()

	routed := make(map[types.PeerID]struct{}, len(peers))
	for _, p := range peers {
		routed[p] = struct{}{}
	}
	n := 0
	m.each(func(ep *peerEndpoint, out *outbox) {
		_, listed := routed[ep.id]
		if ep.relay != u && !listed && !(ep.relay.IsEmpty() && viaHome) {
			return
		}
		if ep.relay == u {
			ep.relay = ""
		}
		if ep.state == types.StateRelayOnly || ep.state == types.StateProbing {
			ep.stopRetry()
			ep.stopProbes(false)
			m.setState(ep, types.StateUnknown, "relay-exhausted", out)
			n++
		}
		m.requestCandidates(ep, out)
	})
	log.Warn("中继重连预算耗尽", "relay", u, "reset", n)
}

// RelayPeerGone 实现 relay.Handler：对端已不在该中继上，请求新的候选信息
func (m *Manager) RelayPeerGone(u types.RelayURL, peer types.PeerID) {
	ep := m.get(peer)
	if ep == nil {
		return
	}
	m.with(ep, func(out *outbox) {
		if m.relayFor(ep) != u {
			return
		}
		log.Debug("对端离开中继", "peer", peer.ShortString(), "relay", u)
		m.requestCandidates(ep, out)
	})
}

// NetworkChanged 本地网络变化：清除退避与降级，重新评估探测
func (m *Manager) NetworkChanged() {
	m.each(func(ep *peerEndpoint, out *outbox) {
		for _, c := range ep.candidates {
			c.failures = 0
			c.demoted = false
			c.nextProbe = time.Time{}
		}
		ep.stopRetry()
		m.maybeProbe(ep, out)
	})
	log.Debug("网络变化，重置候选退避")
}

// Close 关闭管理器，放弃所有探测
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, id := range m.Peers() {
		m.Evict(id)
	}
	var err error
	for _, p := range m.publishers {
		err = multierr.Append(err, p.Close())
	}
	return err
}
