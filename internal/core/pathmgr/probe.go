package pathmgr

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/dep2p/go-magicnet/internal/core/disco"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              探测调度
// ============================================================================

// maybeProbe 在 RelayOnly/Probing 状态下为可探测的候选发起探测
//
// 报告判定直连不可能（类对称 NAT）时不发起任何探测。
func (m *Manager) maybeProbe(ep *peerEndpoint, out *outbox) {
	if ep.state != types.StateRelayOnly && ep.state != types.StateProbing {
		return
	}
	sender, _, report, _ := m.env()
	if sender == nil || !report.DirectPlausible() {
		return
	}
	now := m.clock.Now()
	slots := m.cfg.MaxConcurrentProbes - ep.pending()
	if slots > 0 {
		cands := ep.eligible(now)
		if len(cands) > slots {
			cands = cands[:slots]
		}
		for _, c := range cands {
			m.startProbe(ep, sender, c.addr, false, out)
		}
		if len(cands) > 0 && ep.state == types.StateRelayOnly {
			m.setState(ep, types.StateProbing, "probe", out)
			m.callMeMaybe(ep, sender, out)
		}
	}
	m.scheduleRetry(ep, now)
}

// startProbe 向 addr 发送带随机 nonce 的 ping 并登记探测
func (m *Manager) startProbe(ep *peerEndpoint, sender Sender, addr netip.AddrPort, heartbeat bool, out *outbox) {
	p := &probe{tx: disco.NewTxID(), addr: addr, sentAt: m.clock.Now(), heartbeat: heartbeat}
	p.timer = m.clock.AfterFunc(m.cfg.ProbeTimeout.Duration(), func() { m.expireProbe(ep, p) })
	ep.probes[p.tx] = p

	peer := ep.id
	ping := &disco.Ping{TxID: p.tx, NodeKey: m.self}
	out.add(func() {
		if err := sender.SendDiscoUDP(addr, peer, ping); err != nil {
			log.Debug("发送探测失败", "peer", peer.ShortString(), "addr", addr, "err", err)
		}
	})
	if heartbeat {
		return
	}
	ep.probeCount++
	out.add(func() { m.startedEm.Emit(types.EvtProbeStarted{Peer: peer, Addr: addr}) })
}

// callMeMaybe 经中继把本地端点告知对端，请其同时向我们打洞
func (m *Manager) callMeMaybe(ep *peerEndpoint, sender Sender, out *outbox) {
	relay := m.relayFor(ep)
	locals := m.LocalEndpoints()
	if relay.IsEmpty() || len(locals) == 0 {
		return
	}
	peer := ep.id
	msg := &disco.CallMeMaybe{MyNumber: locals}
	out.add(func() {
		if err := sender.SendDiscoRelay(relay, peer, msg); err != nil {
			log.Debug("发送 CallMeMaybe 失败", "peer", peer.ShortString(), "relay", relay, "err", err)
		}
	})
}

// announce 尚无对端候选时经中继发送本地端点，由对端发起打洞
func (m *Manager) announce(ep *peerEndpoint, out *outbox) {
	if ep.state != types.StateRelayOnly {
		return
	}
	sender, _, report, _ := m.env()
	if sender == nil || !report.DirectPlausible() || !ep.cmmLimit.AllowN(m.clock.Now(), 1) {
		return
	}
	m.callMeMaybe(ep, sender, out)
}

// scheduleRetry 在退避最早结束时重新评估探测
func (m *Manager) scheduleRetry(ep *peerEndpoint, now time.Time) {
	at, ok := ep.nextRetry()
	if !ok || ep.state == types.StateDirect {
		ep.stopRetry()
		return
	}
	if ep.retry != nil && ep.retryAt.Equal(at) {
		return
	}
	ep.stopRetry()
	ep.retryAt = at
	gen := ep.retryGen
	ep.retry = m.clock.AfterFunc(max(at.Sub(now), 0), func() {
		m.with(ep, func(out *outbox) {
			if ep.retryGen != gen {
				return
			}
			ep.retry = nil
			ep.retryAt = time.Time{}
			m.maybeProbe(ep, out)
		})
	})
}

// backoff 第 n 次连续失败后的等待：min(base·2^(n-1), max)
func (m *Manager) backoff(n int) time.Duration {
	d := m.cfg.ProbeBackoffBase.Duration()
	limit := m.cfg.ProbeBackoffMax.Duration()
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

// fail 记录候选的一次失败，达到上限时降级
func (m *Manager) fail(ep *peerEndpoint, c *candidate, now time.Time, out *outbox) {
	c.failures++
	c.nextProbe = now.Add(m.backoff(c.failures))
	if c.failures >= m.cfg.MaxProbeFailures && !c.demoted {
		c.demoted = true
		ev := types.EvtCandidateDemoted{Peer: ep.id, Addr: c.addr, Failures: c.failures}
		log.Info("候选地址降级", "peer", ep.id.ShortString(), "addr", c.addr, "failures", c.failures)
		out.add(func() { m.demotedEm.Emit(ev) })
	}
}

// expireProbe 探测超时：不升级，候选进入退避
func (m *Manager) expireProbe(ep *peerEndpoint, p *probe) {
	m.with(ep, func(out *outbox) {
		if ep.probes[p.tx] != p {
			return
		}
		delete(ep.probes, p.tx)
		if p.heartbeat {
			return
		}
		now := m.clock.Now()
		ep.record(false, 0)
		if c := ep.candidates[p.addr]; c != nil {
			m.fail(ep, c, now, out)
			ev := types.EvtProbeExpired{Peer: ep.id, Addr: p.addr, Failures: c.failures}
			out.add(func() { m.expiredEm.Emit(ev) })
		}
		log.Debug("探测超时", "peer", ep.id.ShortString(), "addr", p.addr)
		if ep.state == types.StateProbing && ep.pending() == 0 {
			m.setState(ep, types.StateRelayOnly, "probe-expired", out)
		}
		m.maybeProbe(ep, out)
	})
}

// ============================================================================
//                              发现消息处理
// ============================================================================

// HandlePing 响应对端的 ping
//
// 直接到达的 ping 把源地址记为对端候选，并可能触发反向探测完成同时打开。
func (m *Manager) HandlePing(from types.PeerID, src Source, ping *disco.Ping) error {
	if ping.NodeKey != from {
		return fmt.Errorf("%w: ping node key mismatch from %s", types.ErrAuthenticationFailure, from.ShortString())
	}
	ep, err := m.getOrCreate(from)
	if err != nil {
		return err
	}
	sender, _, _, _ := m.env()
	now := m.clock.Now()
	m.with(ep, func(out *outbox) {
		ep.lastRecv = now
		pong := &disco.Pong{TxID: ping.TxID, Src: src.Addr}
		if src.ViaRelay() {
			if ep.relay.IsEmpty() {
				ep.relay = src.Relay
			}
			if sender != nil {
				out.add(func() { _ = sender.SendDiscoRelay(src.Relay, from, pong) })
			}
			return
		}
		if _, added := ep.upsert(types.CandidateAddress{Addr: src.Addr, Source: types.SourceDirectObserved, LastSeen: now}); added {
			m.index(src.Addr, from)
		}
		if ep.state == types.StateDirect && ep.direct == src.Addr {
			ep.lastDirectRecv = now
			ep.misses = 0
		}
		if sender != nil {
			out.add(func() {
				if err := sender.SendDiscoUDP(src.Addr, from, pong); err != nil {
					log.Debug("发送 pong 失败", "peer", from.ShortString(), "addr", src.Addr, "err", err)
				}
			})
		}
		m.maybeProbe(ep, out)
	})
	return nil
}

// HandlePong 处理 pong：只有与在途探测 nonce 和地址都匹配时才升级为直连
func (m *Manager) HandlePong(from types.PeerID, src Source, pong *disco.Pong) error {
	ep := m.get(from)
	if ep == nil {
		return fmt.Errorf("%w: pong from %s", types.ErrUnknownPeer, from.ShortString())
	}
	now := m.clock.Now()
	m.with(ep, func(out *outbox) {
		p := ep.probes[pong.TxID]
		if p == nil || src.ViaRelay() || p.addr != src.Addr {
			log.Debug("忽略未匹配的 pong", "peer", from.ShortString(), "src", src)
			return
		}
		delete(ep.probes, pong.TxID)
		p.timer.Stop()

		rtt := now.Sub(p.sentAt)
		ep.lastRecv = now
		ep.record(true, rtt)
		c := ep.candidates[p.addr]
		if c == nil {
			return
		}
		c.lastPong = now
		c.rtt = rtt
		c.failures = 0
		c.demoted = false
		c.nextProbe = time.Time{}
		if ep.state == types.StateDirect && ep.direct == p.addr {
			ep.lastDirectRecv = now
			ep.misses = 0
		}
		if !p.heartbeat {
			ev := types.EvtProbeSucceeded{Peer: from, Addr: p.addr, RTT: rtt}
			out.add(func() { m.successEm.Emit(ev) })
		}
		if ep.state == types.StateUnknown {
			return
		}
		if addr, ok := ep.best(); ok {
			m.promote(ep, addr, "pong", out)
		}
	})
	return nil
}

// HandleCallMeMaybe 对端请求我们向其端点打洞
func (m *Manager) HandleCallMeMaybe(from types.PeerID, src Source, cmm *disco.CallMeMaybe) error {
	ep, err := m.getOrCreate(from)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	m.with(ep, func(out *outbox) {
		ep.lastRecv = now
		if src.ViaRelay() && ep.relay.IsEmpty() {
			ep.relay = src.Relay
		}
		for _, addr := range cmm.MyNumber {
			cand := types.CandidateAddress{
				Addr:     netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
				Source:   types.SourceRelayDerived,
				LastSeen: now,
			}
			if !cand.IsValid() {
				continue
			}
			c, added := ep.upsert(cand)
			if added {
				m.index(cand.Addr, from)
			}
			c.nextProbe = time.Time{}
		}
		if ep.state == types.StateUnknown && !m.relayFor(ep).IsEmpty() {
			m.setState(ep, types.StateRelayOnly, "call-me-maybe", out)
		}
		m.maybeProbe(ep, out)
	})
	return nil
}

// ============================================================================
//                              存活与心跳
// ============================================================================

func (m *Manager) startDirectTimers(ep *peerEndpoint) {
	ep.stopDirectTimers()
	ep.lastDirectRecv = m.clock.Now()
	ep.misses = 0
	m.armLiveness(ep, ep.liveGen)
	m.armHeartbeat(ep, ep.liveGen)
}

func (m *Manager) armLiveness(ep *peerEndpoint, gen uint64) {
	ep.liveness = m.clock.AfterFunc(m.cfg.LivenessThreshold.Duration(), func() {
		m.with(ep, func(out *outbox) { m.checkLiveness(ep, gen, out) })
	})
}

// checkLiveness 每个存活周期检查一次，连续 LivenessMisses 个周期无接收则降级
func (m *Manager) checkLiveness(ep *peerEndpoint, gen uint64, out *outbox) {
	if gen != ep.liveGen || ep.state != types.StateDirect {
		return
	}
	now := m.clock.Now()
	threshold := m.cfg.LivenessThreshold.Duration()
	if now.Sub(ep.lastDirectRecv) >= threshold {
		ep.misses++
	} else {
		ep.misses = 0
	}
	if ep.misses < m.cfg.LivenessMisses {
		m.armLiveness(ep, gen)
		return
	}
	addr := ep.direct
	log.Info("直连路径静默，退回中继", "peer", ep.id.ShortString(), "addr", addr, "misses", ep.misses)
	if c := ep.candidates[addr]; c != nil {
		m.fail(ep, c, now, out)
	}
	m.demote(ep, "liveness", out)
	m.maybeProbe(ep, out)
}

func (m *Manager) armHeartbeat(ep *peerEndpoint, gen uint64) {
	ep.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval.Duration(), func() {
		m.with(ep, func(out *outbox) {
			if gen != ep.liveGen || ep.state != types.StateDirect {
				return
			}
			m.sendHeartbeat(ep, out)
			m.armHeartbeat(ep, gen)
		})
	})
}

// sendHeartbeat 直连路径空闲时发送保活 ping
func (m *Manager) sendHeartbeat(ep *peerEndpoint, out *outbox) {
	if m.clock.Since(ep.lastDirectRecv) < m.cfg.HeartbeatInterval.Duration() {
		return
	}
	for _, p := range ep.probes {
		if p.heartbeat {
			return
		}
	}
	sender, _, _, _ := m.env()
	if sender == nil {
		return
	}
	m.startProbe(ep, sender, ep.direct, true, out)
}

// ============================================================================
//                              过期清理
// ============================================================================

// Sweep 删除超过 CandidateTTL 未观察到且未成功探测的候选，活跃直连地址保留
func (m *Manager) Sweep() {
	ttl := m.cfg.CandidateTTL.Duration()
	now := m.clock.Now()
	m.each(func(ep *peerEndpoint, out *outbox) {
		for addr, c := range ep.candidates {
			if ep.state == types.StateDirect && ep.direct == addr {
				continue
			}
			if now.Sub(c.lastSeen) < ttl || now.Sub(c.lastPong) < ttl || ep.probing(addr) {
				continue
			}
			delete(ep.candidates, addr)
			m.unindex(addr, ep.id)
			log.Debug("候选地址过期", "peer", ep.id.ShortString(), "addr", addr)
		}
	})
}

// Run 周期性清理过期候选，直到 ctx 取消
func (m *Manager) Run(ctx context.Context) {
	t := m.clock.Ticker(m.cfg.CandidateTTL.Duration() / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
