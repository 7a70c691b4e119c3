package pathmgr

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-magicnet/internal/core/disco"
	"github.com/dep2p/go-magicnet/pkg/types"
)

const (
	// discoveryRequestInterval 同一对端两次发现请求的最小间隔
	discoveryRequestInterval = 5 * time.Second
	// outcomeWindow 置信度统计的探测结果窗口
	outcomeWindow = 8
	// maxRTTPenalty 时延对置信度的最大扣分
	maxRTTPenalty = 20
)

// ============================================================================
//                              候选地址与探测
// ============================================================================

// candidate 对端候选地址及其探测记录
type candidate struct {
	addr     netip.AddrPort
	source   types.AddrSource
	lastSeen time.Time

	// failures 连续探测失败次数
	failures int
	// nextProbe 退避结束时间
	nextProbe time.Time
	// demoted 连续失败达到上限，排在最后
	demoted bool

	// lastPong 最近一次探测成功的时间
	lastPong time.Time
	rtt      time.Duration
}

func (c *candidate) public() types.CandidateAddress {
	return types.CandidateAddress{Addr: c.addr, Source: c.source, LastSeen: c.lastSeen}
}

// probe 一次在途的直连探测
type probe struct {
	tx     disco.TxID
	addr   netip.AddrPort
	sentAt time.Time
	// heartbeat 直连路径上的保活 ping，不参与升级判断之外的失败计数
	heartbeat bool
	timer     *clock.Timer
}

type outcome struct {
	ok  bool
	rtt time.Duration
}

// ============================================================================
//                              对端记录
// ============================================================================

// peerEndpoint 单个对端的路径状态，所有字段由 mu 保护
type peerEndpoint struct {
	mu sync.Mutex

	id    types.PeerID
	state types.PeerState
	// relay 对端所在中继，为空时使用本节点首选中继
	relay types.RelayURL
	// direct 仅在 Direct 状态下有效
	direct netip.AddrPort

	candidates map[netip.AddrPort]*candidate
	probes     map[disco.TxID]*probe

	lastSend       time.Time
	lastRecv       time.Time
	lastDirectRecv time.Time
	misses         int

	liveGen   uint64
	liveness  *clock.Timer
	heartbeat *clock.Timer
	retryGen  uint64
	retry     *clock.Timer
	retryAt   time.Time

	outcomes   []outcome
	probeCount int
	discoLimit *rate.Limiter
	cmmLimit   *rate.Limiter
	evicted    bool
}

func newPeerEndpoint(id types.PeerID) *peerEndpoint {
	return &peerEndpoint{
		id:         id,
		candidates: make(map[netip.AddrPort]*candidate),
		probes:     make(map[disco.TxID]*probe),
		discoLimit: rate.NewLimiter(rate.Every(discoveryRequestInterval), 1),
		cmmLimit:   rate.NewLimiter(rate.Every(discoveryRequestInterval), 1),
	}
}

// upsert 合并候选地址，相同地址只保留最新的观察时间，返回是否新增
func (ep *peerEndpoint) upsert(c types.CandidateAddress) (*candidate, bool) {
	if cur, ok := ep.candidates[c.Addr]; ok {
		if c.LastSeen.After(cur.lastSeen) {
			cur.lastSeen = c.LastSeen
			cur.source = c.Source
		}
		return cur, false
	}
	cand := &candidate{addr: c.Addr, source: c.Source, lastSeen: c.LastSeen}
	ep.candidates[c.Addr] = cand
	return cand, true
}

// probing 返回 addr 是否有在途的非心跳探测
func (ep *peerEndpoint) probing(addr netip.AddrPort) bool {
	for _, p := range ep.probes {
		if p.addr == addr && !p.heartbeat {
			return true
		}
	}
	return false
}

// pending 返回在途的非心跳探测数
func (ep *peerEndpoint) pending() int {
	n := 0
	for _, p := range ep.probes {
		if !p.heartbeat {
			n++
		}
	}
	return n
}

// eligible 返回此刻可以探测的候选，未降级的在前，其次按最近成功、最近观察排序
func (ep *peerEndpoint) eligible(now time.Time) []*candidate {
	var out []*candidate
	for _, c := range ep.candidates {
		if now.Before(c.nextProbe) || ep.probing(c.addr) {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *candidate) int {
		if a.demoted != b.demoted {
			if a.demoted {
				return 1
			}
			return -1
		}
		if c := b.lastPong.Compare(a.lastPong); c != 0 {
			return c
		}
		if c := b.lastSeen.Compare(a.lastSeen); c != 0 {
			return c
		}
		return a.addr.Compare(b.addr)
	})
	return out
}

// nextRetry 返回退避中的候选最早可探测的时间
func (ep *peerEndpoint) nextRetry() (time.Time, bool) {
	var at time.Time
	for _, c := range ep.candidates {
		if c.nextProbe.IsZero() || ep.probing(c.addr) {
			continue
		}
		if at.IsZero() || c.nextProbe.Before(at) {
			at = c.nextProbe
		}
	}
	return at, !at.IsZero()
}

// best 返回已确认可达的最佳直连地址
//
// 最近一次探测成功的优先，成功时间相同时时延低的优先。
func (ep *peerEndpoint) best() (netip.AddrPort, bool) {
	var win *candidate
	for _, c := range ep.candidates {
		if c.lastPong.IsZero() || c.failures > 0 {
			continue
		}
		if win == nil || better(c, win) {
			win = c
		}
	}
	if win == nil {
		return netip.AddrPort{}, false
	}
	return win.addr, true
}

func better(a, b *candidate) bool {
	if !a.lastPong.Equal(b.lastPong) {
		return a.lastPong.After(b.lastPong)
	}
	if a.rtt != b.rtt {
		return a.rtt < b.rtt
	}
	return a.addr.Compare(b.addr) < 0
}

// record 记录一次探测结果
func (ep *peerEndpoint) record(ok bool, rtt time.Duration) {
	ep.outcomes = append(ep.outcomes, outcome{ok: ok, rtt: rtt})
	if len(ep.outcomes) > outcomeWindow {
		ep.outcomes = ep.outcomes[len(ep.outcomes)-outcomeWindow:]
	}
}

// bestRTT 返回窗口内成功探测的最低时延
func (ep *peerEndpoint) bestRTT() time.Duration {
	var best time.Duration
	for _, o := range ep.outcomes {
		if o.ok && (best == 0 || o.rtt < best) {
			best = o.rtt
		}
	}
	return best
}

// confidence 路径置信度（0-100）
//
// 由窗口内探测成功率得出，非直连时减半，再按时延扣分。
func (ep *peerEndpoint) confidence() int {
	if len(ep.outcomes) == 0 {
		return 0
	}
	ok := 0
	for _, o := range ep.outcomes {
		if o.ok {
			ok++
		}
	}
	score := ok * 100 / len(ep.outcomes)
	if ep.state != types.StateDirect {
		score /= 2
	}
	penalty := int(ep.bestRTT() / (10 * time.Millisecond))
	score -= min(penalty, maxRTTPenalty)
	return max(score, 0)
}

// stopProbes 放弃所有在途探测
func (ep *peerEndpoint) stopProbes(heartbeatOnly bool) {
	for tx, p := range ep.probes {
		if heartbeatOnly && !p.heartbeat {
			continue
		}
		p.timer.Stop()
		delete(ep.probes, tx)
	}
}

// stopDirectTimers 停止直连路径的存活检查与心跳
func (ep *peerEndpoint) stopDirectTimers() {
	ep.liveGen++
	if ep.liveness != nil {
		ep.liveness.Stop()
		ep.liveness = nil
	}
	if ep.heartbeat != nil {
		ep.heartbeat.Stop()
		ep.heartbeat = nil
	}
	ep.stopProbes(true)
}

// stopRetry 取消退避重试
func (ep *peerEndpoint) stopRetry() {
	ep.retryGen++
	if ep.retry != nil {
		ep.retry.Stop()
		ep.retry = nil
	}
	ep.retryAt = time.Time{}
}

func (ep *peerEndpoint) stopAll() {
	ep.stopDirectTimers()
	ep.stopRetry()
	ep.stopProbes(false)
}

func (ep *peerEndpoint) snapshot(path types.Path) types.PeerSnapshot {
	cands := make([]types.CandidateAddress, 0, len(ep.candidates))
	for _, c := range ep.candidates {
		cands = append(cands, c.public())
	}
	slices.SortFunc(cands, func(a, b types.CandidateAddress) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return a.Addr.Compare(b.Addr)
	})
	return types.PeerSnapshot{
		Peer:       ep.id,
		State:      ep.state,
		Path:       path,
		HomeRelay:  ep.relay,
		Candidates: cands,
		Confidence: ep.confidence(),
		LastSend:   ep.lastSend,
		LastRecv:   ep.lastRecv,
		BestRTT:    ep.bestRTT(),
		Probes:     ep.probeCount,
	}
}
