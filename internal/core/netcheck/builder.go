package netcheck

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              报告构建器
// ============================================================================

// reportBuilder 并发收集探测结果，最后一次性生成不可变报告
type reportBuilder struct {
	mu sync.Mutex

	samples     []types.Sample
	stunLatency map[types.RelayURL]time.Duration
	ctrlLatency map[types.RelayURL]time.Duration
	down        map[types.RelayURL]struct{}
	portMap     types.PortMapAvailability
}

func newReportBuilder() *reportBuilder {
	return &reportBuilder{
		stunLatency: make(map[types.RelayURL]time.Duration),
		ctrlLatency: make(map[types.RelayURL]time.Duration),
		down:        make(map[types.RelayURL]struct{}),
	}
}

// addSample 记录一次成功的 STUN 探测，返回已有响应的中继数
func (b *reportBuilder) addSample(s types.Sample) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
	if cur, ok := b.stunLatency[s.Relay]; !ok || s.RTT < cur {
		b.stunLatency[s.Relay] = s.RTT
	}
	return len(b.stunLatency)
}

func (b *reportBuilder) answered(u types.RelayURL) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.stunLatency[u]
	return ok
}

func (b *reportBuilder) maxLatency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var max time.Duration
	for _, d := range b.stunLatency {
		if d > max {
			max = d
		}
	}
	return max
}

func (b *reportBuilder) addControlLatency(u types.RelayURL, d time.Duration) {
	b.mu.Lock()
	b.ctrlLatency[u] = d
	b.mu.Unlock()
}

func (b *reportBuilder) markDown(u types.RelayURL) {
	b.mu.Lock()
	b.down[u] = struct{}{}
	b.mu.Unlock()
}

func (b *reportBuilder) setPortMap(pm types.PortMapAvailability) {
	b.mu.Lock()
	b.portMap = pm
	b.mu.Unlock()
}

func (b *reportBuilder) reachable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stunLatency) + len(b.ctrlLatency)
}

// build 生成报告；prev 为上一份报告，用于首选中继的迟滞与增量报告的字段继承
func (b *reportBuilder) build(prev *types.Report, full bool, locals []netip.Addr) *types.Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &types.Report{
		Full:         full,
		RelayLatency: make(map[types.RelayURL]time.Duration, len(b.stunLatency)+len(b.ctrlLatency)),
		PortMap:      b.portMap,
		Samples:      append([]types.Sample(nil), b.samples...),
	}
	if !full && prev != nil && !r.PortMap.Probed {
		r.PortMap = prev.PortMap
	}

	sort.SliceStable(r.Samples, func(i, j int) bool { return r.Samples[i].RTT < r.Samples[j].RTT })
	for _, s := range r.Samples {
		addr := s.Observed.Addr().Unmap()
		if addr.Is4() {
			r.IPv4 = true
			if !r.GlobalV4.IsValid() {
				r.GlobalV4 = netip.AddrPortFrom(addr, s.Observed.Port())
			}
		} else {
			r.IPv6 = true
			if !r.GlobalV6.IsValid() {
				r.GlobalV6 = s.Observed
			}
		}
	}
	r.UDP = len(r.Samples) > 0
	r.NAT = Classify(r.Samples, locals)
	r.MappingVariesByDestIP = mappingVariesByDest(r.Samples)

	for u, d := range b.ctrlLatency {
		r.RelayLatency[u] = d
	}
	// STUN 时延优先于控制通道时延
	for u, d := range b.stunLatency {
		r.RelayLatency[u] = d
	}
	r.UDPBlocked = !r.UDP && len(b.ctrlLatency) > 0

	for u := range b.down {
		if _, ok := r.RelayLatency[u]; !ok {
			r.RelayDown = append(r.RelayDown, u)
		}
	}
	sort.Slice(r.RelayDown, func(i, j int) bool { return r.RelayDown[i] < r.RelayDown[j] })

	r.PreferredRelay = preferredRelay(r, prev)
	return r
}

// preferredRelay 选出时延最低的中继
//
// 上一次的首选中继仍可达且时延不超过最优值的 1.5 倍时保持不变，避免抖动。
func preferredRelay(r, prev *types.Report) types.RelayURL {
	relays := r.Relays()
	if len(relays) == 0 {
		return ""
	}
	best := relays[0]
	if prev == nil || prev.PreferredRelay == "" || prev.PreferredRelay == best {
		return best
	}
	old, ok := r.RelayLatency[prev.PreferredRelay]
	if ok && old <= r.RelayLatency[best]*3/2 {
		return prev.PreferredRelay
	}
	return best
}
