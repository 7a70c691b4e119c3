package discovery

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// dedupeCacheSize 去重窗口内跟踪的 (对端, 地址) 数
const dedupeCacheSize = 8192

// Sink 接收更新的路径管理器
type Sink interface {
	AddCandidate(peer types.PeerID, c types.CandidateAddress) error
	SetRelay(peer types.PeerID, u types.RelayURL) error
}

type dedupeKey struct {
	peer  types.PeerID
	addr  netip.AddrPort
	relay types.RelayURL
}

// Stats 协调器统计
type Stats struct {
	Delivered  int64
	Duplicates int64
	Rejected   int64
}

// Coordinator 运行所有发现源，去重后转发给路径管理器
type Coordinator struct {
	sink   Sink
	clock  clock.Clock
	window time.Duration

	mu    sync.Mutex
	feeds []Feed
	seen  *lru.Cache[dedupeKey, time.Time]

	delivered  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
}

// NewCoordinator 创建协调器
func NewCoordinator(sink Sink, window time.Duration, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	seen, _ := lru.New[dedupeKey, time.Time](dedupeCacheSize)
	return &Coordinator{sink: sink, clock: clk, window: window, seen: seen}
}

// AddFeed 添加发现源，必须在 Run 之前调用
func (c *Coordinator) AddFeed(f Feed) {
	c.mu.Lock()
	c.feeds = append(c.feeds, f)
	c.mu.Unlock()
}

// Feeds 返回发现源
func (c *Coordinator) Feeds() []Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Feed(nil), c.feeds...)
}

// Run 并发运行所有发现源直到 ctx 取消；单个发现源出错只记录日志
func (c *Coordinator) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, f := range c.Feeds() {
		g.Go(func() error {
			if err := f.Run(ctx, c.Deliver); err != nil && ctx.Err() == nil {
				log.Warn("发现源退出", "feed", f.Name(), "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Deliver 去重并转发一条更新
func (c *Coordinator) Deliver(u Update) {
	now := c.clock.Now()
	key := dedupeKey{peer: u.Peer, addr: u.Candidate.Addr, relay: u.Relay}
	if c.window > 0 {
		c.mu.Lock()
		last, ok := c.seen.Get(key)
		if ok && now.Sub(last) < c.window {
			c.mu.Unlock()
			c.duplicates.Add(1)
			return
		}
		c.seen.Add(key, now)
		c.mu.Unlock()
	}

	if !u.Relay.IsEmpty() {
		if err := c.sink.SetRelay(u.Peer, u.Relay); err != nil {
			c.reject(u, err)
			return
		}
	}
	if u.Candidate.Addr.IsValid() {
		if u.Candidate.LastSeen.IsZero() {
			u.Candidate.LastSeen = now
		}
		if u.Candidate.Source == types.SourceUnknown {
			u.Candidate.Source = types.SourceDiscoveryFed
		}
		if err := c.sink.AddCandidate(u.Peer, u.Candidate); err != nil {
			c.reject(u, err)
			return
		}
	}
	c.delivered.Add(1)
}

func (c *Coordinator) reject(u Update, err error) {
	c.rejected.Add(1)
	log.Debug("丢弃发现更新", "peer", u.Peer.ShortString(), "addr", u.Candidate.Addr, "relay", u.Relay, "err", err)
}

// RequestCandidates 实现 pathmgr.Discoverer：向所有支持按需查询的发现源请求
func (c *Coordinator) RequestCandidates(peer types.PeerID) {
	for _, f := range c.Feeds() {
		if r, ok := f.(Requester); ok {
			r.Request(peer)
		}
	}
}

// Stats 返回统计
func (c *Coordinator) Stats() Stats {
	return Stats{
		Delivered:  c.delivered.Load(),
		Duplicates: c.duplicates.Load(),
		Rejected:   c.rejected.Load(),
	}
}
