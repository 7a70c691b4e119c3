package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Update 一条对端地址更新，Candidate 与 Relay 至少有一个有效
type Update struct {
	Peer      types.PeerID
	Candidate types.CandidateAddress
	Relay     types.RelayURL
}

// Feed 发现源
//
// Run 阻塞直到 ctx 取消或发现源结束，每条更新通过 sink 投递。
type Feed interface {
	Name() string
	Run(ctx context.Context, sink func(Update)) error
}

// Requester 支持按需查询的发现源
//
// Request 不得阻塞，结果通过 Run 的 sink 异步投递。
type Requester interface {
	Request(peer types.PeerID)
}

// ============================================================================
//                              StaticFeed
// ============================================================================

// StaticFeed 配置中的静态对端
type StaticFeed struct {
	peers map[types.PeerID][]Update

	mu   sync.Mutex
	sink func(Update)
}

var (
	_ Feed      = (*StaticFeed)(nil)
	_ Requester = (*StaticFeed)(nil)
)

// NewStaticFeed 解析静态对端配置
func NewStaticFeed(known []config.KnownPeer) (*StaticFeed, error) {
	f := &StaticFeed{peers: make(map[types.PeerID][]Update, len(known))}
	for _, kp := range known {
		id, err := types.ParsePeerID(kp.PeerID)
		if err != nil {
			return nil, fmt.Errorf("known peer %q: %w", kp.PeerID, err)
		}
		var ups []Update
		if kp.Relay != "" {
			ups = append(ups, Update{Peer: id, Relay: types.RelayURL(kp.Relay)})
		}
		for _, a := range kp.Addrs {
			ap, err := netip.ParseAddrPort(a)
			if err != nil {
				return nil, fmt.Errorf("known peer %q: %w", kp.PeerID, err)
			}
			ups = append(ups, Update{Peer: id, Candidate: types.CandidateAddress{Addr: ap, Source: types.SourceDiscoveryFed}})
		}
		f.peers[id] = append(f.peers[id], ups...)
	}
	return f, nil
}

// Name 实现 Feed
func (f *StaticFeed) Name() string { return "static" }

// Run 投递全部静态对端后等待 ctx 取消
func (f *StaticFeed) Run(ctx context.Context, sink func(Update)) error {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
	for id := range f.peers {
		f.deliver(id, sink)
	}
	<-ctx.Done()
	return nil
}

// Request 重新投递指定对端
func (f *StaticFeed) Request(peer types.PeerID) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		f.deliver(peer, sink)
	}
}

func (f *StaticFeed) deliver(peer types.PeerID, sink func(Update)) {
	for _, u := range f.peers[peer] {
		sink(u)
	}
}

// ============================================================================
//                              ChanFeed
// ============================================================================

// ChanFeed 推送式发现源，外部通过 Push 投递更新
type ChanFeed struct {
	name string
	ch   chan Update
}

// NewChanFeed 创建推送式发现源
func NewChanFeed(name string, buf int) *ChanFeed {
	return &ChanFeed{name: name, ch: make(chan Update, buf)}
}

// Name 实现 Feed
func (f *ChanFeed) Name() string { return f.name }

// Push 投递一条更新，缓冲区满时丢弃并返回 false
func (f *ChanFeed) Push(u Update) bool {
	select {
	case f.ch <- u:
		return true
	default:
		return false
	}
}

// Run 实现 Feed
func (f *ChanFeed) Run(ctx context.Context, sink func(Update)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-f.ch:
			sink(u)
		}
	}
}

// ============================================================================
//                              PollFeed
// ============================================================================

// PollFunc 轮询函数，peers 为自上次轮询以来被请求的对端
type PollFunc func(ctx context.Context, peers []types.PeerID) ([]Update, error)

// PollFeed 周期性轮询的发现源，Request 会触发一次立即轮询
type PollFeed struct {
	name     string
	interval time.Duration
	clock    clock.Clock
	poll     PollFunc

	mu      sync.Mutex
	pending map[types.PeerID]struct{}
	kick    chan struct{}
}

var _ Requester = (*PollFeed)(nil)

// NewPollFeed 创建轮询发现源
func NewPollFeed(name string, interval time.Duration, clk clock.Clock, poll PollFunc) *PollFeed {
	if clk == nil {
		clk = clock.New()
	}
	return &PollFeed{
		name:     name,
		interval: interval,
		clock:    clk,
		poll:     poll,
		pending:  make(map[types.PeerID]struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Name 实现 Feed
func (f *PollFeed) Name() string { return f.name }

// Request 实现 Requester
func (f *PollFeed) Request(peer types.PeerID) {
	f.mu.Lock()
	f.pending[peer] = struct{}{}
	f.mu.Unlock()
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run 实现 Feed：启动时轮询一次，之后按间隔或请求轮询
func (f *PollFeed) Run(ctx context.Context, sink func(Update)) error {
	t := f.clock.Ticker(f.interval)
	defer t.Stop()
	for {
		f.once(ctx, sink)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-f.kick:
		}
	}
}

func (f *PollFeed) once(ctx context.Context, sink func(Update)) {
	f.mu.Lock()
	peers := make([]types.PeerID, 0, len(f.pending))
	for id := range f.pending {
		peers = append(peers, id)
	}
	clear(f.pending)
	f.mu.Unlock()

	ups, err := f.poll(ctx, peers)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("轮询发现源失败", "feed", f.name, "err", err)
		}
		return
	}
	for _, u := range ups {
		sink(u)
	}
}
