package netcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/stun"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// RelayPinger 中继控制通道，STUN 无响应时用于测量中继可达性
type RelayPinger interface {
	Ping(ctx context.Context, url types.RelayURL) (time.Duration, error)
}

// PortMapProber 端口映射协议可用性探测
type PortMapProber interface {
	Probe(ctx context.Context) types.PortMapAvailability
}

// Option 客户端选项
type Option func(*Client)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithPacketSender 使用共享数据套接字发送探测
func WithPacketSender(s PacketSender) Option {
	return func(cl *Client) { cl.sender = s }
}

// WithRelayPinger 设置中继控制通道
func WithRelayPinger(p RelayPinger) Option {
	return func(cl *Client) { cl.pinger = p }
}

// WithPortMapProber 设置端口映射探测
func WithPortMapProber(p PortMapProber) Option {
	return func(cl *Client) { cl.portmap = p }
}

// WithEventBus 设置事件总线
func WithEventBus(bus pkgif.EventBus) Option {
	return func(cl *Client) { cl.bus = bus }
}

// WithRelays 设置 GetReport 使用的中继列表来源
func WithRelays(fn func() []types.RelayURL) Option {
	return func(cl *Client) { cl.relays = fn }
}

// WithLocalAddrs 设置本机地址来源（用于判断是否处于 NAT 之后）
func WithLocalAddrs(fn func() []netip.Addr) Option {
	return func(cl *Client) { cl.locals = fn }
}

// pendingProbe 等待 STUN 响应的一次发送
type pendingProbe struct {
	sentAt  time.Time
	replies chan stunReply
}

type stunReply struct {
	observed netip.AddrPort
	rtt      time.Duration
}

// Client 可达性探测客户端
type Client struct {
	cfg      config.NetcheckConfig
	clock    clock.Clock
	bus      pkgif.EventBus
	sender   PacketSender
	pinger   RelayPinger
	portmap  PortMapProber
	relays   func() []types.RelayURL
	locals   func() []netip.Addr
	resolver *net.Resolver
	http     *http.Client

	reportEm *eventbus.Publisher[types.EvtReportUpdated]
	failEm   *eventbus.Publisher[types.EvtNetcheckFailed]

	sf      singleflight.Group
	history *lru.Cache[string, *types.Report]

	mu          sync.Mutex
	last        *types.Report
	lastFull    time.Time
	unreachable error
	pending     map[stun.TxID]*pendingProbe
	hairpin     map[stun.TxID]chan struct{}
}

// NewClient 创建探测客户端
func NewClient(cfg config.NetcheckConfig, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		clock:    clock.New(),
		relays:   func() []types.RelayURL { return nil },
		locals:   interfaceAddrs,
		resolver: net.DefaultResolver,
		http:     &http.Client{Timeout: captivePortalTimeout},
		pending:  make(map[stun.TxID]*pendingProbe),
		hairpin:  make(map[stun.TxID]chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 1
	}
	var err error
	if c.history, err = lru.New[string, *types.Report](size); err != nil {
		return nil, err
	}
	if c.reportEm, err = eventbus.NewPublisher[types.EvtReportUpdated](c.bus, eventbus.Stateful()); err != nil {
		return nil, err
	}
	if c.failEm, err = eventbus.NewPublisher[types.EvtNetcheckFailed](c.bus); err != nil {
		return nil, err
	}
	return c, nil
}

// SetPacketSender 设置共享数据套接字（套接字创建晚于客户端时使用）
func (c *Client) SetPacketSender(s PacketSender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// SetRelayPinger 设置中继控制通道
func (c *Client) SetRelayPinger(p RelayPinger) {
	c.mu.Lock()
	c.pinger = p
	c.mu.Unlock()
}

// ============================================================================
//                              报告缓存
// ============================================================================

// LastReport 返回最近一次报告（可能已过期），没有时为 nil
func (c *Client) LastReport() *types.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// History 返回保留的历史报告（从旧到新）
func (c *Client) History() []*types.Report {
	return c.history.Values()
}

// GetReport 返回未过期的缓存报告，否则执行一次探测
//
// 并发调用共享同一次探测。返回的报告不可修改。
func (c *Client) GetReport(ctx context.Context) (*types.Report, error) {
	c.mu.Lock()
	last := c.last
	fresh := last != nil && c.clock.Since(last.CreatedAt) < c.cfg.ReportTTL.Duration()
	c.mu.Unlock()
	if fresh {
		return last, nil
	}
	v, err, _ := c.sf.Do("report", func() (any, error) {
		return c.RunCheck(ctx, c.relays())
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Report), nil
}

// Invalidate 作废缓存报告并解除网络不可达锁定，下一次探测为完整探测
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.last = nil
	c.lastFull = time.Time{}
	c.unreachable = nil
	c.mu.Unlock()
	log.Debug("可达性报告已作废")
}

// ============================================================================
//                              探测
// ============================================================================

// RunCheck 对给定中继执行一次探测并生成报告
//
// 没有任何中继响应（STUN 与控制通道都失败）时返回 ErrProbeTimeout；
// 探测包一个都没能发出时返回 ErrNetworkUnreachable，并在 Invalidate 之前拒绝后续探测。
func (c *Client) RunCheck(ctx context.Context, relays []types.RelayURL) (*types.Report, error) {
	c.mu.Lock()
	latched := c.unreachable
	prev := c.last
	full := prev == nil || c.lastFull.IsZero() || c.clock.Since(c.lastFull) >= c.cfg.FullReportInterval.Duration()
	sender, pinger := c.sender, c.pinger
	c.mu.Unlock()

	if latched != nil {
		return nil, latched
	}
	if len(relays) == 0 {
		return nil, c.fail(fmt.Errorf("netcheck: no relays to probe: %w", types.ErrProbeTimeout))
	}
	if !full {
		relays = incrementalRelays(relays, prev)
	}

	parent := ctx
	start := c.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout.Duration())
	defer cancel()

	transports, closeAll, err := c.openTransports(sender)
	if err != nil {
		return nil, c.fail(fmt.Errorf("netcheck: open probe socket: %w: %v", types.ErrNetworkUnreachable, err))
	}
	defer closeAll()

	b := newReportBuilder()

	var side sync.WaitGroup
	if full && c.portmap != nil {
		side.Add(1)
		go func() {
			defer side.Done()
			b.setPortMap(c.portmap.Probe(ctx))
		}()
	}

	targets := c.resolveTargets(ctx, relays)
	stats := c.runSTUN(ctx, b, targets, transports, full)
	c.runControlFallback(ctx, b, relays, pinger)
	side.Wait()

	if b.reachable() == 0 {
		if err := parent.Err(); err != nil {
			return nil, err
		}
		if stats.attempted > 0 && stats.sent == 0 {
			err := fmt.Errorf("netcheck: no probe could be sent: %w: %v", types.ErrNetworkUnreachable, stats.lastErr)
			c.mu.Lock()
			c.unreachable = err
			c.mu.Unlock()
			return nil, c.fail(err)
		}
		return nil, c.fail(fmt.Errorf("netcheck: no relay answered %d probes: %w", stats.sent, types.ErrProbeTimeout))
	}

	r := b.build(prev, full, c.locals())
	if from, ok := hairpinSource(transports, r); ok {
		if hp, err := c.checkHairpin(ctx, from, r.GlobalV4); err == nil {
			r.HairPinning = &hp
		} else {
			log.Debug("回环检测失败", "dst", r.GlobalV4, "err", err)
		}
	}
	if full && c.cfg.CaptivePortalCheck && !r.UDP && r.PreferredRelay != "" {
		if captive, err := c.checkCaptivePortal(ctx, r.PreferredRelay); err == nil {
			r.CaptivePortal = &captive
		} else {
			log.Debug("强制门户检测失败", "relay", r.PreferredRelay, "err", err)
		}
	}
	r.ID = uuid.NewString()
	r.CreatedAt = c.clock.Now()
	r.Duration = r.CreatedAt.Sub(start)

	c.mu.Lock()
	c.last = r
	if full {
		c.lastFull = r.CreatedAt
	}
	c.mu.Unlock()
	c.history.Add(r.ID, r)

	log.Info("可达性报告已生成",
		"id", r.ID,
		"full", r.Full,
		"udp", r.UDP,
		"nat", r.NAT,
		"public", r.PublicAddr(),
		"preferred", r.PreferredRelay,
		"samples", len(r.Samples),
		"duration", r.Duration)
	c.reportEm.Emit(types.EvtReportUpdated{Report: r})
	return r, nil
}

func (c *Client) fail(err error) error {
	log.Warn("可达性探测失败", "err", err)
	c.failEm.Emit(types.EvtNetcheckFailed{Err: err})
	return err
}

// incrementalRelays 增量探测只覆盖上一次可达的中继
func incrementalRelays(relays []types.RelayURL, prev *types.Report) []types.RelayURL {
	if prev == nil {
		return relays
	}
	configured := make(map[types.RelayURL]struct{}, len(relays))
	for _, u := range relays {
		configured[u] = struct{}{}
	}
	var out []types.RelayURL
	for _, u := range prev.Relays() {
		if _, ok := configured[u]; ok {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return relays
	}
	return out
}

// openTransports 返回探测使用的本地端口：共享套接字加上额外的临时套接字
func (c *Client) openTransports(sender PacketSender) ([]probeTransport, func(), error) {
	var out []probeTransport
	var sockets []*socketTransport
	closeAll := func() {
		for _, s := range sockets {
			s.close()
		}
	}
	if sender != nil {
		out = append(out, sharedTransport{s: sender})
	}
	extra := c.cfg.ExtraLocalPorts
	if sender == nil && extra < 1 {
		extra = 1
	}
	var errs error
	for i := 0; i < extra; i++ {
		s, err := listenProbeSocket(c.HandleSTUN)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sockets = append(sockets, s)
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, closeAll, errs
	}
	return out, closeAll, nil
}

func (c *Client) resolveTargets(ctx context.Context, relays []types.RelayURL) []target {
	out := make([]target, 0, len(relays))
	for _, u := range relays {
		t, ok, err := resolveTarget(ctx, c.resolver, u, c.cfg.STUNPort)
		if err != nil {
			log.Debug("解析中继 STUN 地址失败", "relay", u, "err", err)
			continue
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

// HandleSTUN 处理收到的 STUN 响应或本客户端发出的回环请求，返回是否已被处理
func (c *Client) HandleSTUN(pkt []byte, _ netip.AddrPort) bool {
	if c.handleHairpin(pkt) {
		return true
	}
	txid, observed, err := stun.ParseResponse(pkt)
	if err != nil {
		return false
	}
	c.mu.Lock()
	p, ok := c.pending[txid]
	if ok {
		delete(c.pending, txid)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.replies <- stunReply{observed: observed, rtt: c.clock.Since(p.sentAt)}:
	default:
	}
	return true
}

func interfaceAddrs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(n.IP); ok {
				out = append(out, ip.Unmap())
			}
		}
	}
	return out
}
