package magicsock

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/portmap"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

const (
	// maxPacketSize UDP 接收缓冲区大小
	maxPacketSize = 64 << 10
	// unknownSourceCacheSize 记录过的来源不明地址数
	unknownSourceCacheSize = 256
	// readErrorBackoff 非关闭类读错误后的等待
	readErrorBackoff = 10 * time.Millisecond
)

var (
	_ net.PacketConn        = (*Conn)(nil)
	_ pathmgr.Sender        = (*Conn)(nil)
	_ netcheck.PacketSender = (*Conn)(nil)
)

// Option 套接字选项
type Option func(*Conn)

// WithRelay 设置中继管理器
func WithRelay(m *relay.Manager) Option {
	return func(c *Conn) { c.relay = m }
}

// WithNetcheck 设置可达性探测客户端，STUN 探测复用数据套接字
func WithNetcheck(nc *netcheck.Client) Option {
	return func(c *Conn) { c.netcheck = nc }
}

// WithPortMapper 设置端口映射器
func WithPortMapper(m *portmap.Mapper) Option {
	return func(c *Conn) { c.portmap = m }
}

// WithEventBus 设置事件总线
func WithEventBus(bus pkgif.EventBus) Option {
	return func(c *Conn) { c.bus = bus }
}

// WithClock 设置时钟
func WithClock(clk clock.Clock) Option {
	return func(c *Conn) { c.clock = clk }
}

// Stats 套接字统计
type Stats struct {
	SentDirect int64
	SentRelay  int64
	RecvDirect int64
	RecvRelay  int64
	Queued     int64
	Dropped    int64
}

type counters struct {
	sentDirect atomic.Int64
	sentRelay  atomic.Int64
	recvDirect atomic.Int64
	recvRelay  atomic.Int64
	queued     atomic.Int64
	dropped    atomic.Int64
}

type inboundPacket struct {
	from types.PeerID
	data []byte
}

// Conn 虚拟套接字
type Conn struct {
	kp       *identity.KeyPair
	self     types.PeerID
	cfg      config.SocketConfig
	pm       *pathmgr.Manager
	relay    *relay.Manager
	netcheck *netcheck.Client
	portmap  *portmap.Mapper
	bus      pkgif.EventBus
	clock    clock.Clock

	dropEm  *eventbus.Publisher[types.EvtPacketDropped]
	authEm  *eventbus.Publisher[types.EvtAuthFailure]
	localEm *eventbus.Publisher[types.EvtLocalEndpointsChanged]

	pcMu sync.RWMutex
	pc   *net.UDPConn

	inbound      chan inboundPacket
	readDeadline *deadline
	closing      chan struct{}

	sampled *logger.Sampled
	unknown *lru.Cache[netip.AddrPort, struct{}]

	mu        sync.Mutex
	pending   map[types.PeerID]*sendQueue
	relayed   map[types.PeerID]types.RelayURL
	logical   map[netip.AddrPort]types.PeerID
	byPeer    map[types.PeerID]netip.AddrPort
	mapped    netip.AddrPort
	endpoints []types.CandidateAddress
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats counters
}

// NewConn 绑定 UDP 套接字并创建虚拟套接字
//
// 创建后即注册为路径管理器的发送方与 netcheck 的探测通道；Start 之后才开始收包。
func NewConn(kp *identity.KeyPair, pm *pathmgr.Manager, cfg config.SocketConfig, opts ...Option) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("magicsock: resolve listen addr %q: %w", cfg.ListenAddr, err)
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("magicsock: listen %s: %w", laddr, err)
	}

	c := &Conn{
		kp:           kp,
		self:         kp.PeerID(),
		cfg:          cfg,
		pm:           pm,
		clock:        clock.New(),
		pc:           pc,
		inbound:      make(chan inboundPacket, max(cfg.InboundQueueSize, 1)),
		readDeadline: newDeadline(),
		closing:      make(chan struct{}),
		pending:      make(map[types.PeerID]*sendQueue),
		relayed:      make(map[types.PeerID]types.RelayURL),
		logical:      make(map[netip.AddrPort]types.PeerID),
		byPeer:       make(map[types.PeerID]netip.AddrPort),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sampled = logger.NewSampled(log, max(cfg.UnknownSourceLogInterval.Duration(), time.Millisecond), 1)
	c.unknown, _ = lru.New[netip.AddrPort, struct{}](unknownSourceCacheSize)

	if err := c.initPublishers(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	c.LogicalAddr(c.self)

	pm.SetSender(c)
	if c.netcheck != nil {
		c.netcheck.SetPacketSender(c)
	}
	log.Info("虚拟套接字已绑定", "local", pc.LocalAddr(), "peer", c.self.ShortString())
	return c, nil
}

func (c *Conn) initPublishers() error {
	var err error
	if c.dropEm, err = eventbus.NewPublisher[types.EvtPacketDropped](c.bus); err != nil {
		return err
	}
	if c.authEm, err = eventbus.NewPublisher[types.EvtAuthFailure](c.bus); err != nil {
		return err
	}
	if c.localEm, err = eventbus.NewPublisher[types.EvtLocalEndpointsChanged](c.bus, eventbus.Stateful()); err != nil {
		return err
	}
	return nil
}

// Start 启动接收循环与后台任务，重复调用无效
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.spawn(c.receiveUDP)
	if c.relay != nil {
		c.spawn(c.receiveRelay)
		c.initHomeRelay()
	}
	if c.bus != nil {
		if err := c.watchEvents(); err != nil {
			return err
		}
	}
	if c.portmap != nil {
		c.spawn(func() {
			c.portmap.Run(c.ctx, c.LocalPort, c.setMapped)
		})
	}
	c.updateEndpoints()
	return nil
}

func (c *Conn) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close 关闭套接字，释放中继依赖并丢弃待发送队列
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	relayed := c.relayed
	c.relayed = make(map[types.PeerID]types.RelayURL)
	c.pending = make(map[types.PeerID]*sendQueue)
	c.mu.Unlock()

	c.cancel()
	close(c.closing)
	err := c.conn().Close()
	c.wg.Wait()

	if c.relay != nil {
		for peer, u := range relayed {
			c.relay.Release(u, peer)
		}
	}
	err = multierr.Append(err, c.dropEm.Close())
	err = multierr.Append(err, c.authEm.Close())
	err = multierr.Append(err, c.localEm.Close())
	log.Info("虚拟套接字已关闭", "peer", c.self.ShortString())
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// conn 返回当前 UDP 套接字（重绑定后会变化）
func (c *Conn) conn() *net.UDPConn {
	c.pcMu.RLock()
	defer c.pcMu.RUnlock()
	return c.pc
}

// PeerID 返回本节点 PeerID
func (c *Conn) PeerID() types.PeerID { return c.self }

// LocalPort 实现 netcheck.PacketSender
func (c *Conn) LocalPort() uint16 {
	return uint16(c.conn().LocalAddr().(*net.UDPAddr).Port)
}

// BoundAddr 返回 UDP 套接字的实际绑定地址
func (c *Conn) BoundAddr() netip.AddrPort {
	return c.conn().LocalAddr().(*net.UDPAddr).AddrPort()
}

// Stats 返回统计
func (c *Conn) Stats() Stats {
	return Stats{
		SentDirect: c.stats.sentDirect.Load(),
		SentRelay:  c.stats.sentRelay.Load(),
		RecvDirect: c.stats.recvDirect.Load(),
		RecvRelay:  c.stats.recvRelay.Load(),
		Queued:     c.stats.queued.Load(),
		Dropped:    c.stats.dropped.Load(),
	}
}

// Rebind 重新绑定 UDP 套接字（网络变化后旧套接字可能绑定在失效的接口上）
//
// 优先沿用原端口，失败时由系统分配新端口。
func (c *Conn) Rebind() error {
	if c.isClosed() {
		return ErrClosed
	}
	old := c.conn()
	laddr := old.LocalAddr().(*net.UDPAddr)
	next, err := net.ListenUDP("udp", laddr)
	if err != nil {
		// 原套接字仍占用端口，先关闭再重试
		_ = old.Close()
		if next, err = net.ListenUDP("udp", laddr); err != nil {
			next, err = net.ListenUDP("udp", &net.UDPAddr{IP: laddr.IP})
		}
		if err != nil {
			return fmt.Errorf("magicsock: rebind: %w", err)
		}
	}
	c.pcMu.Lock()
	c.pc = next
	c.pcMu.Unlock()
	_ = old.Close()
	log.Info("UDP 套接字已重绑定", "old", laddr, "new", next.LocalAddr())
	c.updateEndpoints()
	return nil
}

// ============================================================================
//                              net.PacketConn
// ============================================================================

// ReadFrom 读取下一个数据包，addr 为发送方的逻辑地址
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-c.inbound:
		n := copy(b, p.data)
		return n, c.udpAddr(p.from), nil
	case <-c.closing:
		return 0, nil, net.ErrClosed
	case <-c.readDeadline.wait():
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo 向逻辑地址对应的对端发送
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ap, err := addrPort(addr)
	if err != nil {
		return 0, err
	}
	peer, ok := c.PeerForAddr(ap)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotLogicalAddr, addr)
	}
	if err := c.SendTo(peer, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// LocalAddr 返回本节点的逻辑地址
func (c *Conn) LocalAddr() net.Addr {
	return c.udpAddr(c.self)
}

// SetDeadline 实现 net.PacketConn；写操作不阻塞，只影响读
func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline 实现 net.PacketConn
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

// SetWriteDeadline 实现 net.PacketConn；写操作不阻塞
func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}

func addrPort(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNotLogicalAddr, addr)
		}
		return ap, nil
	}
}
