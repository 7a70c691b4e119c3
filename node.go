package magicnet

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-magicnet/internal/core/discovery"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/core/metrics"
	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/netmon"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/core/transport/quic"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var log = logger.Logger("magicnet")

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 已创建，未启动
	StateIdle NodeState = iota
	// StateRunning 运行中
	StateRunning
	// StateClosed 已关闭，不可重新启动
	StateClosed
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 启动与关闭超时
const (
	startTimeout = 30 * time.Second
	stopTimeout  = 10 * time.Second
)

// Node magicnet 节点
//
// Node 是门面（Facade），聚合虚拟套接字、路径管理、中继、
// 网络探测与地址发现等内部组件。
//
// 使用示例：
//
//	node, err := magicnet.New(magicnet.WithRelays(relayURL))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.AddPeer(peer, relayURL)
//	node.Conn().SendTo(peer, []byte("hello"))
//	from, data, err := node.Conn().Recv(ctx)
type Node struct {
	opts *options
	app  *fx.App

	mu    sync.Mutex
	state NodeState

	// 由 injectNodeComponents 填充
	keyPair   *identity.KeyPair
	bus       pkgif.EventBus
	conn      *magicsock.Conn
	pathMgr   *pathmgr.Manager
	discovery *discovery.Coordinator
	relay     *relay.Manager
	netcheck  *netcheck.Client
	quic      *quic.Transport
	netmon    *netmon.Monitor
	metrics   *metrics.Collector
}

// ════════════════════════════════════════════════════════════════════════════
//                              构造函数
// ════════════════════════════════════════════════════════════════════════════

// New 创建新节点
//
// 创建节点并绑定 UDP 套接字，但不启动后台任务，需要调用 Start()。
func New(opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if lc := o.config.Log; lc.Level != "" || lc.Format != "" {
		logger.Configure(lc.Level, lc.Format)
	}

	node := &Node{opts: o}
	app, err := buildFxApp(o, node)
	if err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	node.app = app
	return node, nil
}

// Start 启动所有组件
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateClosed:
		return ErrNodeClosed
	case StateRunning:
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Start(startCtx); err != nil {
		log.Error("节点启动失败", "err", err)
		return fmt.Errorf("start: %w", err)
	}
	n.state = StateRunning
	log.Info("节点启动成功",
		"peer", n.keyPair.PeerID().ShortString(),
		"local", n.conn.BoundAddr(),
		"relays", len(n.opts.config.Relay.URLs))
	return nil
}

// Close 关闭节点并释放所有资源，重复调用无效
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	prev := n.state
	if prev == StateClosed {
		return nil
	}
	n.state = StateClosed

	if prev == StateRunning {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := n.app.Stop(ctx); err != nil {
			log.Warn("节点停止出错", "err", err)
			return fmt.Errorf("stop: %w", err)
		}
		log.Info("节点已关闭")
		return nil
	}

	// 未启动时生命周期钩子不会执行，直接释放构造阶段占用的资源
	var err error
	if n.quic != nil {
		err = multierr.Append(err, n.quic.Close())
	}
	err = multierr.Append(err, n.conn.Close())
	if n.relay != nil {
		err = multierr.Append(err, n.relay.Close())
	}
	err = multierr.Append(err, n.pathMgr.Close())
	return err
}

// State 返回节点状态
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// ════════════════════════════════════════════════════════════════════════════
//                              组件访问
// ════════════════════════════════════════════════════════════════════════════

// PeerID 返回本节点标识
func (n *Node) PeerID() types.PeerID {
	return n.keyPair.PeerID()
}

// Conn 返回虚拟套接字
//
// 可直接按 PeerID 收发数据报，也可作为 net.PacketConn 交给其他协议。
func (n *Node) Conn() *magicsock.Conn {
	return n.conn
}

// QUIC 返回 QUIC 传输，配置禁用时为 nil
func (n *Node) QUIC() *quic.Transport {
	return n.quic
}

// Metrics 返回指标收集器，配置禁用时为 nil
func (n *Node) Metrics() *metrics.Collector {
	return n.metrics
}

// ════════════════════════════════════════════════════════════════════════════
//                              对端与路径
// ════════════════════════════════════════════════════════════════════════════

// AddPeer 告知对端的中继与候选直连地址
//
// relay 为空时只添加地址；重复添加相同信息会在去重窗口内被忽略。
func (n *Node) AddPeer(peer types.PeerID, relayURL types.RelayURL, addrs ...netip.AddrPort) error {
	if peer == n.PeerID() {
		return magicsock.ErrSelf
	}
	if peer.IsEmpty() {
		return fmt.Errorf("%w: empty peer id", types.ErrUnknownPeer)
	}
	if !relayURL.IsEmpty() {
		n.discovery.Deliver(discovery.Update{Peer: peer, Relay: relayURL})
	}
	for _, a := range addrs {
		c := types.CandidateAddress{Addr: a, Source: types.SourceDiscoveryFed}
		if !c.IsValid() {
			return fmt.Errorf("invalid candidate address %s", a)
		}
		n.discovery.Deliver(discovery.Update{Peer: peer, Candidate: c})
	}
	return nil
}

// ForgetPeer 移除对端的全部状态并丢弃其待发送数据
func (n *Node) ForgetPeer(peer types.PeerID) {
	n.conn.ForgetPeer(peer)
}

// PeerState 返回对端的路径快照
func (n *Node) PeerState(peer types.PeerID) (types.PeerSnapshot, bool) {
	return n.pathMgr.Snapshot(peer)
}

// Peers 返回已知对端
func (n *Node) Peers() []types.PeerID {
	return n.pathMgr.Peers()
}

// Endpoints 返回本地端点（网卡、反射、端口映射地址）
func (n *Node) Endpoints() []types.CandidateAddress {
	return n.conn.Endpoints()
}

// HomeRelay 返回当前首选中继
func (n *Node) HomeRelay() types.RelayURL {
	return n.pathMgr.HomeRelay()
}

// PeerRecord 生成本节点的签名地址记录，可发布到 DNS TXT
func (n *Node) PeerRecord(seq uint64) *discovery.Record {
	eps := n.conn.Endpoints()
	addrs := make([]netip.AddrPort, 0, len(eps))
	for _, e := range eps {
		addrs = append(addrs, e.Addr)
	}
	return discovery.NewRecord(n.keyPair, n.HomeRelay(), addrs, seq, time.Now())
}

// ════════════════════════════════════════════════════════════════════════════
//                              网络探测与事件
// ════════════════════════════════════════════════════════════════════════════

// Report 返回网络状况报告
//
// 缓存报告未过期时直接返回，否则执行一次探测。
func (n *Node) Report(ctx context.Context) (*types.Report, error) {
	if n.netcheck == nil {
		return nil, ErrNetcheckDisabled
	}
	if n.State() != StateRunning {
		return nil, ErrNotStarted
	}
	return n.netcheck.GetReport(ctx)
}

// Health 返回节点的中继可用性：所有配置的中继都耗尽重连预算时返回 ErrRelayUnavailable
func (n *Node) Health() error {
	if n.State() != StateRunning {
		return ErrNotStarted
	}
	if n.relay == nil {
		return nil
	}
	return n.relay.Err()
}

// Subscribe 订阅事件，eventType 为 types 包中事件类型的指针，例如 new(types.EvtPathChanged)
func (n *Node) Subscribe(eventType interface{}, opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	return n.bus.Subscribe(eventType, opts...)
}
