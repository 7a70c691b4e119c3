package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Handler 接收与路径决策相关的中继通知
//
// 回调在会话协程中同步执行，实现方不得在回调中阻塞等待中继。
type Handler interface {
	// RelayStateChanged 中继会话状态变化
	RelayStateChanged(url types.RelayURL, state types.RelayState)
	// RelayExhausted 中继重试预算耗尽，peers 为经由该中继路由的对端
	RelayExhausted(url types.RelayURL, peers []types.PeerID)
	// RelayPeerGone 中继通知某对端已离开
	RelayPeerGone(url types.RelayURL, peer types.PeerID)
}

// SessionStats 会话统计
type SessionStats struct {
	URL     types.RelayURL
	State   types.RelayState
	Peers   int
	Dropped int64
}

// Option 管理器选项
type Option func(*Manager)

// WithClock 设置时钟（测试中使用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDialFunc 替换拨号函数
func WithDialFunc(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithEventBus 设置事件总线
func WithEventBus(bus pkgif.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// Manager 管理到各中继的会话
//
// 会话按需创建：首次 Acquire、Send 或 Ping 时建立，最后一个依赖方释放后关闭。
// 首选中继在设置后常驻。
type Manager struct {
	kp    *identity.KeyPair
	cfg   config.RelayConfig
	clock clock.Clock
	dial  DialFunc
	bus   pkgif.EventBus

	stateEm   *eventbus.Publisher[types.EvtRelayStateChanged]
	unavailEm *eventbus.Publisher[types.EvtRelayUnavailable]
	allEm     *eventbus.Publisher[types.EvtRelaysExhausted]

	recv chan Packet

	mu        sync.Mutex
	sessions  map[types.RelayURL]*Session
	exhausted map[types.RelayURL]error
	home      types.RelayURL
	handler   Handler
	closed    bool

	// retiring 跟踪后台关闭中的空闲会话，Close 关闭 recv 前等待它们退出
	retiring sync.WaitGroup
}

// NewManager 创建中继管理器
func NewManager(kp *identity.KeyPair, cfg config.RelayConfig, opts ...Option) (*Manager, error) {
	m := &Manager{
		kp:        kp,
		cfg:       cfg,
		clock:     clock.New(),
		recv:      make(chan Packet, 1024),
		sessions:  make(map[types.RelayURL]*Session),
		exhausted: make(map[types.RelayURL]error),
	}
	for _, o := range opts {
		o(m)
	}
	if m.dial == nil {
		d := &Dialer{Timeout: cfg.DialTimeout.Duration()}
		if cfg.InsecureSkipVerify {
			d.TLSConfig = insecureTLSConfig()
		}
		m.dial = d.Dial
	}
	var err error
	if m.stateEm, err = eventbus.NewPublisher[types.EvtRelayStateChanged](m.bus); err != nil {
		return nil, err
	}
	if m.unavailEm, err = eventbus.NewPublisher[types.EvtRelayUnavailable](m.bus); err != nil {
		return nil, err
	}
	if m.allEm, err = eventbus.NewPublisher[types.EvtRelaysExhausted](m.bus); err != nil {
		return nil, err
	}
	return m, nil
}

// SetHandler 设置通知接收方
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) getHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// URLs 返回配置的中继列表
func (m *Manager) URLs() []types.RelayURL {
	out := make([]types.RelayURL, 0, len(m.cfg.URLs))
	for _, u := range m.cfg.URLs {
		out = append(out, types.RelayURL(u))
	}
	return out
}

// Recv 返回所有中继收到的数据包
func (m *Manager) Recv() <-chan Packet {
	return m.recv
}

// session 返回 url 对应的会话，不存在时创建
func (m *Manager) session(url types.RelayURL) (*Session, error) {
	if url.IsEmpty() {
		return nil, ErrNoRelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := m.sessions[url]; ok {
		return s, nil
	}
	s := newSession(url, m.kp, m.cfg, m.clock, m.dial, sessionHooks{
		deliver:  m.deliver,
		state:    m.onState,
		peerGone: m.onPeerGone,
	})
	if url == m.home {
		s.preferred = true
	}
	m.sessions[url] = s
	s.start()
	return s, nil
}

// lookup 返回已存在的会话
func (m *Manager) lookup(url types.RelayURL) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[url]
}

// Acquire 登记 peer 经由 url 路由，必要时建立会话
func (m *Manager) Acquire(url types.RelayURL, peer types.PeerID) error {
	s, err := m.session(url)
	if err != nil {
		return err
	}
	s.addPeer(peer)
	return nil
}

// Release 注销 peer；会话无依赖方且不是首选中继时关闭
func (m *Manager) Release(url types.RelayURL, peer types.PeerID) {
	s := m.lookup(url)
	if s == nil {
		return
	}
	if s.removePeer(peer) > 0 {
		return
	}
	m.maybeRetire(s)
}

func (m *Manager) maybeRetire(s *Session) {
	m.mu.Lock()
	if m.closed || s.url == m.home || s.peerCount() > 0 || m.sessions[s.url] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.url)
	m.retiring.Add(1)
	m.mu.Unlock()
	log.Debug("关闭空闲中继会话", "relay", s.url)
	go func() {
		defer m.retiring.Done()
		_ = s.Close()
	}()
}

// Send 经由 url 把数据包发给 peer
func (m *Manager) Send(url types.RelayURL, peer types.PeerID, pkt []byte) error {
	s, err := m.session(url)
	if err != nil {
		return err
	}
	return s.Send(peer, pkt)
}

// Ping 测量到中继的往返时延
func (m *Manager) Ping(ctx context.Context, url types.RelayURL) (rtt time.Duration, err error) {
	s, err := m.session(url)
	if err != nil {
		return 0, err
	}
	defer m.maybeRetire(s)
	return s.Ping(ctx)
}

// SetHome 设置首选中继并保持其连接
func (m *Manager) SetHome(url types.RelayURL) error {
	m.mu.Lock()
	prev := m.home
	m.home = url
	old := m.sessions[prev]
	m.mu.Unlock()
	if prev == url {
		if url.IsEmpty() {
			return nil
		}
		_, err := m.session(url)
		return err
	}
	log.Info("切换首选中继", "from", prev, "to", url)
	if old != nil {
		old.NotePreferred(false)
		m.maybeRetire(old)
	}
	if url.IsEmpty() {
		return nil
	}
	s, err := m.session(url)
	if err != nil {
		return err
	}
	s.NotePreferred(true)
	return nil
}

// Home 返回首选中继
func (m *Manager) Home() types.RelayURL {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.home
}

// State 返回中继的会话状态，无会话时为 Idle（已耗尽则为 Failed）
func (m *Manager) State(url types.RelayURL) types.RelayState {
	m.mu.Lock()
	s := m.sessions[url]
	_, ex := m.exhausted[url]
	m.mu.Unlock()
	if s != nil {
		return s.State()
	}
	if ex {
		return types.RelayFailed
	}
	return types.RelayIdle
}

// Exhausted 返回 url 最近一次耗尽的错误
func (m *Manager) Exhausted(url types.RelayURL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted[url]
}

// AllExhausted 判断是否所有配置的中继都已耗尽（未配置中继时为 true）
func (m *Manager) AllExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allExhaustedLocked()
}

func (m *Manager) allExhaustedLocked() bool {
	for _, u := range m.cfg.URLs {
		if _, ok := m.exhausted[types.RelayURL(u)]; !ok {
			return false
		}
	}
	return true
}

// Err 所有配置的中继都耗尽预算时返回 ErrRelayUnavailable，任一中继重新连上后恢复为 nil
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cfg.URLs) == 0 || !m.allExhaustedLocked() {
		return nil
	}
	return fmt.Errorf("%w: all %d relays exhausted their retry budget", types.ErrRelayUnavailable, len(m.cfg.URLs))
}

// Stats 返回各会话统计
func (m *Manager) Stats() []SessionStats {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]SessionStats, 0, len(list))
	for _, s := range list {
		out = append(out, SessionStats{URL: s.url, State: s.State(), Peers: s.peerCount(), Dropped: s.Dropped()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Close 关闭所有会话
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.sessions = make(map[types.RelayURL]*Session)
	m.mu.Unlock()

	var err error
	for _, s := range list {
		err = multierr.Append(err, s.Close())
	}
	m.retiring.Wait()
	close(m.recv)
	err = multierr.Append(err, m.stateEm.Close())
	err = multierr.Append(err, m.unavailEm.Close())
	err = multierr.Append(err, m.allEm.Close())
	return err
}

// ============================================================================
//                              会话回调
// ============================================================================

func (m *Manager) deliver(ctx context.Context, p Packet) {
	select {
	case m.recv <- p:
	case <-ctx.Done():
	}
}

func (m *Manager) onState(s *Session, from, to types.RelayState, err error) {
	m.stateEm.Emit(types.EvtRelayStateChanged{URL: s.url, From: from, To: to, Error: err})

	var peers []types.PeerID
	switch to {
	case types.RelayConnected:
		m.mu.Lock()
		delete(m.exhausted, s.url)
		m.mu.Unlock()
	case types.RelayFailed:
		peers = s.Peers()
		m.mu.Lock()
		m.exhausted[s.url] = err
		if m.sessions[s.url] == s {
			delete(m.sessions, s.url)
		}
		all := len(m.cfg.URLs) > 0 && m.allExhaustedLocked()
		m.mu.Unlock()
		m.unavailEm.Emit(types.EvtRelayUnavailable{URL: s.url, Err: err})
		if all {
			log.Error("所有中继都不可用", "relays", len(m.cfg.URLs))
			m.allEm.Emit(types.EvtRelaysExhausted{Err: m.Err()})
		}
	}

	h := m.getHandler()
	if h == nil {
		return
	}
	h.RelayStateChanged(s.url, to)
	if to == types.RelayFailed {
		h.RelayExhausted(s.url, peers)
	}
}

func (m *Manager) onPeerGone(s *Session, peer types.PeerID, _ PeerGoneReason) {
	if !s.hasPeer(peer) {
		return
	}
	if h := m.getHandler(); h != nil {
		h.RelayPeerGone(s.url, peer)
	}
}
