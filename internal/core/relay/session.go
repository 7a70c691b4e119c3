package relay

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// errReadTimeout 超过读超时未收到任何帧
var errReadTimeout = errors.New("relay: read timeout")

// Packet 经中继收到的数据包
type Packet struct {
	Relay types.RelayURL
	From  types.PeerID
	Data  []byte
}

type outPacket struct {
	dst  types.PeerID
	data []byte
}

type ctrlFrame struct {
	typ  FrameType
	data [pingDataLen]byte
	flag bool
}

// sessionHooks 会话向管理器回报的事件
type sessionHooks struct {
	deliver  func(ctx context.Context, p Packet)
	state    func(s *Session, from, to types.RelayState, err error)
	peerGone func(s *Session, peer types.PeerID, reason PeerGoneReason)
}

// Session 到单个中继的长连接会话
//
// 会话拥有唯一的读写协程，断线后按带抖动的指数退避重连。
// 首次失败起算宽限期，连续失败次数达到重试预算且宽限期已过时转入 Failed，
// 之后会话不再可用，由管理器按需重建。
type Session struct {
	url   types.RelayURL
	kp    *identity.KeyPair
	cfg   config.RelayConfig
	clock clock.Clock
	dial  DialFunc
	hooks sessionHooks

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sendq chan outPacket
	ctrl  chan ctrlFrame

	dropped atomic.Int64
	sampled *logger.Sampled

	mu        sync.Mutex
	state     types.RelayState
	connected chan struct{}
	everUp    bool
	serverKey types.PeerID
	preferred bool
	peers     map[types.PeerID]struct{}
	pings     map[[pingDataLen]byte]chan struct{}
	lastRecv  time.Time
	downSince time.Time
	attempts  int
	lastErr   error
	restartIn time.Duration
	failure   error
}

func newSession(url types.RelayURL, kp *identity.KeyPair, cfg config.RelayConfig, clk clock.Clock, dial DialFunc, hooks sessionHooks) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		url:       url,
		kp:        kp,
		cfg:       cfg,
		clock:     clk,
		dial:      dial,
		hooks:     hooks,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		sendq:     make(chan outPacket, cfg.SendQueueSize),
		ctrl:      make(chan ctrlFrame, 16),
		sampled:   logger.NewSampled(log, 5*time.Second, 1),
		state:     types.RelayIdle,
		connected: make(chan struct{}),
		peers:     make(map[types.PeerID]struct{}),
		pings:     make(map[[pingDataLen]byte]chan struct{}),
	}
}

// start 启动会话主循环
func (s *Session) start() {
	go s.run()
}

// URL 返回中继地址
func (s *Session) URL() types.RelayURL { return s.url }

// State 返回当前状态
func (s *Session) State() types.RelayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerKey 返回最近一次握手得到的服务器公钥
func (s *Session) ServerKey() types.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverKey
}

// Dropped 返回因发送队列满而丢弃的包数
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// ============================================================================
//                              对端登记
// ============================================================================

func (s *Session) addPeer(peer types.PeerID) {
	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removePeer(peer types.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
	return len(s.peers)
}

func (s *Session) hasPeer(peer types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[peer]
	return ok
}

// Peers 返回经由该中继路由的对端
func (s *Session) Peers() []types.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PeerID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Session) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ============================================================================
//                              发送
// ============================================================================

// Send 把数据包放入发送队列
//
// 断线重连期间数据包在队列中等待；队列满时丢弃并计数，不返回错误。
// 会话关闭或失败后返回 types.ErrRelayUnavailable。
func (s *Session) Send(dst types.PeerID, pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	if err := s.closedErr(); err != nil {
		return err
	}
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case s.sendq <- outPacket{dst: dst, data: buf}:
	default:
		n := s.dropped.Add(1)
		s.sampled.Warn("中继发送队列已满，丢弃数据包", "relay", s.url, "dst", dst.ShortString(), "dropped", n)
	}
	return nil
}

func (s *Session) closedErr() error {
	select {
	case <-s.ctx.Done():
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	return ErrSessionClosed
}

// NotePreferred 设置是否为首选中继，连接建立后自动重发
func (s *Session) NotePreferred(preferred bool) {
	s.mu.Lock()
	changed := s.preferred != preferred
	s.preferred = preferred
	up := s.state == types.RelayConnected
	s.mu.Unlock()
	if changed && up {
		s.queueCtrl(ctrlFrame{typ: FrameNotePreferred, flag: preferred})
	}
}

func (s *Session) queueCtrl(f ctrlFrame) bool {
	select {
	case s.ctrl <- f:
		return true
	default:
		return false
	}
}

// Ping 发送 ping 帧并等待 pong，返回往返时延
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	if err := s.waitConnected(ctx); err != nil {
		return 0, err
	}
	var data [pingDataLen]byte
	if _, err := rand.Read(data[:]); err != nil {
		return 0, err
	}
	ch := make(chan struct{})
	s.mu.Lock()
	s.pings[data] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pings, data)
		s.mu.Unlock()
	}()

	start := s.clock.Now()
	select {
	case s.ctrl <- ctrlFrame{typ: FramePing, data: data}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, s.closedErr()
	}
	select {
	case <-ch:
		return s.clock.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, s.closedErr()
	}
}

// waitConnected 等待会话进入 Connected
func (s *Session) waitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == types.RelayConnected {
			s.mu.Unlock()
			return nil
		}
		ch := s.connected
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.closedErr()
		}
	}
}

// ============================================================================
//                              状态机
// ============================================================================

func (s *Session) setState(to types.RelayState, err error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == types.RelayConnected {
		close(s.connected)
	} else if from == types.RelayConnected {
		s.connected = make(chan struct{})
	}
	s.mu.Unlock()

	log.Debug("中继会话状态变化", "relay", s.url, "from", from, "to", to, "err", err)
	if s.hooks.state != nil {
		s.hooks.state(s, from, to, err)
	}
}

// markDown 记录一次失败；首次失败起算宽限期
func (s *Session) markDown(err error, attempt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downSince.IsZero() {
		s.downSince = s.clock.Now()
	}
	if attempt {
		s.attempts++
	}
	s.lastErr = err
}

func (s *Session) markUp(serverKey types.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverKey = serverKey
	s.downSince = time.Time{}
	s.attempts = 0
	s.lastErr = nil
	s.everUp = true
	s.lastRecv = s.clock.Now()
}

// exhausted 判断重试预算与宽限期是否都已用尽
func (s *Session) exhausted() *ExhaustedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts < s.cfg.RetryBudget {
		return nil
	}
	if s.clock.Since(s.downSince) < s.cfg.GraceWindow.Duration() {
		return nil
	}
	return &ExhaustedError{URL: s.url, Attempts: s.attempts, Last: s.lastErr}
}

func (s *Session) run() {
	defer close(s.done)
	bo := newBackoff(s.cfg.ReconnectBackoffBase.Duration(), s.cfg.MaxReconnectBackoff.Duration(), s.cfg.BackoffJitter)

	for {
		if s.ctx.Err() != nil {
			s.finish(types.RelayClosed, nil)
			return
		}

		s.mu.Lock()
		next := types.RelayConnecting
		if s.everUp {
			next = types.RelayReconnecting
		}
		s.mu.Unlock()
		s.setState(next, nil)

		rc, err := s.connect()
		if err == nil {
			bo.Reset()
			s.markUp(rc.serverKey)
			s.setState(types.RelayConnected, nil)
			log.Info("中继连接已建立", "relay", s.url, "conn", rc.id, "server", rc.serverKey.ShortString())
			err = s.serve(rc)
			if s.ctx.Err() != nil {
				s.finish(types.RelayClosed, nil)
				return
			}
			log.Warn("中继连接断开", "relay", s.url, "conn", rc.id, "err", err)
			s.markDown(err, false)
		} else {
			if s.ctx.Err() != nil {
				s.finish(types.RelayClosed, nil)
				return
			}
			log.Debug("中继连接失败", "relay", s.url, "err", err)
			s.markDown(err, true)
		}

		if ex := s.exhausted(); ex != nil {
			log.Warn("中继重试预算耗尽", "relay", s.url, "attempts", ex.Attempts, "err", ex.Last)
			s.finish(types.RelayFailed, ex)
			return
		}

		wait := bo.Next()
		s.mu.Lock()
		if s.restartIn > 0 {
			wait = s.restartIn
			s.restartIn = 0
		}
		s.mu.Unlock()
		if !s.sleep(wait) {
			s.finish(types.RelayClosed, nil)
			return
		}
	}
}

// finish 进入终止状态并释放待发送数据
func (s *Session) finish(state types.RelayState, err error) {
	s.mu.Lock()
	if err != nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.cancel()
	s.setState(state, err)
	for {
		select {
		case <-s.sendq:
		default:
			return
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Close 关闭会话并等待协程退出
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// ============================================================================
//                              连接与读写
// ============================================================================

type relayConn struct {
	id        uuid.UUID
	rwc       io.ReadWriteCloser
	br        *bufio.Reader
	bw        *bufio.Writer
	serverKey types.PeerID
}

func (s *Session) connect() (*relayConn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout.Duration())
	defer cancel()

	rwc, br, err := s.dial(ctx, s.url)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = rwc.Close() })
	if br == nil {
		br = bufio.NewReader(rwc)
	}
	bw := bufio.NewWriter(rwc)
	serverKey, _, err := clientHandshake(br, bw, s.kp)
	if !stop() {
		return nil, fmt.Errorf("relay handshake: %w", ctx.Err())
	}
	if err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	return &relayConn{id: uuid.New(), rwc: rwc, br: br, bw: bw, serverKey: serverKey}, nil
}

// serve 在一条已建立的连接上运行读写循环，任一方出错即返回
func (s *Session) serve(rc *relayConn) error {
	ctx, cancel := context.WithCancel(s.ctx)
	errc := make(chan error, 2)
	go func() { errc <- s.writeLoop(ctx, rc) }()
	go func() { errc <- s.readLoop(ctx, rc) }()

	err := <-errc
	cancel()
	_ = rc.rwc.Close()
	<-errc
	return err
}

func (s *Session) writeLoop(ctx context.Context, rc *relayConn) error {
	s.mu.Lock()
	preferred := s.preferred
	s.mu.Unlock()
	if preferred {
		if err := WriteNotePreferred(rc.bw, true); err != nil {
			return err
		}
		if err := rc.bw.Flush(); err != nil {
			return err
		}
	}

	tick := s.clock.Ticker(s.cfg.KeepAlive.Duration())
	defer tick.Stop()
	wrote := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f := <-s.ctrl:
			if err := s.writeCtrl(rc.bw, f); err != nil {
				return err
			}
			if err := rc.bw.Flush(); err != nil {
				return err
			}
			wrote = true

		case pkt := <-s.sendq:
			if err := WriteSendPacket(rc.bw, pkt.dst, pkt.data); err != nil {
				return err
			}
			// 合并队列中已有的包后再 flush
			for more := true; more; {
				select {
				case pkt = <-s.sendq:
					if err := WriteSendPacket(rc.bw, pkt.dst, pkt.data); err != nil {
						return err
					}
				default:
					more = false
				}
			}
			if err := rc.bw.Flush(); err != nil {
				return err
			}
			wrote = true

		case <-tick.C:
			s.mu.Lock()
			idle := s.clock.Since(s.lastRecv)
			s.mu.Unlock()
			if idle >= s.cfg.ReadTimeout.Duration() {
				return fmt.Errorf("%w after %s", errReadTimeout, idle)
			}
			if !wrote {
				if err := WriteKeepAlive(rc.bw); err != nil {
					return err
				}
				if err := rc.bw.Flush(); err != nil {
					return err
				}
			}
			wrote = false
		}
	}
}

func (s *Session) writeCtrl(bw *bufio.Writer, f ctrlFrame) error {
	switch f.typ {
	case FramePing:
		return WritePing(bw, f.data)
	case FramePong:
		return WritePong(bw, f.data)
	case FrameNotePreferred:
		return WriteNotePreferred(bw, f.flag)
	default:
		return nil
	}
}

func (s *Session) readLoop(ctx context.Context, rc *relayConn) error {
	buf := make([]byte, MaxPacketSize+keyLen)
	for {
		t, payload, err := readFrame(rc.br, MaxFrameSize, buf)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastRecv = s.clock.Now()
		s.mu.Unlock()

		switch t {
		case FrameRecvPacket:
			from, data, err := ParsePacket(payload)
			if err != nil {
				s.sampled.Debug("忽略格式错误的中继数据包", "relay", s.url, "err", err)
				continue
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			if s.hooks.deliver != nil {
				s.hooks.deliver(ctx, Packet{Relay: s.url, From: from, Data: cp})
			}

		case FrameKeepAlive:

		case FramePing:
			if len(payload) < pingDataLen {
				continue
			}
			f := ctrlFrame{typ: FramePong}
			copy(f.data[:], payload)
			if !s.queueCtrl(f) {
				s.sampled.Debug("控制队列已满，丢弃 pong", "relay", s.url)
			}

		case FramePong:
			if len(payload) < pingDataLen {
				continue
			}
			var data [pingDataLen]byte
			copy(data[:], payload)
			s.mu.Lock()
			if ch, ok := s.pings[data]; ok {
				delete(s.pings, data)
				close(ch)
			}
			s.mu.Unlock()

		case FramePeerGone:
			peer, reason, err := ParsePeerGone(payload)
			if err != nil {
				continue
			}
			log.Debug("对端离开中继", "relay", s.url, "peer", peer.ShortString(), "reason", reason)
			if s.hooks.peerGone != nil {
				s.hooks.peerGone(s, peer, reason)
			}

		case FramePeerPresent:

		case FrameHealth:
			if len(payload) > 0 {
				log.Warn("中继报告健康问题", "relay", s.url, "problem", string(payload))
			}

		case FrameRestarting:
			in, _, err := ParseRestarting(payload)
			if err == nil {
				d := time.Duration(in) * time.Millisecond
				s.mu.Lock()
				s.restartIn = d
				s.mu.Unlock()
				log.Info("中继即将重启", "relay", s.url, "reconnectIn", d)
			}

		default:
			// 未知帧直接跳过，保持前向兼容
		}
	}
}
