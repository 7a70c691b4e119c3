// Package relaytest 提供进程内的中继服务器与 STUN 应答器，用于测试
package relaytest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ErrUnavailable 服务器被设置为不可用
var ErrUnavailable = errors.New("relaytest: server unavailable")

// Server 进程内中继服务器
type Server struct {
	kp   *identity.KeyPair
	http *httptest.Server
	stun *STUNServer

	keepAlive time.Duration

	mu        sync.Mutex
	clients   map[types.PeerID]*client
	available bool

	dials     atomic.Int64
	forwarded atomic.Int64
}

type client struct {
	peer types.PeerID
	rwc  io.ReadWriteCloser

	mu sync.Mutex
	bw *bufio.Writer
}

func (c *client) write(fn func(bw *bufio.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(c.bw); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Option 服务器选项
type Option func(*Server)

// WithKeepAlive 服务器按间隔向客户端发送保活帧
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// WithoutSTUN 不启动 STUN 应答器
func WithoutSTUN() Option {
	return func(s *Server) { s.stun = nil }
}

// NewServer 启动中继服务器（HTTP + 可选 STUN），测试结束时自动关闭
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate relay key: %v", err)
	}
	s := &Server{
		kp:        kp,
		clients:   make(map[types.PeerID]*client),
		available: true,
		stun:      &STUNServer{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.stun != nil {
		s.stun = NewSTUNServer(t)
	}
	s.http = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

// ServerKey 返回服务器公钥
func (s *Server) ServerKey() types.PeerID { return s.kp.PeerID() }

// STUN 返回 STUN 应答器，未启用时为 nil
func (s *Server) STUN() *STUNServer { return s.stun }

// URL 返回 HTTP Upgrade 方式的中继地址（附带 STUN 端口）
func (s *Server) URL() types.RelayURL {
	return types.RelayURL(s.http.URL + "/derp" + s.stunQuery())
}

// WebSocketURL 返回 WebSocket 方式的中继地址
func (s *Server) WebSocketURL() types.RelayURL {
	return types.RelayURL("ws" + strings.TrimPrefix(s.http.URL, "http") + "/derp" + s.stunQuery())
}

func (s *Server) stunQuery() string {
	if s.stun == nil {
		return "?stun_port=0"
	}
	return fmt.Sprintf("?stun_port=%d", s.stun.Addr().Port())
}

// DialFunc 返回进程内拨号函数（net.Pipe），跳过 HTTP 层
func (s *Server) DialFunc() relay.DialFunc {
	return func(ctx context.Context, _ types.RelayURL) (io.ReadWriteCloser, *bufio.Reader, error) {
		s.dials.Add(1)
		if !s.Available() {
			return nil, nil, ErrUnavailable
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		a, b := net.Pipe()
		go s.serve(b, bufio.NewReader(b))
		return a, bufio.NewReader(a), nil
	}
}

// Dials 返回拨号次数（含失败）
func (s *Server) Dials() int64 { return s.dials.Load() }

// Forwarded 返回已转发的数据包数
func (s *Server) Forwarded() int64 { return s.forwarded.Load() }

// Available 返回服务器是否接受连接
func (s *Server) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SetAvailable 设置是否接受连接；设为不可用时断开所有客户端
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	s.available = ok
	s.mu.Unlock()
	if !ok {
		s.DropAll()
	}
}

// Connected 判断 peer 当前是否连接在本服务器上
func (s *Server) Connected(peer types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[peer]
	return ok
}

// DropClient 断开指定客户端
func (s *Server) DropClient(peer types.PeerID) {
	s.mu.Lock()
	c := s.clients[peer]
	s.mu.Unlock()
	if c != nil {
		_ = c.rwc.Close()
	}
}

// DropAll 断开所有客户端
func (s *Server) DropAll() {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		_ = c.rwc.Close()
	}
}

// SendRestarting 通知所有客户端服务器即将重启
func (s *Server) SendRestarting(reconnectIn, tryFor time.Duration) {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		_ = c.write(func(bw *bufio.Writer) error {
			return relay.WriteRestarting(bw, uint32(reconnectIn.Milliseconds()), uint32(tryFor.Milliseconds()))
		})
	}
}

// Close 关闭服务器
func (s *Server) Close() {
	s.SetAvailable(false)
	s.http.CloseClientConnections()
	s.http.Close()
	if s.stun != nil {
		s.stun.Close()
	}
}

// ServeHTTP 处理 /derp 上的 Upgrade 与 WebSocket 请求
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if !s.Available() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		up := websocket.Upgrader{Subprotocols: []string{relay.WebSocketProtocol}}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rwc := relay.NewWebSocketConn(c)
		s.serve(rwc, bufio.NewReader(rwc))
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "DERP") {
		http.Error(w, "derp upgrade required", http.StatusUpgradeRequired)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return
	}
	fmt.Fprintf(brw, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: DERP\r\nConnection: Upgrade\r\n\r\n")
	if err := brw.Flush(); err != nil {
		_ = conn.Close()
		return
	}
	s.serve(conn, brw.Reader)
}

// serve 在一条已升级的连接上运行服务器侧协议
func (s *Server) serve(rwc io.ReadWriteCloser, br *bufio.Reader) {
	defer rwc.Close()
	bw := bufio.NewWriter(rwc)
	if err := relay.WriteServerKey(bw, s.kp.PeerID()); err != nil {
		return
	}
	peer, _, err := relay.ReadClientInfo(br, s.kp)
	if err != nil {
		return
	}
	if err := relay.WriteServerInfo(bw, s.kp, peer, relay.ServerInfo{Version: relay.ProtocolVersion}); err != nil {
		return
	}

	c := &client{peer: peer, rwc: rwc, bw: bw}
	s.mu.Lock()
	if !s.available {
		s.mu.Unlock()
		return
	}
	if old := s.clients[peer]; old != nil {
		_ = old.rwc.Close()
	}
	s.clients[peer] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.clients[peer] == c {
			delete(s.clients, peer)
		}
		s.mu.Unlock()
	}()

	if s.keepAlive > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			t := time.NewTicker(s.keepAlive)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					if c.write(relay.WriteKeepAlive) != nil {
						return
					}
				}
			}
		}()
	}

	buf := make([]byte, relay.MaxPacketSize+64)
	for {
		t, payload, err := relay.ReadFrame(br, buf)
		if err != nil {
			return
		}
		switch t {
		case relay.FrameSendPacket:
			dst, data, err := relay.ParsePacket(payload)
			if err != nil {
				return
			}
			s.forward(c, dst, data)
		case relay.FramePing:
			if len(payload) < 8 {
				continue
			}
			var data [8]byte
			copy(data[:], payload)
			_ = c.write(func(bw *bufio.Writer) error { return relay.WritePong(bw, data) })
		}
	}
}

func (s *Server) forward(src *client, dst types.PeerID, data []byte) {
	s.mu.Lock()
	c := s.clients[dst]
	s.mu.Unlock()
	if c == nil {
		_ = src.write(func(bw *bufio.Writer) error {
			return relay.WritePeerGone(bw, dst, relay.PeerGoneNotHere)
		})
		return
	}
	if c.write(func(bw *bufio.Writer) error { return relay.WriteRecvPacket(bw, src.peer, data) }) == nil {
		s.forwarded.Add(1)
	}
}
