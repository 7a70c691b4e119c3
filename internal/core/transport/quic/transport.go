package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Transport 虚拟套接字上的 QUIC 传输
//
// 监听与拨号共享同一个 quic.Transport，也就共享同一个虚拟套接字。
type Transport struct {
	mu sync.Mutex

	self      types.PeerID
	sock      *magicsock.Conn
	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config

	tr       *quic.Transport
	listener *Listener
	conns    map[*Conn]struct{}
	closed   bool
}

// New 创建 QUIC 传输
func New(kp *identity.KeyPair, sock *magicsock.Conn, cfg config.QUICConfig) (*Transport, error) {
	serverTLS, clientTLS, err := NewTLSConfig(kp, cfg.ALPN)
	if err != nil {
		return nil, err
	}
	return &Transport{
		self:      kp.PeerID(),
		sock:      sock,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		config: &quic.Config{
			HandshakeIdleTimeout: cfg.HandshakeTimeout.Duration(),
			MaxIdleTimeout:       cfg.MaxIdleTimeout.Duration(),
			KeepAlivePeriod:      cfg.KeepAlivePeriod.Duration(),
			// 路径可能在中继与直连之间切换，固定使用保守的包大小
			DisablePathMTUDiscovery: true,
			MaxIncomingStreams:      1024,
			MaxIncomingUniStreams:   1024,
			EnableDatagrams:         true,
		},
		tr:    &quic.Transport{Conn: sock},
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Dial 与对端建立 QUIC 连接
//
// 目标地址是对端的逻辑地址；握手中校验对端证书公钥与 peer 一致。
func (t *Transport) Dial(ctx context.Context, peer types.PeerID) (*Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	if peer == t.self {
		return nil, magicsock.ErrSelf
	}
	qc, err := t.tr.Dial(ctx, t.sock.UDPAddr(peer), clientConfigFor(t.clientTLS, peer), t.config)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", peer.ShortString(), err)
	}
	c, err := t.wrap(qc, true)
	if err != nil {
		return nil, err
	}
	log.Debug("QUIC 连接已建立", "peer", peer.ShortString(), "dir", "outbound")
	return c, nil
}

// Listen 开始接受入站连接
func (t *Transport) Listen() (*Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.listener != nil {
		return nil, ErrAlreadyListening
	}
	ql, err := t.tr.Listen(t.serverTLS, t.config)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	t.listener = &Listener{ql: ql, transport: t}
	log.Info("QUIC 开始监听", "addr", t.sock.LocalAddr())
	return t.listener, nil
}

func (t *Transport) wrap(qc quic.Connection, outbound bool) (*Conn, error) {
	remote, err := ExtractPeerID(qc.ConnectionState().TLS)
	if err != nil {
		_ = qc.CloseWithError(errCodeIdentity, "identity")
		return nil, err
	}
	c := &Conn{qc: qc, local: t.self, remote: remote, outbound: outbound, opened: time.Now(), transport: t}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = qc.CloseWithError(0, "closing")
		return nil, ErrTransportClosed
	}
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) forget(c *Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Conns 返回当前连接数
func (t *Transport) Conns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close 关闭监听器与全部连接；虚拟套接字由其所有者关闭
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[*Conn]struct{})
	ln := t.listener
	t.mu.Unlock()

	for c := range conns {
		_ = c.qc.CloseWithError(0, "transport closed")
	}
	if ln != nil {
		_ = ln.Close()
	}
	return t.tr.Close()
}
