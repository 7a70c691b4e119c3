package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// DialFunc 建立到中继的字节流，返回的 Reader 可能已缓冲了部分数据
type DialFunc func(ctx context.Context, u types.RelayURL) (io.ReadWriteCloser, *bufio.Reader, error)

// derpPath 中继服务路径
const derpPath = "/derp"

// WebSocketProtocol WebSocket 子协议名
const WebSocketProtocol = "derp"

// Dialer 中继拨号器
//
// http/https 使用 HTTP/1.1 Upgrade: DERP；ws/wss 使用 WebSocket，
// 每条二进制消息承载字节流的一段。
type Dialer struct {
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Dial 实现 DialFunc
func (d *Dialer) Dial(ctx context.Context, ru types.RelayURL) (io.ReadWriteCloser, *bufio.Reader, error) {
	u, err := ru.Parse()
	if err != nil {
		return nil, nil, fmt.Errorf("relay: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return d.dialWebSocket(ctx, u)
	case "http", "https":
		return d.dialUpgrade(ctx, u)
	default:
		return nil, nil, fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}
}

func (d *Dialer) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

func endpointPath(u *url.URL) string {
	if u.Path == "" || u.Path == "/" {
		return derpPath
	}
	return u.Path
}

func (d *Dialer) dialUpgrade(ctx context.Context, u *url.URL) (io.ReadWriteCloser, *bufio.Reader, error) {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, nil, err
	}

	// ctx 取消时关闭连接，中断阻塞中的握手读写
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if u.Scheme == "https" {
		tc := tls.Client(conn, d.tlsConfig(u.Hostname()))
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		conn = tc
	}

	target := *u
	target.Path = endpointPath(u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	req.Header.Set("Upgrade", "DERP")
	req.Header.Set("Connection", "Upgrade")
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrUpgradeFailed, resp.Status)
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	return conn, br, nil
}

func (d *Dialer) dialWebSocket(ctx context.Context, u *url.URL) (io.ReadWriteCloser, *bufio.Reader, error) {
	wd := websocket.Dialer{
		Subprotocols:     []string{WebSocketProtocol},
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  d.tlsConfig(u.Hostname()),
	}
	target := *u
	target.Path = endpointPath(u)
	c, resp, err := wd.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrUpgradeFailed, resp.Status, err)
		}
		return nil, nil, err
	}
	rwc := NewWebSocketConn(c)
	return rwc, bufio.NewReader(rwc), nil
}

// insecureTLSConfig 跳过证书验证（仅用于测试环境）
func insecureTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} //nolint:gosec
}
