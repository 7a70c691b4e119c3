package quic

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// Listener 入站连接监听器
type Listener struct {
	ql        *quic.Listener
	transport *Transport
	closed    atomic.Bool
}

// Accept 等待下一个入站连接
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		if l.closed.Load() {
			return nil, ErrListenerClosed
		}
		qc, err := l.ql.Accept(ctx)
		if err != nil {
			if l.closed.Load() {
				return nil, ErrListenerClosed
			}
			return nil, fmt.Errorf("接受连接失败: %w", err)
		}
		c, err := l.transport.wrap(qc, false)
		if err != nil {
			log.Warn("拒绝入站连接", "remote", qc.RemoteAddr(), "err", err)
			continue
		}
		log.Debug("QUIC 连接已建立", "peer", c.remote.ShortString(), "dir", "inbound")
		return c, nil
	}
}

// Addr 返回本节点逻辑地址
func (l *Listener) Addr() net.Addr {
	return l.transport.sock.LocalAddr()
}

// Close 关闭监听器
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ql.Close()
}
