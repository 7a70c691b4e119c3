package quic

import (
	"context"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// errCodeIdentity 对端身份无法确认时的关闭码
const errCodeIdentity quic.ApplicationErrorCode = 0x100

// Conn 已认证的 QUIC 连接
type Conn struct {
	qc        quic.Connection
	local     types.PeerID
	remote    types.PeerID
	outbound  bool
	opened    time.Time
	transport *Transport
}

// LocalPeer 返回本节点 PeerID
func (c *Conn) LocalPeer() types.PeerID { return c.local }

// RemotePeer 返回对端 PeerID（来自对端证书公钥）
func (c *Conn) RemotePeer() types.PeerID { return c.remote }

// Outbound 是否为本端发起的连接
func (c *Conn) Outbound() bool { return c.outbound }

// Opened 返回建立时间
func (c *Conn) Opened() time.Time { return c.opened }

// RemoteAddr 返回对端逻辑地址
func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

// OpenStream 打开双向流
func (c *Conn) OpenStream(ctx context.Context) (quic.Stream, error) {
	return c.qc.OpenStreamSync(ctx)
}

// AcceptStream 等待对端打开的双向流
func (c *Conn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	return c.qc.AcceptStream(ctx)
}

// SendDatagram 发送不可靠数据报
func (c *Conn) SendDatagram(b []byte) error {
	return c.qc.SendDatagram(b)
}

// ReceiveDatagram 接收不可靠数据报
func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.qc.ReceiveDatagram(ctx)
}

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} {
	return c.qc.Context().Done()
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.transport.forget(c)
	return c.qc.CloseWithError(0, "")
}
