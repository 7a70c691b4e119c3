// Package quic 在虚拟套接字之上运行 QUIC
//
// quic-go 的 Transport 直接使用 magicsock.Conn 作为 net.PacketConn：
// 拨号目标是对端的逻辑地址，实际路径（中继或直连）由路径管理器决定，
// 路径切换对 QUIC 连接透明。
//
// TLS 证书由节点 Ed25519 私钥自签名，握手后从对端证书公钥得到 PeerID。
//
// # 使用示例
//
//	t, err := quic.New(kp, sock, cfg.QUIC)
//	if err != nil {
//	    return err
//	}
//	ln, err := t.Listen()
//	conn, err := t.Dial(ctx, peer)
//	stream, err := conn.OpenStream(ctx)
package quic
