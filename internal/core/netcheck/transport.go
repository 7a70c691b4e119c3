package netcheck

import (
	"net"
	"net/netip"
)

// PacketSender 在共享的数据套接字上发送 STUN 请求
//
// 响应由套接字的接收循环通过 Client.HandleSTUN 交回。
type PacketSender interface {
	LocalPort() uint16
	SendSTUN(pkt []byte, dst netip.AddrPort) error
}

// probeTransport 探测使用的一个本地端口
type probeTransport interface {
	localPort() uint16
	send(pkt []byte, dst netip.AddrPort) error
}

type sharedTransport struct {
	s PacketSender
}

func (t sharedTransport) localPort() uint16 { return t.s.LocalPort() }

func (t sharedTransport) send(pkt []byte, dst netip.AddrPort) error {
	return t.s.SendSTUN(pkt, dst)
}

// socketTransport 仅用于探测的临时套接字
type socketTransport struct {
	pc   *net.UDPConn
	done chan struct{}
}

func listenProbeSocket(handle func(pkt []byte, src netip.AddrPort) bool) (*socketTransport, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	t := &socketTransport{pc: pc, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		buf := make([]byte, 1500)
		for {
			n, src, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			handle(buf[:n], netip.AddrPortFrom(src.Addr().Unmap(), src.Port()))
		}
	}()
	return t, nil
}

func (t *socketTransport) localPort() uint16 {
	return uint16(t.pc.LocalAddr().(*net.UDPAddr).Port)
}

func (t *socketTransport) send(pkt []byte, dst netip.AddrPort) error {
	_, err := t.pc.WriteToUDPAddrPort(pkt, dst)
	return err
}

func (t *socketTransport) close() {
	_ = t.pc.Close()
	<-t.done
}
