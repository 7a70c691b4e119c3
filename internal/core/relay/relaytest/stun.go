package relaytest

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dep2p/go-magicnet/internal/core/stun"
)

// Mapper 模拟 NAT：把请求源地址映射为应答中的外部地址
type Mapper func(src netip.AddrPort) netip.AddrPort

// Identity 不做转换（无 NAT）
func Identity(src netip.AddrPort) netip.AddrPort { return src }

// EasyNAT 端点无关映射：固定外部 IP，保留端口
func EasyNAT(public netip.Addr) Mapper {
	return func(src netip.AddrPort) netip.AddrPort {
		return netip.AddrPortFrom(public, src.Port())
	}
}

// SymmetricNAT 端点相关映射：每个应答器给出不同的外部端口
func SymmetricNAT(public netip.Addr, offset uint16) Mapper {
	return func(src netip.AddrPort) netip.AddrPort {
		return netip.AddrPortFrom(public, src.Port()+offset)
	}
}

// STUNServer UDP STUN 应答器
type STUNServer struct {
	pc *net.UDPConn

	mu     sync.Mutex
	mapper Mapper
	drop   bool

	requests atomic.Int64
	done     chan struct{}
}

// NewSTUNServer 在回环地址上启动 STUN 应答器
func NewSTUNServer(t testing.TB) *STUNServer {
	t.Helper()
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen stun: %v", err)
	}
	s := &STUNServer{pc: pc, mapper: Identity, done: make(chan struct{})}
	go s.loop()
	t.Cleanup(s.Close)
	return s
}

// Addr 返回监听地址
func (s *STUNServer) Addr() netip.AddrPort {
	return s.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// SetMapper 设置 NAT 映射
func (s *STUNServer) SetMapper(m Mapper) {
	s.mu.Lock()
	s.mapper = m
	s.mu.Unlock()
}

// SetDrop 设置是否丢弃所有请求（模拟 UDP 被阻断）
func (s *STUNServer) SetDrop(drop bool) {
	s.mu.Lock()
	s.drop = drop
	s.mu.Unlock()
}

// Requests 返回收到的请求数
func (s *STUNServer) Requests() int64 { return s.requests.Load() }

// Close 关闭应答器
func (s *STUNServer) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	_ = s.pc.Close()
	<-s.done
}

func (s *STUNServer) loop() {
	defer close(s.done)
	buf := make([]byte, 1500)
	for {
		n, src, err := s.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		txid, err := stun.ParseRequest(buf[:n])
		if err != nil {
			continue
		}
		s.requests.Add(1)
		s.mu.Lock()
		mapper, drop := s.mapper, s.drop
		s.mu.Unlock()
		if drop {
			continue
		}
		resp, err := stun.Response(txid, mapper(netip.AddrPortFrom(src.Addr().Unmap(), src.Port())))
		if err != nil {
			continue
		}
		_, _ = s.pc.WriteToUDPAddrPort(resp, src)
	}
}
