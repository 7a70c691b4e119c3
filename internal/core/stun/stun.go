// Package stun 封装 STUN Binding 请求/响应编解码
//
// 探测包经虚拟套接字的主 UDP 端口（以及若干额外端口）发出，
// 响应由接收循环通过 Is 识别后交给网络探测模块按事务 ID 匹配。
package stun

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/stun"
)

// TxID STUN 事务 ID
type TxID = [stun.TransactionIDSize]byte

var (
	// ErrNotBindingResponse 不是 Binding 成功响应
	ErrNotBindingResponse = errors.New("stun: not a binding success response")
	// ErrNoMappedAddress 响应中没有映射地址
	ErrNoMappedAddress = errors.New("stun: no mapped address in response")
)

// STUNError STUN 处理错误
type STUNError struct {
	Message string
	Cause   error
}

func (e *STUNError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stun: %s: %v", e.Message, e.Cause)
	}
	return "stun: " + e.Message
}

func (e *STUNError) Unwrap() error {
	return e.Cause
}

// NewTxID 生成随机事务 ID
func NewTxID() TxID {
	return stun.NewTransactionID()
}

// Request 构造 Binding 请求
func Request(txid TxID) ([]byte, error) {
	m, err := stun.Build(
		stun.NewTransactionIDSetter(txid),
		stun.BindingRequest,
		stun.NewSoftware("magicnet"),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, &STUNError{Message: "build request", Cause: err}
	}
	return m.Raw, nil
}

// Is 快速判断数据包是否为 STUN 消息
func Is(b []byte) bool {
	return stun.IsMessage(b)
}

// ParseRequest 解析 Binding 请求，返回事务 ID
func ParseRequest(b []byte) (TxID, error) {
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		return TxID{}, &STUNError{Message: "decode request", Cause: err}
	}
	if m.Type != stun.BindingRequest {
		return TxID{}, &STUNError{Message: "unexpected type " + m.Type.String()}
	}
	return m.TransactionID, nil
}

// ParseResponse 解析 Binding 成功响应
//
// 优先取 XOR-MAPPED-ADDRESS，其次 MAPPED-ADDRESS（旧版服务器）。
func ParseResponse(b []byte) (TxID, netip.AddrPort, error) {
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		return TxID{}, netip.AddrPort{}, &STUNError{Message: "decode response", Cause: err}
	}
	if m.Type != stun.BindingSuccess {
		return m.TransactionID, netip.AddrPort{}, ErrNotBindingResponse
	}

	var ip net.IP
	var port int
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		ip, port = xor.IP, xor.Port
	} else {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(m); err != nil {
			return m.TransactionID, netip.AddrPort{}, ErrNoMappedAddress
		}
		ip, port = mapped.IP, mapped.Port
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return m.TransactionID, netip.AddrPort{}, ErrNoMappedAddress
	}
	return m.TransactionID, netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// Response 构造 Binding 成功响应，observed 为看到的请求源地址
func Response(txid TxID, observed netip.AddrPort) ([]byte, error) {
	ip := observed.Addr()
	m, err := stun.Build(
		stun.NewTransactionIDSetter(txid),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip.AsSlice(), Port: int(observed.Port())},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, &STUNError{Message: "build response", Cause: err}
	}
	return m.Raw, nil
}
