// Package disco 实现点对点发现消息
//
// 发现消息用于直连探测与打洞协调，既可以直接走 UDP，也可以经中继转发：
//
//	magic "TS💬"(6) | 发送方 PeerID(32) | nonce(24) | box(type(1) | version(1) | body)
//
// 消息体：
//   - Ping:        TxID(12) | NodeKey(32)
//   - Pong:        TxID(12) | Src IP(16) | Src Port(2, BE)
//   - CallMeMaybe: N × (IP(16) | Port(2, BE))
package disco

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// Magic 发现消息前缀
const Magic = "TS💬"

const (
	magicLen   = len(Magic)
	keyLen     = 32
	headerLen  = magicLen + keyLen
	txIDLen    = 12
	epLen      = 16 + 2
	msgHdrLen  = 2
	v0         = 0
	maxCMMAddr = 64
)

// MessageType 消息类型
type MessageType byte

const (
	// TypePing 探测请求
	TypePing MessageType = 0x01
	// TypePong 探测响应
	TypePong MessageType = 0x02
	// TypeCallMeMaybe 请求对端向我们的端点打洞
	TypeCallMeMaybe MessageType = 0x03
)

var (
	// ErrNotDisco 不是发现消息
	ErrNotDisco = errors.New("disco: not a disco packet")
	// ErrMalformed 消息格式错误
	ErrMalformed = errors.New("disco: malformed message")
	// ErrUnknownType 未知消息类型
	ErrUnknownType = errors.New("disco: unknown message type")
)

// TxID 探测事务 ID，即探测 nonce
type TxID [txIDLen]byte

// NewTxID 生成随机事务 ID
func NewTxID() TxID {
	var t TxID
	_, _ = rand.Read(t[:])
	return t
}

// Message 发现消息
type Message interface {
	Type() MessageType
	appendBody(b []byte) []byte
}

// Ping 探测请求
type Ping struct {
	TxID TxID
	// NodeKey 发送方身份，打开信封后必须与信封中的发送方一致
	NodeKey types.PeerID
}

// Type 实现 Message
func (*Ping) Type() MessageType { return TypePing }

func (m *Ping) appendBody(b []byte) []byte {
	b = append(b, m.TxID[:]...)
	return append(b, m.NodeKey[:]...)
}

// Pong 探测响应
type Pong struct {
	TxID TxID
	// Src 响应方看到的 ping 源地址
	Src netip.AddrPort
}

// Type 实现 Message
func (*Pong) Type() MessageType { return TypePong }

func (m *Pong) appendBody(b []byte) []byte {
	b = append(b, m.TxID[:]...)
	return appendEndpoint(b, m.Src)
}

// CallMeMaybe 打洞协调：告知对端我们的端点，请其向这些端点发 ping
type CallMeMaybe struct {
	MyNumber []netip.AddrPort
}

// Type 实现 Message
func (*CallMeMaybe) Type() MessageType { return TypeCallMeMaybe }

func (m *CallMeMaybe) appendBody(b []byte) []byte {
	for _, ep := range m.MyNumber {
		b = appendEndpoint(b, ep)
	}
	return b
}

func appendEndpoint(b []byte, ep netip.AddrPort) []byte {
	a := ep.Addr().As16()
	b = append(b, a[:]...)
	return binary.BigEndian.AppendUint16(b, ep.Port())
}

func parseEndpoint(b []byte) netip.AddrPort {
	var a [16]byte
	copy(a[:], b[:16])
	return netip.AddrPortFrom(netip.AddrFrom16(a).Unmap(), binary.BigEndian.Uint16(b[16:18]))
}

// Marshal 编码消息明文（type | version | body）
func Marshal(m Message) []byte {
	b := make([]byte, 0, 64)
	b = append(b, byte(m.Type()), v0)
	return m.appendBody(b)
}

// Parse 解码消息明文
func Parse(b []byte) (Message, error) {
	if len(b) < msgHdrLen {
		return nil, ErrMalformed
	}
	t, body := MessageType(b[0]), b[msgHdrLen:]
	switch t {
	case TypePing:
		if len(body) < txIDLen+keyLen {
			return nil, fmt.Errorf("%w: short ping", ErrMalformed)
		}
		m := new(Ping)
		copy(m.TxID[:], body)
		copy(m.NodeKey[:], body[txIDLen:])
		return m, nil
	case TypePong:
		if len(body) < txIDLen+epLen {
			return nil, fmt.Errorf("%w: short pong", ErrMalformed)
		}
		m := new(Pong)
		copy(m.TxID[:], body)
		m.Src = parseEndpoint(body[txIDLen:])
		return m, nil
	case TypeCallMeMaybe:
		if len(body)%epLen != 0 {
			return nil, fmt.Errorf("%w: call-me-maybe length %d", ErrMalformed, len(body))
		}
		n := len(body) / epLen
		if n > maxCMMAddr {
			n = maxCMMAddr
		}
		m := &CallMeMaybe{MyNumber: make([]netip.AddrPort, 0, n)}
		for i := 0; i < n; i++ {
			m.MyNumber = append(m.MyNumber, parseEndpoint(body[i*epLen:]))
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
}

// Looks 快速判断数据包是否像发现消息（只检查前缀与长度）
func Looks(pkt []byte) bool {
	return len(pkt) >= headerLen+identity.Overhead && string(pkt[:magicLen]) == Magic
}

// Sender 返回信封中的发送方（未验证）
func Sender(pkt []byte) (types.PeerID, bool) {
	if !Looks(pkt) {
		return types.EmptyPeerID, false
	}
	var id types.PeerID
	copy(id[:], pkt[magicLen:headerLen])
	return id, true
}

// Seal 封装消息发给 to
func Seal(kp *identity.KeyPair, to types.PeerID, m Message) ([]byte, error) {
	sealed, err := kp.Seal(to, Marshal(m))
	if err != nil {
		return nil, err
	}
	self := kp.PeerID()
	pkt := make([]byte, 0, headerLen+len(sealed))
	pkt = append(pkt, Magic...)
	pkt = append(pkt, self[:]...)
	return append(pkt, sealed...), nil
}

// Open 打开发现消息，返回经认证的发送方与消息
//
// 认证失败返回 types.ErrAuthenticationFailure。
func Open(kp *identity.KeyPair, pkt []byte) (types.PeerID, Message, error) {
	from, ok := Sender(pkt)
	if !ok {
		return types.EmptyPeerID, nil, ErrNotDisco
	}
	plain, err := kp.Open(from, pkt[headerLen:])
	if err != nil {
		return from, nil, err
	}
	m, err := Parse(plain)
	if err != nil {
		return from, nil, err
	}
	if p, ok := m.(*Ping); ok && p.NodeKey != from {
		return from, nil, fmt.Errorf("%w: ping node key mismatch", types.ErrAuthenticationFailure)
	}
	return from, m, nil
}
