package types

import (
	"crypto/ed25519"
	"errors"
	"net/netip"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符，即节点的 Ed25519 公钥（32 字节）
//
// 外部表示格式：
//   - String(): Base58 编码（用户可读、可分享）
//   - ShortString(): Base58 前缀（日志简短标识）
type PeerID [32]byte

// EmptyPeerID 空节点ID
var EmptyPeerID PeerID

// ErrInvalidPeerID 无效的节点ID错误
var ErrInvalidPeerID = errors.New("invalid peer ID: must be 32-byte base58")

// String 返回 PeerID 的 Base58 字符串表示
func (id PeerID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 PeerID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 PeerID 的字节切片
func (id PeerID) Bytes() []byte {
	return id[:]
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// PublicKey 返回对应的 Ed25519 公钥
func (id PeerID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// Less 字典序比较，用于需要确定性排序的场景
func (id PeerID) Less(other PeerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// MarshalText 实现 encoding.TextMarshaler
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (id *PeerID) UnmarshalText(b []byte) error {
	p, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = p
	return nil
}

// PeerIDFromBytes 从字节切片创建 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != 32 {
		return EmptyPeerID, ErrInvalidPeerID
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// ParsePeerID 从 Base58 字符串解析 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrInvalidPeerID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyPeerID, ErrInvalidPeerID
	}
	return PeerIDFromBytes(b)
}

// ============================================================================
//                              逻辑地址
// ============================================================================

// LogicalPrefix 逻辑地址所在的 ULA 前缀
//
// 逻辑地址只在本进程内有意义，QUIC 层用它作为对端地址，
// 无论底层走直连还是中继都保持不变。
var LogicalPrefix = netip.MustParsePrefix("fd6d:6167:6963::/48")

// LogicalPort 逻辑地址使用的固定端口
const LogicalPort = 1

// LogicalAddr 返回 PeerID 对应的稳定逻辑地址
//
// 地址 = LogicalPrefix + blake3(PeerID) 前 10 字节，端口固定为 LogicalPort。
func (id PeerID) LogicalAddr() netip.AddrPort {
	sum := blake3.Sum256(id[:])
	var a [16]byte
	p := LogicalPrefix.Addr().As16()
	copy(a[:6], p[:6])
	copy(a[6:], sum[:10])
	return netip.AddrPortFrom(netip.AddrFrom16(a), LogicalPort)
}

// IsLogicalAddr 判断地址是否位于逻辑地址段（派生冲突时端口会顺延，不校验端口）
func IsLogicalAddr(ap netip.AddrPort) bool {
	return LogicalPrefix.Contains(ap.Addr())
}
