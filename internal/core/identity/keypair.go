package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/dep2p/go-magicnet/pkg/types"
)

var (
	// ErrInvalidSeed 种子长度错误
	ErrInvalidSeed = errors.New("identity: seed must be 32 bytes")
	// ErrInvalidPublicKey 公钥不是合法的 Ed25519 点
	ErrInvalidPublicKey = errors.New("identity: invalid ed25519 public key")
)

// KeyPair 节点密钥对
type KeyPair struct {
	priv ed25519.PrivateKey
	id   types.PeerID

	// X25519 私钥（由 Ed25519 种子派生）
	boxPriv [32]byte

	shared *sharedKeyCache
}

// Generate 生成新的密钥对
func Generate() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromSeed 从 32 字节种子恢复密钥对
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}

// FromPrivateKey 从 Ed25519 私钥构造密钥对
func FromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSeed
	}
	kp := &KeyPair{
		priv:   priv,
		shared: newSharedKeyCache(),
	}
	copy(kp.id[:], priv.Public().(ed25519.PublicKey))
	kp.boxPriv = x25519Private(priv.Seed())
	return kp, nil
}

// PeerID 返回节点标识
func (k *KeyPair) PeerID() types.PeerID {
	return k.id
}

// PrivateKey 返回 Ed25519 私钥
func (k *KeyPair) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

// Seed 返回 32 字节种子
func (k *KeyPair) Seed() []byte {
	return k.priv.Seed()
}

// Sign 对数据签名
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify 使用 peer 的公钥验证签名
func Verify(peer types.PeerID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(peer.PublicKey(), msg, sig)
}

// ============================================================================
//                              Ed25519 → X25519
// ============================================================================

// x25519Private 对种子做 SHA-512 并 clamp，得到 X25519 私钥
func x25519Private(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var out [32]byte
	copy(out[:], h[:32])
	return out
}

// X25519Public 将 PeerID（Ed25519 公钥）转换为 X25519 公钥
//
// Montgomery u = (1 + y) / (1 - y)。
func X25519Public(peer types.PeerID) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(peer[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}
