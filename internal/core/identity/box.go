package identity

import (
	"crypto/rand"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/nacl/box"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// NonceSize nacl/box nonce 长度
const NonceSize = 24

// Overhead 封装后相对明文增加的字节数（nonce + 认证标签）
const Overhead = NonceSize + box.Overhead

// sharedKeyCacheSize 预计算共享密钥缓存上限
const sharedKeyCacheSize = 1024

// sharedKeyCache 按对端缓存 box.Precompute 结果
type sharedKeyCache struct {
	cache *lru.Cache[types.PeerID, *[32]byte]
}

func newSharedKeyCache() *sharedKeyCache {
	c, _ := lru.New[types.PeerID, *[32]byte](sharedKeyCacheSize)
	return &sharedKeyCache{cache: c}
}

// sharedKey 返回与 peer 之间的共享密钥
func (k *KeyPair) sharedKey(peer types.PeerID) (*[32]byte, error) {
	if key, ok := k.shared.cache.Get(peer); ok {
		return key, nil
	}
	pub, err := X25519Public(peer)
	if err != nil {
		return nil, err
	}
	key := new([32]byte)
	box.Precompute(key, &pub, &k.boxPriv)
	k.shared.cache.Add(peer, key)
	return key, nil
}

// Seal 用与 to 的共享密钥封装 msg，输出为 nonce(24) || box
func (k *KeyPair) Seal(to types.PeerID, msg []byte) ([]byte, error) {
	key, err := k.sharedKey(to)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	return box.SealAfterPrecomputation(nonce[:], msg, &nonce, key), nil
}

// Open 打开 from 发来的封装消息
//
// 任何失败（长度不足、公钥非法、认证失败）都返回 types.ErrAuthenticationFailure。
func (k *KeyPair) Open(from types.PeerID, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: sealed message too short", types.ErrAuthenticationFailure)
	}
	key, err := k.sharedKey(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAuthenticationFailure, err)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	out, ok := box.OpenAfterPrecomputation(nil, sealed[NonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: box open failed", types.ErrAuthenticationFailure)
	}
	return out, nil
}
