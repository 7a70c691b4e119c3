package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              签名记录
// ============================================================================
//
// 编码（protobuf wire 格式）：
//
//	1: peer    bytes(32)
//	2: relay   string
//	3: addrs   repeated string
//	4: seq     varint
//	5: created fixed64（Unix 纳秒）
//	15: sig    bytes，对 recordDomain || 字段 1-5 的 Ed25519 签名

// recordDomain 签名域分隔前缀
const recordDomain = "magicnet-peer-record:"

const (
	fieldPeer    protowire.Number = 1
	fieldRelay   protowire.Number = 2
	fieldAddrs   protowire.Number = 3
	fieldSeq     protowire.Number = 4
	fieldCreated protowire.Number = 5
	fieldSig     protowire.Number = 15

	maxRecordAddrs = 32
)

var (
	// ErrMalformedRecord 记录编码错误
	ErrMalformedRecord = errors.New("discovery: malformed record")
	// ErrStaleRecord 序列号不大于已接受的记录
	ErrStaleRecord = errors.New("discovery: stale record")
)

// Record 对端自签名的地址记录
type Record struct {
	Peer    types.PeerID
	Relay   types.RelayURL
	Addrs   []netip.AddrPort
	Seq     uint64
	Created time.Time
	Sig     []byte
}

// NewRecord 用本节点身份创建并签名记录
func NewRecord(kp *identity.KeyPair, relay types.RelayURL, addrs []netip.AddrPort, seq uint64, now time.Time) *Record {
	r := &Record{
		Peer:    kp.PeerID(),
		Relay:   relay,
		Addrs:   addrs,
		Seq:     seq,
		Created: now,
	}
	r.Sign(kp)
	return r
}

// Sign 签名记录
func (r *Record) Sign(kp *identity.KeyPair) {
	r.Peer = kp.PeerID()
	r.Sig = kp.Sign(r.signingBytes())
}

// Verify 校验签名，失败返回 ErrAuthenticationFailure
func (r *Record) Verify() error {
	if len(r.Sig) == 0 || !identity.Verify(r.Peer, r.signingBytes(), r.Sig) {
		return fmt.Errorf("%w: record signature from %s", types.ErrAuthenticationFailure, r.Peer.ShortString())
	}
	return nil
}

// Updates 把记录转换为发现更新
func (r *Record) Updates() []Update {
	out := make([]Update, 0, len(r.Addrs)+1)
	if !r.Relay.IsEmpty() {
		out = append(out, Update{Peer: r.Peer, Relay: r.Relay})
	}
	for _, a := range r.Addrs {
		out = append(out, Update{
			Peer:      r.Peer,
			Candidate: types.CandidateAddress{Addr: a, Source: types.SourceDiscoveryFed, LastSeen: r.Created},
		})
	}
	return out
}

func (r *Record) signingBytes() []byte {
	return r.appendBody([]byte(recordDomain))
}

func (r *Record) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Peer[:])
	if !r.Relay.IsEmpty() {
		b = protowire.AppendTag(b, fieldRelay, protowire.BytesType)
		b = protowire.AppendString(b, string(r.Relay))
	}
	for _, a := range r.Addrs {
		b = protowire.AppendTag(b, fieldAddrs, protowire.BytesType)
		b = protowire.AppendString(b, a.String())
	}
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	b = protowire.AppendTag(b, fieldCreated, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(r.Created.UnixNano()))
}

// Marshal 编码记录
func (r *Record) Marshal() []byte {
	b := r.appendBody(nil)
	b = protowire.AppendTag(b, fieldSig, protowire.BytesType)
	return protowire.AppendBytes(b, r.Sig)
}

// UnmarshalRecord 解码记录，不校验签名
func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	var havePeer bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: peer: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			id, err := types.PeerIDFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
			}
			r.Peer, havePeer = id, true
			b = b[n:]
		case num == fieldRelay && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: relay: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			r.Relay = types.RelayURL(v)
			b = b[n:]
		case num == fieldAddrs && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: addr: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			ap, err := netip.ParseAddrPort(v)
			if err != nil {
				return nil, fmt.Errorf("%w: addr %q", ErrMalformedRecord, v)
			}
			if len(r.Addrs) >= maxRecordAddrs {
				return nil, fmt.Errorf("%w: too many addrs", ErrMalformedRecord)
			}
			r.Addrs = append(r.Addrs, ap)
			b = b[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: seq: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			r.Seq = v
			b = b[n:]
		case num == fieldCreated && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: created: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			r.Created = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldSig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: sig: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			r.Sig = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !havePeer {
		return nil, fmt.Errorf("%w: missing peer", ErrMalformedRecord)
	}
	return r, nil
}

// ============================================================================
//                              Book - 重放保护
// ============================================================================

// Book 记录每个对端已接受的最大序列号
type Book struct {
	mu   sync.Mutex
	seqs *lru.Cache[types.PeerID, uint64]
}

// defaultBookSize 默认跟踪的对端数
const defaultBookSize = 4096

// NewBook 创建记录簿，size 为跟踪的对端数上限
func NewBook(size int) *Book {
	if size <= 0 {
		size = defaultBookSize
	}
	c, _ := lru.New[types.PeerID, uint64](size)
	return &Book{seqs: c}
}

// Accept 校验签名与序列号，接受后更新序列号
func (b *Book) Accept(r *Record) error {
	if err := r.Verify(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.seqs.Get(r.Peer); ok && r.Seq <= last {
		return fmt.Errorf("%w: seq %d <= %d", ErrStaleRecord, r.Seq, last)
	}
	b.seqs.Add(r.Peer, r.Seq)
	return nil
}
