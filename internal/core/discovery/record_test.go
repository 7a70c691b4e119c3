package discovery

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func newKey(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return kp
}

func testRecord(t *testing.T, kp *identity.KeyPair, seq uint64) *Record {
	t.Helper()
	return NewRecord(kp, "https://relay.example/derp", []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.7:41641"),
		netip.MustParseAddrPort("[2001:db8::1]:41641"),
	}, seq, time.Unix(1700000000, 0))
}

func TestRecord_RoundTripVerifies(t *testing.T) {
	kp := newKey(t)
	r := testRecord(t, kp, 3)

	got, err := UnmarshalRecord(r.Marshal())
	require.NoError(t, err)
	require.NoError(t, got.Verify())
	assert.Equal(t, kp.PeerID(), got.Peer)
	assert.Equal(t, r.Relay, got.Relay)
	assert.Equal(t, r.Addrs, got.Addrs)
	assert.Equal(t, uint64(3), got.Seq)
	assert.True(t, r.Created.Equal(got.Created))
}

func TestRecord_TamperedFailsVerify(t *testing.T) {
	kp := newKey(t)
	r := testRecord(t, kp, 1)
	r.Addrs[0] = netip.MustParseAddrPort("198.51.100.1:1")
	assert.ErrorIs(t, r.Verify(), types.ErrAuthenticationFailure)

	// 换成其他身份的 PeerID
	r = testRecord(t, kp, 1)
	r.Peer = newKey(t).PeerID()
	assert.ErrorIs(t, r.Verify(), types.ErrAuthenticationFailure)

	r = testRecord(t, kp, 1)
	r.Sig = nil
	assert.ErrorIs(t, r.Verify(), types.ErrAuthenticationFailure)
}

func TestUnmarshalRecord_Malformed(t *testing.T) {
	kp := newKey(t)
	good := testRecord(t, kp, 1).Marshal()

	tests := []struct {
		name string
		in   []byte
	}{
		{"truncated", good[:len(good)-3]},
		{"missing peer", protowire.AppendVarint(protowire.AppendTag(nil, fieldSeq, protowire.VarintType), 1)},
		{"short peer", protowire.AppendBytes(protowire.AppendTag(nil, fieldPeer, protowire.BytesType), []byte{1, 2})},
		{"bad addr", protowire.AppendString(protowire.AppendTag(append([]byte(nil), good...), fieldAddrs, protowire.BytesType), "nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalRecord(tt.in)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestUnmarshalRecord_SkipsUnknownFields(t *testing.T) {
	kp := newKey(t)
	b := testRecord(t, kp, 1).Marshal()
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	r, err := UnmarshalRecord(b)
	require.NoError(t, err)
	assert.NoError(t, r.Verify())
}

func TestUnmarshalRecord_TooManyAddrs(t *testing.T) {
	kp := newKey(t)
	addrs := make([]netip.AddrPort, maxRecordAddrs+1)
	for i := range addrs {
		addrs[i] = netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), uint16(1000+i))
	}
	r := NewRecord(kp, "", addrs, 1, time.Now())
	_, err := UnmarshalRecord(r.Marshal())
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestRecord_Updates(t *testing.T) {
	kp := newKey(t)
	r := testRecord(t, kp, 1)
	ups := r.Updates()
	require.Len(t, ups, 3)
	assert.Equal(t, r.Relay, ups[0].Relay)
	for _, u := range ups[1:] {
		assert.Equal(t, kp.PeerID(), u.Peer)
		assert.Equal(t, types.SourceDiscoveryFed, u.Candidate.Source)
		assert.True(t, u.Candidate.LastSeen.Equal(r.Created))
	}

	r = NewRecord(kp, "", nil, 2, time.Now())
	assert.Empty(t, r.Updates())
}

func TestBook_RejectsReplay(t *testing.T) {
	kp := newKey(t)
	b := NewBook(0)

	require.NoError(t, b.Accept(testRecord(t, kp, 5)))
	err := b.Accept(testRecord(t, kp, 5))
	assert.True(t, errors.Is(err, ErrStaleRecord))
	assert.ErrorIs(t, b.Accept(testRecord(t, kp, 4)), ErrStaleRecord)
	assert.NoError(t, b.Accept(testRecord(t, kp, 6)))

	// 其他对端独立计数
	assert.NoError(t, b.Accept(testRecord(t, newKey(t), 1)))
}

func TestBook_RejectsBadSignature(t *testing.T) {
	kp := newKey(t)
	b := NewBook(16)
	r := testRecord(t, kp, 9)
	r.Seq = 10
	assert.ErrorIs(t, b.Accept(r), types.ErrAuthenticationFailure)
	// 失败的记录不推进序列号
	assert.NoError(t, b.Accept(testRecord(t, kp, 1)))
}
