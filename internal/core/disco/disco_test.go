package disco

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func keys(t *testing.T) (*identity.KeyPair, *identity.KeyPair) {
	t.Helper()
	a, err := identity.Generate()
	require.NoError(t, err)
	b, err := identity.Generate()
	require.NoError(t, err)
	return a, b
}

func TestSealOpen_Messages(t *testing.T) {
	a, b := keys(t)

	msgs := []Message{
		&Ping{TxID: NewTxID(), NodeKey: a.PeerID()},
		&Pong{TxID: NewTxID(), Src: netip.MustParseAddrPort("198.51.100.4:41641")},
		&Pong{TxID: NewTxID(), Src: netip.MustParseAddrPort("[2001:db8::7]:9")},
		&CallMeMaybe{MyNumber: []netip.AddrPort{
			netip.MustParseAddrPort("192.168.1.10:5000"),
			netip.MustParseAddrPort("203.0.113.1:62000"),
		}},
		&CallMeMaybe{MyNumber: []netip.AddrPort{}},
	}
	for _, m := range msgs {
		pkt, err := Seal(a, b.PeerID(), m)
		require.NoError(t, err)
		assert.True(t, Looks(pkt))

		from, got, err := Open(b, pkt)
		require.NoError(t, err)
		assert.Equal(t, a.PeerID(), from)
		assert.Equal(t, m, got)
	}
}

func TestOpen_AuthFailure(t *testing.T) {
	a, b := keys(t)
	c, _ := keys(t)

	pkt, err := Seal(a, b.PeerID(), &Ping{TxID: NewTxID(), NodeKey: a.PeerID()})
	require.NoError(t, err)

	// 发给 b 的消息 c 打不开
	_, _, err = Open(c, pkt)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	// 伪造发送方
	forged := append([]byte(nil), pkt...)
	cid := c.PeerID()
	copy(forged[magicLen:], cid[:])
	_, _, err = Open(b, forged)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)

	// NodeKey 与信封发送方不一致
	pkt, err = Seal(a, b.PeerID(), &Ping{TxID: NewTxID(), NodeKey: c.PeerID()})
	require.NoError(t, err)
	_, _, err = Open(b, pkt)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte{byte(TypePing), 0, 1, 2})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte{byte(TypeCallMeMaybe), 0, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte{0x7f, 0})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, _, err = Open(nil, []byte("short"))
	assert.ErrorIs(t, err, ErrNotDisco)
}
