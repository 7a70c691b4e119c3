package stun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResponse(t *testing.T) {
	txid := NewTxID()
	req, err := Request(txid)
	require.NoError(t, err)
	assert.True(t, Is(req))

	got, err := ParseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, txid, got)

	for _, s := range []string{"203.0.113.9:40000", "[2001:db8::1]:3478"} {
		observed := netip.MustParseAddrPort(s)
		resp, err := Response(txid, observed)
		require.NoError(t, err)
		assert.True(t, Is(resp))

		rtx, addr, err := ParseResponse(resp)
		require.NoError(t, err)
		assert.Equal(t, txid, rtx)
		assert.Equal(t, observed, addr)
	}
}

func TestParseResponse_Errors(t *testing.T) {
	_, _, err := ParseResponse([]byte("not stun"))
	var se *STUNError
	assert.ErrorAs(t, err, &se)

	req, err := Request(NewTxID())
	require.NoError(t, err)
	_, _, err = ParseResponse(req)
	assert.ErrorIs(t, err, ErrNotBindingResponse)
}

func TestIs(t *testing.T) {
	assert.False(t, Is(nil))
	assert.False(t, Is([]byte("TS💬 disco")))
}
