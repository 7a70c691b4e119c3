package relay

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func TestFrame_SendPacket(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	var dst types.PeerID
	dst[0] = 7
	require.NoError(t, WriteSendPacket(bw, dst, []byte("hello")))
	require.NoError(t, bw.Flush())

	// type + len + key + payload
	assert.Equal(t, 1+4+32+5, buf.Len())
	assert.Equal(t, byte(FrameSendPacket), buf.Bytes()[0])

	ft, payload, err := ReadFrame(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, FrameSendPacket, ft)
	got, data, err := ParsePacket(payload)
	require.NoError(t, err)
	assert.Equal(t, dst, got)
	assert.Equal(t, []byte("hello"), data)
}

func TestFrame_Limits(t *testing.T) {
	bw := bufio.NewWriter(&bytes.Buffer{})
	err := WriteSendPacket(bw, types.PeerID{}, make([]byte, MaxPacketSize+1))
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	// 声明长度超过上限的帧
	raw := []byte{byte(FrameRecvPacket), 0xff, 0xff, 0xff, 0xff}
	_, _, err = ReadFrame(bufio.NewReader(bytes.NewReader(raw)), nil)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, _, err = ParsePacket([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrame_PeerGoneAndRestarting(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	var peer types.PeerID
	peer[31] = 9
	require.NoError(t, WritePeerGone(bw, peer, PeerGoneNotHere))
	require.NoError(t, WriteRestarting(bw, 1500, 30000))
	require.NoError(t, bw.Flush())

	br := bufio.NewReader(&buf)
	ft, payload, err := ReadFrame(br, nil)
	require.NoError(t, err)
	require.Equal(t, FramePeerGone, ft)
	got, reason, err := ParsePeerGone(payload)
	require.NoError(t, err)
	assert.Equal(t, peer, got)
	assert.Equal(t, PeerGoneNotHere, reason)

	// 旧服务器不带原因字节
	_, reason, err = ParsePeerGone(peer[:])
	require.NoError(t, err)
	assert.Equal(t, PeerGoneDisconnected, reason)

	ft, payload, err = ReadFrame(br, nil)
	require.NoError(t, err)
	require.Equal(t, FrameRestarting, ft)
	in, tryFor, err := ParseRestarting(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, in)
	assert.EqualValues(t, 30000, tryFor)
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "send-packet", FrameSendPacket.String())
	assert.Equal(t, "frame(0x7f)", FrameType(0x7f).String())
}

// pipeRW 把两个缓冲区拼成一端的读写
type pipeRW struct {
	br *bufio.Reader
	bw *bufio.Writer
}

func TestHandshake(t *testing.T) {
	server, err := identity.Generate()
	require.NoError(t, err)
	client, err := identity.Generate()
	require.NoError(t, err)

	var s2c, c2s bytes.Buffer
	srv := pipeRW{br: bufio.NewReader(&c2s), bw: bufio.NewWriter(&s2c)}
	cli := pipeRW{br: bufio.NewReader(&s2c), bw: bufio.NewWriter(&c2s)}

	require.NoError(t, WriteServerKey(srv.bw, server.PeerID()))
	key, err := ReadServerKey(cli.br)
	require.NoError(t, err)
	assert.Equal(t, server.PeerID(), key)

	require.NoError(t, WriteClientInfo(cli.bw, client, key, ClientInfo{Version: ProtocolVersion, CanAckPings: true}))
	peer, info, err := ReadClientInfo(srv.br, server)
	require.NoError(t, err)
	assert.Equal(t, client.PeerID(), peer)
	assert.Equal(t, ProtocolVersion, info.Version)
	assert.True(t, info.CanAckPings)

	require.NoError(t, WriteServerInfo(srv.bw, server, peer, ServerInfo{Version: ProtocolVersion}))
	si, err := readServerInfo(cli.br, client, key)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, si.Version)
}

func TestHandshake_WrongServerKey(t *testing.T) {
	server, err := identity.Generate()
	require.NoError(t, err)
	impostor, err := identity.Generate()
	require.NoError(t, err)
	client, err := identity.Generate()
	require.NoError(t, err)

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	// 客户端以为在和 impostor 通信
	require.NoError(t, WriteClientInfo(bw, client, impostor.PeerID(), ClientInfo{Version: ProtocolVersion}))

	_, _, err = ReadClientInfo(bufio.NewReader(&buf), server)
	assert.True(t, errors.Is(err, types.ErrAuthenticationFailure))
}

func TestHandshake_BadMagic(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	require.NoError(t, writeFrame(bw, FrameServerKey, []byte("NOTDERP!"), make([]byte, 32)))
	require.NoError(t, bw.Flush())
	_, err := ReadServerKey(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second, 0.2)
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		if i < 3 {
			assert.GreaterOrEqual(t, d, prev*8/10, "grows roughly exponentially")
		}
		prev = d
	}
	// 到达上限后保持在 [0.8s, 1s]
	assert.GreaterOrEqual(t, prev, 800*time.Millisecond)

	b.Reset()
	assert.LessOrEqual(t, b.Next(), 100*time.Millisecond)
}

func TestExhaustedError(t *testing.T) {
	last := errors.New("dial refused")
	err := error(&ExhaustedError{URL: "http://r", Attempts: 3, Last: last})
	assert.ErrorIs(t, err, types.ErrRelayUnavailable)
	assert.ErrorIs(t, err, last)
	assert.ErrorIs(t, ErrSessionClosed, types.ErrRelayUnavailable)
}
