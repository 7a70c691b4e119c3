package quic_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/core/relay/relaytest"
	"github.com/dep2p/go-magicnet/internal/core/transport/quic"
	"github.com/dep2p/go-magicnet/pkg/types"
)

type node struct {
	kp *identity.KeyPair
	pm *pathmgr.Manager
	tr *quic.Transport
}

func newNode(t *testing.T, srv *relaytest.Server) *node {
	t.Helper()
	cfg := config.NewPresetConfig(config.PresetTest)
	cfg.Relay.URLs = []string{string(srv.URL())}
	kp, err := identity.Generate()
	require.NoError(t, err)
	bus := eventbus.NewBus()

	pm, err := pathmgr.NewManager(kp.PeerID(), cfg.Path, pathmgr.WithEventBus(bus))
	require.NoError(t, err)
	rm, err := relay.NewManager(kp, cfg.Relay, relay.WithEventBus(bus))
	require.NoError(t, err)
	rm.SetHandler(pm)
	sock, err := magicsock.NewConn(kp, pm, cfg.Socket, magicsock.WithRelay(rm), magicsock.WithEventBus(bus))
	require.NoError(t, err)
	require.NoError(t, sock.Start())
	tr, err := quic.New(kp, sock, cfg.QUIC)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = tr.Close()
		_ = sock.Close()
		_ = rm.Close()
		_ = pm.Close()
	})
	require.Eventually(t, func() bool { return srv.Connected(kp.PeerID()) }, 5*time.Second, 20*time.Millisecond)
	return &node{kp: kp, pm: pm, tr: tr}
}

func TestDialAccept_Stream(t *testing.T) {
	srv := relaytest.NewServer(t)
	a := newNode(t, srv)
	b := newNode(t, srv)
	require.NoError(t, a.pm.SetRelay(b.kp.PeerID(), srv.URL()))

	ln, err := b.tr.Listen()
	require.NoError(t, err)
	_, err = b.tr.Listen()
	assert.ErrorIs(t, err, quic.ErrAlreadyListening)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	accepted := make(chan *quic.Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := a.tr.Dial(ctx, b.kp.PeerID())
	require.NoError(t, err)
	assert.Equal(t, b.kp.PeerID(), conn.RemotePeer())
	assert.True(t, conn.Outbound())
	assert.Equal(t, b.kp.PeerID().LogicalAddr().String(), conn.RemoteAddr().String())

	s, err := conn.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var in *quic.Conn
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("未接受到连接")
	}
	assert.Equal(t, a.kp.PeerID(), in.RemotePeer())
	assert.False(t, in.Outbound())

	rs, err := in.AcceptStream(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, 1, a.tr.Conns())

	require.NoError(t, conn.Close())
	assert.Zero(t, a.tr.Conns())
}

func TestDial_Closed(t *testing.T) {
	srv := relaytest.NewServer(t)
	a := newNode(t, srv)
	require.NoError(t, a.tr.Close())

	_, err := a.tr.Dial(context.Background(), types.PeerID{1})
	assert.ErrorIs(t, err, quic.ErrTransportClosed)
	_, err = a.tr.Listen()
	assert.ErrorIs(t, err, quic.ErrTransportClosed)
}

func TestDial_Self(t *testing.T) {
	srv := relaytest.NewServer(t)
	a := newNode(t, srv)
	_, err := a.tr.Dial(context.Background(), a.kp.PeerID())
	assert.ErrorIs(t, err, magicsock.ErrSelf)
}
