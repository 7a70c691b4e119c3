package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/pkg/types"
)

type collector struct {
	mu  sync.Mutex
	ups []Update
}

func (c *collector) sink(u Update) {
	c.mu.Lock()
	c.ups = append(c.ups, u)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ups)
}

func TestStaticFeed_RejectsBadConfig(t *testing.T) {
	_, err := NewStaticFeed([]config.KnownPeer{{PeerID: "not-a-peer"}})
	assert.Error(t, err)

	_, err = NewStaticFeed([]config.KnownPeer{{PeerID: newKey(t).PeerID().String(), Addrs: []string{"nope"}}})
	assert.Error(t, err)
}

func TestStaticFeed_RequestBeforeRunIsNoop(t *testing.T) {
	peer := newKey(t).PeerID()
	f, err := NewStaticFeed([]config.KnownPeer{{PeerID: peer.String(), Addrs: []string{"192.0.2.1:1"}}})
	require.NoError(t, err)
	f.Request(peer)
	assert.Equal(t, "static", f.Name())
}

func TestChanFeed_PushDropsWhenFull(t *testing.T) {
	f := NewChanFeed("push", 1)
	peer := newKey(t).PeerID()
	assert.True(t, f.Push(candUpdate(peer, "192.0.2.1:1")))
	assert.False(t, f.Push(candUpdate(peer, "192.0.2.1:2")))
}

func TestPollFeed_PollsOnTickAndRequest(t *testing.T) {
	clk := clock.NewMock()
	peer := newKey(t).PeerID()

	var (
		mu    sync.Mutex
		calls [][]types.PeerID
	)
	poll := func(_ context.Context, peers []types.PeerID) ([]Update, error) {
		mu.Lock()
		calls = append(calls, peers)
		mu.Unlock()
		if len(peers) == 0 {
			return nil, errors.New("nothing to do")
		}
		return []Update{candUpdate(peers[0], "192.0.2.1:1")}, nil
	}
	numCalls := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(calls)
	}

	f := NewPollFeed("poll", time.Minute, clk, poll)
	var col collector
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx, col.sink) }()

	require.Eventually(t, func() bool { return numCalls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, col.len())

	f.Request(peer)
	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []types.PeerID{peer}, calls[1])
	mu.Unlock()

	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return numCalls() == 3 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Empty(t, calls[2])
	mu.Unlock()
}
