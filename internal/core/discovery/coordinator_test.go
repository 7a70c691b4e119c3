package discovery

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/pkg/types"
)

type fakeSink struct {
	mu     sync.Mutex
	cands  map[types.PeerID][]types.CandidateAddress
	relays map[types.PeerID]types.RelayURL
	err    error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		cands:  make(map[types.PeerID][]types.CandidateAddress),
		relays: make(map[types.PeerID]types.RelayURL),
	}
}

func (s *fakeSink) AddCandidate(peer types.PeerID, c types.CandidateAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cands[peer] = append(s.cands[peer], c)
	return nil
}

func (s *fakeSink) SetRelay(peer types.PeerID, u types.RelayURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.relays[peer] = u
	return nil
}

func (s *fakeSink) candidates(peer types.PeerID) []types.CandidateAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CandidateAddress(nil), s.cands[peer]...)
}

func (s *fakeSink) relay(peer types.PeerID) types.RelayURL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relays[peer]
}

func candUpdate(peer types.PeerID, addr string) Update {
	return Update{Peer: peer, Candidate: types.CandidateAddress{Addr: netip.MustParseAddrPort(addr)}}
}

func TestCoordinator_DedupesWithinWindow(t *testing.T) {
	clk := clock.NewMock()
	sink := newFakeSink()
	c := NewCoordinator(sink, time.Second, clk)
	peer := newKey(t).PeerID()

	c.Deliver(candUpdate(peer, "192.0.2.1:1000"))
	c.Deliver(candUpdate(peer, "192.0.2.1:1000"))
	c.Deliver(candUpdate(peer, "192.0.2.1:1001"))
	require.Len(t, sink.candidates(peer), 2)

	clk.Add(time.Second)
	c.Deliver(candUpdate(peer, "192.0.2.1:1000"))
	assert.Len(t, sink.candidates(peer), 3)
	assert.Equal(t, Stats{Delivered: 3, Duplicates: 1}, c.Stats())
}

func TestCoordinator_FillsDefaults(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	sink := newFakeSink()
	c := NewCoordinator(sink, 0, clk)
	peer := newKey(t).PeerID()

	c.Deliver(Update{
		Peer:      peer,
		Relay:     "https://relay.example/derp",
		Candidate: types.CandidateAddress{Addr: netip.MustParseAddrPort("192.0.2.1:1000")},
	})
	got := sink.candidates(peer)
	require.Len(t, got, 1)
	assert.Equal(t, types.SourceDiscoveryFed, got[0].Source)
	assert.True(t, got[0].LastSeen.Equal(clk.Now()))
	assert.Equal(t, types.RelayURL("https://relay.example/derp"), sink.relay(peer))
}

func TestCoordinator_CountsRejected(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("bad")
	c := NewCoordinator(sink, time.Second, clock.NewMock())

	c.Deliver(candUpdate(newKey(t).PeerID(), "192.0.2.1:1000"))
	assert.Equal(t, int64(1), c.Stats().Rejected)
	assert.Zero(t, c.Stats().Delivered)
}

func TestCoordinator_RunAndRequest(t *testing.T) {
	sink := newFakeSink()
	c := NewCoordinator(sink, 0, clock.NewMock())
	peer := newKey(t).PeerID()

	static, err := NewStaticFeed([]config.KnownPeer{{
		PeerID: peer.String(),
		Relay:  "https://relay.example/derp",
		Addrs:  []string{"192.0.2.1:1000"},
	}})
	require.NoError(t, err)
	push := NewChanFeed("push", 4)
	c.AddFeed(static)
	c.AddFeed(push)
	require.Len(t, c.Feeds(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.candidates(peer)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.RelayURL("https://relay.example/derp"), sink.relay(peer))

	c.RequestCandidates(peer)
	require.Eventually(t, func() bool { return len(sink.candidates(peer)) == 2 }, time.Second, 5*time.Millisecond)

	other := newKey(t).PeerID()
	require.True(t, push.Push(candUpdate(other, "198.51.100.9:7")))
	require.Eventually(t, func() bool { return len(sink.candidates(other)) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run 未退出")
	}
}
