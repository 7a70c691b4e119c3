package dnsfeed

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-magicnet/internal/core/discovery"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

const testDomain = "peers.example"

// zone 进程内 DNS 服务器的记录表
type zone struct {
	mu      sync.Mutex
	records map[string][][]string
	queries int
}

func (z *zone) set(name string, txts ...[]string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.records[strings.ToLower(name)] = txts
}

func (z *zone) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.queries++
	resp := new(dns.Msg)
	resp.SetReply(req)
	q := req.Question[0]
	txts, ok := z.records[strings.ToLower(q.Name)]
	if !ok {
		resp.SetRcode(req, dns.RcodeNameError)
	}
	for _, txt := range txts {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
			Txt: txt,
		})
	}
	_ = w.WriteMsg(resp)
}

func startServer(t *testing.T) (*zone, string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	z := &zone{records: make(map[string][][]string)}
	srv := &dns.Server{PacketConn: pc, Handler: z}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return z, pc.LocalAddr().String()
}

func newFeed(t *testing.T, server string) *Feed {
	t.Helper()
	f, err := New(Config{Domain: testDomain, Server: server, Interval: time.Hour, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return f
}

func newKey(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return kp
}

func record(kp *identity.KeyPair, seq uint64, addr string) *discovery.Record {
	return discovery.NewRecord(kp, "https://relay.example/derp",
		[]netip.AddrPort{netip.MustParseAddrPort(addr)}, seq, time.Unix(1700000000, 0))
}

func TestTXTRecords_ChunksAndParses(t *testing.T) {
	kp := newKey(t)
	addrs := make([]netip.AddrPort, 20)
	for i := range addrs {
		addrs[i] = netip.AddrPortFrom(netip.MustParseAddr("2001:db8::1"), uint16(40000+i))
	}
	r := discovery.NewRecord(kp, "https://relay.example/derp", addrs, 1, time.Now())

	parts := TXTRecords(r)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), maxTXTChunk)
	}
	got, err := ParseTXT(parts)
	require.NoError(t, err)
	assert.NoError(t, got.Verify())
	assert.Equal(t, addrs, got.Addrs)

	_, err = ParseTXT([]string{"!!!"})
	assert.ErrorIs(t, err, discovery.ErrMalformedRecord)
}

func TestLookup_ValidRecord(t *testing.T) {
	z, server := startServer(t)
	f := newFeed(t, server)
	kp := newKey(t)
	z.set(Name(kp.PeerID(), testDomain), TXTRecords(record(kp, 1, "203.0.113.7:41641")))

	ups, err := f.Lookup(context.Background(), kp.PeerID())
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, types.RelayURL("https://relay.example/derp"), ups[0].Relay)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.7:41641"), ups[1].Candidate.Addr)
	assert.Equal(t, types.SourceDiscoveryFed, ups[1].Candidate.Source)
}

func TestLookup_PicksHighestSeq(t *testing.T) {
	z, server := startServer(t)
	f := newFeed(t, server)
	kp := newKey(t)
	z.set(Name(kp.PeerID(), testDomain),
		TXTRecords(record(kp, 1, "203.0.113.7:1")),
		TXTRecords(record(kp, 4, "203.0.113.7:4")),
	)

	ups, err := f.Lookup(context.Background(), kp.PeerID())
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, uint16(4), ups[1].Candidate.Addr.Port())
}

func TestLookup_ReplayIgnored(t *testing.T) {
	z, server := startServer(t)
	f := newFeed(t, server)
	kp := newKey(t)
	name := Name(kp.PeerID(), testDomain)

	z.set(name, TXTRecords(record(kp, 5, "203.0.113.7:5")))
	ups, err := f.Lookup(context.Background(), kp.PeerID())
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	z.set(name, TXTRecords(record(kp, 3, "203.0.113.7:3")))
	ups, err = f.Lookup(context.Background(), kp.PeerID())
	require.NoError(t, err)
	assert.Empty(t, ups)
}

func TestLookup_RejectsForeignRecord(t *testing.T) {
	z, server := startServer(t)
	f := newFeed(t, server)
	victim, attacker := newKey(t), newKey(t)
	z.set(Name(victim.PeerID(), testDomain), TXTRecords(record(attacker, 1, "198.51.100.66:1")))

	ups, err := f.Lookup(context.Background(), victim.PeerID())
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
	assert.Empty(t, ups)
}

func TestLookup_RejectsTamperedRecord(t *testing.T) {
	z, server := startServer(t)
	f := newFeed(t, server)
	kp := newKey(t)
	r := record(kp, 1, "203.0.113.7:1")
	r.Addrs[0] = netip.MustParseAddrPort("198.51.100.66:1")
	z.set(Name(kp.PeerID(), testDomain), TXTRecords(r))

	_, err := f.Lookup(context.Background(), kp.PeerID())
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestLookup_NameErrorIsEmpty(t *testing.T) {
	_, server := startServer(t)
	f := newFeed(t, server)

	ups, err := f.Lookup(context.Background(), newKey(t).PeerID())
	assert.NoError(t, err)
	assert.Empty(t, ups)
}

func TestFeed_RequestDeliversAndWatches(t *testing.T) {
	z, server := startServer(t)
	f := newFeed(t, server)
	kp := newKey(t)
	z.set(Name(kp.PeerID(), testDomain), TXTRecords(record(kp, 1, "203.0.113.7:41641")))

	var (
		mu  sync.Mutex
		got []discovery.Update
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = f.Run(ctx, func(u discovery.Update) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		})
	}()

	f.Request(kp.PeerID())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "dns", f.Name())
}

func TestNew_RequiresDomain(t *testing.T) {
	_, err := New(Config{Server: "127.0.0.1:53"})
	assert.Error(t, err)
}
