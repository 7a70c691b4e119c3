// Package dnsfeed 通过 DNS TXT 记录发现对端地址
//
// 对端 P 的签名记录发布在 _magicnet.<P>.<domain> 的 TXT 记录中，
// 内容为 base64 编码的记录，按 255 字节分片。
package dnsfeed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/dep2p/go-magicnet/internal/core/discovery"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var log = logger.Logger("core.discovery.dns")

// labelPrefix 记录名前缀
const labelPrefix = "_magicnet"

// maxTXTChunk 单个 TXT 字符串的最大长度
const maxTXTChunk = 255

// ErrNoServer 没有可用的 DNS 服务器
var ErrNoServer = errors.New("dnsfeed: no dns server")

// Config 发现源配置
type Config struct {
	Domain   string
	Server   string
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// Feed DNS TXT 发现源
type Feed struct {
	*discovery.PollFeed

	domain string
	server string
	client *dns.Client
	book   *discovery.Book

	mu      sync.Mutex
	watched map[types.PeerID]struct{}
}

var (
	_ discovery.Feed      = (*Feed)(nil)
	_ discovery.Requester = (*Feed)(nil)
)

// New 创建 DNS 发现源
func New(cfg Config) (*Feed, error) {
	if cfg.Domain == "" {
		return nil, errors.New("dnsfeed: empty domain")
	}
	server := cfg.Server
	if server == "" {
		var err error
		if server, err = systemServer(); err != nil {
			return nil, err
		}
	}
	f := &Feed{
		domain:  dns.Fqdn(cfg.Domain),
		server:  server,
		client:  &dns.Client{Net: "udp", Timeout: cfg.Timeout, UDPSize: dns.DefaultMsgSize},
		book:    discovery.NewBook(0),
		watched: make(map[types.PeerID]struct{}),
	}
	f.PollFeed = discovery.NewPollFeed("dns", cfg.Interval, cfg.Clock, f.poll)
	return f, nil
}

func systemServer() (string, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoServer, err)
	}
	if len(conf.Servers) == 0 {
		return "", ErrNoServer
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// Request 关注对端并立即查询；被关注的对端在之后每次轮询中刷新
func (f *Feed) Request(peer types.PeerID) {
	f.mu.Lock()
	f.watched[peer] = struct{}{}
	f.mu.Unlock()
	f.PollFeed.Request(peer)
}

// Name 返回记录名
func Name(peer types.PeerID, domain string) string {
	return labelPrefix + "." + peer.String() + "." + dns.Fqdn(domain)
}

func (f *Feed) poll(ctx context.Context, _ []types.PeerID) ([]discovery.Update, error) {
	f.mu.Lock()
	peers := make([]types.PeerID, 0, len(f.watched))
	for id := range f.watched {
		peers = append(peers, id)
	}
	f.mu.Unlock()

	var (
		out  []discovery.Update
		errs []error
	)
	for _, id := range peers {
		ups, err := f.Lookup(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ups...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		log.Debug("DNS 查询失败", "err", err)
	}
	return out, nil
}

// Lookup 查询对端记录，返回最新且签名有效的记录对应的更新
//
// 记录不存在时返回空结果；序列号不大于已接受记录的会被忽略。
func (f *Feed) Lookup(ctx context.Context, peer types.PeerID) ([]discovery.Update, error) {
	m := new(dns.Msg)
	m.SetQuestion(Name(peer, f.domain), dns.TypeTXT)
	m.RecursionDesired = true
	m.SetEdns0(dns.DefaultMsgSize, false)

	resp, _, err := f.client.ExchangeContext(ctx, m, f.server)
	if err == nil && resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: f.client.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, m, f.server)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", peer.ShortString(), err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("query %s: rcode %s", peer.ShortString(), dns.RcodeToString[resp.Rcode])
	}

	var best *discovery.Record
	var lastErr error
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		r, err := ParseTXT(txt.Txt)
		if err != nil {
			lastErr = err
			continue
		}
		if r.Peer != peer {
			lastErr = fmt.Errorf("%w: record for %s under %s", types.ErrAuthenticationFailure, r.Peer.ShortString(), peer.ShortString())
			continue
		}
		if best == nil || r.Seq > best.Seq {
			best = r
		}
	}
	if best == nil {
		return nil, lastErr
	}
	if err := f.book.Accept(best); err != nil {
		if errors.Is(err, discovery.ErrStaleRecord) {
			return nil, nil
		}
		return nil, err
	}
	return best.Updates(), nil
}

// ParseTXT 拼接 TXT 字符串并解码记录
func ParseTXT(parts []string) (*discovery.Record, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.Join(parts, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", discovery.ErrMalformedRecord, err)
	}
	return discovery.UnmarshalRecord(raw)
}

// TXTRecords 把记录编码为 TXT 字符串
func TXTRecords(r *discovery.Record) []string {
	s := base64.StdEncoding.EncodeToString(r.Marshal())
	out := make([]string, 0, len(s)/maxTXTChunk+1)
	for len(s) > maxTXTChunk {
		out = append(out, s[:maxTXTChunk])
		s = s[maxTXTChunk:]
	}
	return append(out, s)
}
