package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// KnownPeer 静态配置的对端
type KnownPeer struct {
	// PeerID 对端 PeerID（Base58）
	PeerID string `json:"peer_id"`

	// Relay 对端的首选中继
	Relay string `json:"relay,omitempty"`

	// Addrs 对端的候选直连地址，形如 "203.0.113.7:41641"
	Addrs []string `json:"addrs,omitempty"`
}

// DiscoveryConfig 地址发现配置
type DiscoveryConfig struct {
	// KnownPeers 静态对端列表
	KnownPeers []KnownPeer `json:"known_peers,omitempty"`

	// DedupeWindow 相同 (对端, 地址) 更新的去重窗口
	DedupeWindow Duration `json:"dedupe_window"`

	// DNSDomain DNS TXT 发现使用的域名，为空则不启用
	DNSDomain string `json:"dns_domain,omitempty"`

	// DNSServer DNS 服务器地址（host:port），为空时读取 /etc/resolv.conf
	DNSServer string `json:"dns_server,omitempty"`

	// DNSPollInterval DNS 记录轮询间隔
	DNSPollInterval Duration `json:"dns_poll_interval"`

	// DNSTimeout 单次 DNS 查询超时
	DNSTimeout Duration `json:"dns_timeout"`
}

// DefaultDiscoveryConfig 返回默认发现配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		DedupeWindow:    Duration(time.Second),
		DNSPollInterval: Duration(time.Minute),
		DNSTimeout:      Duration(5 * time.Second),
	}
}

// Validate 验证发现配置
func (c DiscoveryConfig) Validate() error {
	for _, kp := range c.KnownPeers {
		if _, err := types.ParsePeerID(kp.PeerID); err != nil {
			return fmt.Errorf("known peer %q: %w", kp.PeerID, err)
		}
		for _, a := range kp.Addrs {
			if _, err := netip.ParseAddrPort(a); err != nil {
				return fmt.Errorf("known peer %q: invalid addr %q: %w", kp.PeerID, a, err)
			}
		}
	}
	if c.DedupeWindow < 0 {
		return errors.New("dedupe window must not be negative")
	}
	if c.DNSDomain != "" && (c.DNSPollInterval <= 0 || c.DNSTimeout <= 0) {
		return errors.New("dns poll interval and timeout must be positive")
	}
	return nil
}
