package magicnet

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/identity"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// config 完整配置，选项在其上原地修改
	config *config.Config

	// keyPair 直接注入的密钥，优先于密钥文件
	keyPair *identity.KeyPair

	// clock 注入的时钟（测试）
	clock clock.Clock

	// userFxOptions 用户追加的 fx 选项
	userFxOptions []fx.Option
}

func newOptions() *options {
	return &options{config: config.NewConfig()}
}

// ════════════════════════════════════════════════════════════════════════════
//                              配置
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置替换默认配置
//
// 应放在其他选项之前，否则之前的修改会被覆盖。
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		o.config = cfg
		return nil
	}
}

// WithPreset 应用预设（desktop、server、test）
func WithPreset(name string) Option {
	return func(o *options) error {
		switch name {
		case config.PresetDesktop, config.PresetServer, config.PresetTest:
		default:
			return fmt.Errorf("unknown preset %q", name)
		}
		config.ApplyPreset(o.config, name)
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              身份
// ════════════════════════════════════════════════════════════════════════════

// WithPrivateKey 使用指定的 Ed25519 私钥作为节点身份
func WithPrivateKey(priv ed25519.PrivateKey) Option {
	return func(o *options) error {
		kp, err := identity.FromPrivateKey(priv)
		if err != nil {
			return err
		}
		o.keyPair = kp
		return nil
	}
}

// WithKeyFile 从文件加载身份，文件不存在时生成并保存
func WithKeyFile(path string) Option {
	return func(o *options) error {
		o.config.Identity.KeyFile = path
		o.config.Identity.AutoGenerate = true
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              网络
// ════════════════════════════════════════════════════════════════════════════

// WithListenAddr 设置 UDP 监听地址，例如 "0.0.0.0:41641"
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		o.config.Socket.ListenAddr = addr
		return nil
	}
}

// WithRelays 设置中继服务器列表，第一个作为初始首选中继
func WithRelays(urls ...string) Option {
	return func(o *options) error {
		o.config.Relay.URLs = append([]string(nil), urls...)
		return nil
	}
}

// WithHomeRelay 固定首选中继
func WithHomeRelay(url string) Option {
	return func(o *options) error {
		o.config.Relay.HomeRelay = url
		return nil
	}
}

// WithKnownPeers 追加静态对端
func WithKnownPeers(peers ...config.KnownPeer) Option {
	return func(o *options) error {
		o.config.Discovery.KnownPeers = append(o.config.Discovery.KnownPeers, peers...)
		return nil
	}
}

// WithDNSDiscovery 启用 DNS TXT 发现
func WithDNSDiscovery(domain, server string) Option {
	return func(o *options) error {
		o.config.Discovery.DNSDomain = domain
		o.config.Discovery.DNSServer = server
		return nil
	}
}

// WithQUIC 启用或禁用 QUIC 传输
func WithQUIC(enable bool) Option {
	return func(o *options) error {
		o.config.QUIC.Enable = enable
		return nil
	}
}

// WithMetrics 启用指标，addr 非空时在该地址提供 /metrics
func WithMetrics(addr string) Option {
	return func(o *options) error {
		o.config.Metrics.Enable = true
		o.config.Metrics.ListenAddr = addr
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              扩展
// ════════════════════════════════════════════════════════════════════════════

// WithClock 注入时钟，所有定时器都由它驱动
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		o.clock = clk
		return nil
	}
}

// WithFxOption 追加 fx 选项，可用于注入额外的发现源或读取内部组件
func WithFxOption(opts ...fx.Option) Option {
	return func(o *options) error {
		o.userFxOptions = append(o.userFxOptions, opts...)
		return nil
	}
}
