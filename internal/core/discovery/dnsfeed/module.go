package dnsfeed

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/discovery"
)

// Params 模块输入
type Params struct {
	fx.In

	Config *config.Config
	Clock  clock.Clock `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Feed discovery.Feed `group:"discovery_feeds"`
}

// Module 返回 Fx 模块，未配置域名时不提供发现源
func Module() fx.Option {
	return fx.Module("discovery.dns", fx.Provide(Provide))
}

// Provide 创建 DNS 发现源
func Provide(p Params) (Result, error) {
	cfg := p.Config.Discovery
	if cfg.DNSDomain == "" {
		return Result{}, nil
	}
	f, err := New(Config{
		Domain:   cfg.DNSDomain,
		Server:   cfg.DNSServer,
		Interval: cfg.DNSPollInterval.Duration(),
		Timeout:  cfg.DNSTimeout.Duration(),
		Clock:    p.Clock,
	})
	if err != nil {
		return Result{}, err
	}
	log.Info("启用 DNS 发现", "domain", cfg.DNSDomain, "server", f.server)
	return Result{Feed: f}, nil
}
