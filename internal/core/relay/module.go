package relay

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var log = logger.Logger("core.relay")

// Params 模块输入
type Params struct {
	fx.In

	Config   *config.Config
	KeyPair  *identity.KeyPair
	EventBus pkgif.EventBus
	Clock    clock.Clock `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Manager *Manager
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("relay",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建中继管理器
func Provide(p Params) (Result, error) {
	opts := []Option{WithEventBus(p.EventBus)}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	m, err := NewManager(p.KeyPair, p.Config.Relay, opts...)
	if err != nil {
		return Result{}, err
	}
	return Result{Manager: m}, nil
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if home := cfg.Relay.HomeRelay; home != "" {
				return m.SetHome(types.RelayURL(home))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
}
