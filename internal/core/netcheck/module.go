package netcheck

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/portmap"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var log = logger.Logger("core.netcheck")

// Params 模块输入
type Params struct {
	fx.In

	Config   *config.Config
	EventBus pkgif.EventBus
	Relay    *relay.Manager  `optional:"true"`
	PortMap  *portmap.Mapper `optional:"true"`
	Clock    clock.Clock     `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Client *Client
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("netcheck",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建探测客户端
func Provide(p Params) (Result, error) {
	relayCfg := p.Config.Relay
	opts := []Option{
		WithEventBus(p.EventBus),
		WithRelays(func() []types.RelayURL {
			out := make([]types.RelayURL, 0, len(relayCfg.URLs))
			for _, u := range relayCfg.URLs {
				out = append(out, types.RelayURL(u))
			}
			return out
		}),
	}
	if p.Relay != nil {
		opts = append(opts, WithRelayPinger(p.Relay))
	}
	if p.PortMap != nil {
		opts = append(opts, WithPortMapProber(p.PortMap))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	c, err := NewClient(p.Config.Netcheck, opts...)
	if err != nil {
		return Result{}, err
	}
	return Result{Client: c}, nil
}

func registerLifecycle(lc fx.Lifecycle, c *Client, bus pkgif.EventBus) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sub, err := bus.Subscribe(new(types.EvtNetworkChanged), eventbus.BufSize(8))
			if err != nil {
				return err
			}
			go func() {
				defer func() { done <- struct{}{} }()
				defer sub.Close()
				eventbus.Each(ctx, sub, func(types.EvtNetworkChanged) {
					c.NetworkChanged(ctx)
				})
			}()
			go func() {
				defer func() { done <- struct{}{} }()
				c.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-stopCtx.Done():
					return stopCtx.Err()
				}
			}
			return nil
		},
	})
}
