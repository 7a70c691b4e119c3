package pathmgr

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var log = logger.Logger("core.pathmgr")

// Params 模块输入
type Params struct {
	fx.In

	Config   *config.Config
	KeyPair  *identity.KeyPair
	EventBus pkgif.EventBus
	Relay    *relay.Manager `optional:"true"`
	Clock    clock.Clock    `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Manager *Manager
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("pathmgr",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建路径管理器，并注册为中继通知接收方
func Provide(p Params) (Result, error) {
	opts := []Option{WithEventBus(p.EventBus)}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	m, err := NewManager(p.KeyPair.PeerID(), p.Config.Path, opts...)
	if err != nil {
		return Result{}, err
	}
	if p.Relay != nil {
		p.Relay.SetHandler(m)
	}
	return Result{Manager: m}, nil
}

type lifecycleParams struct {
	fx.In

	LC       fx.Lifecycle
	Manager  *Manager
	EventBus pkgif.EventBus
	Relay    *relay.Manager `optional:"true"`
}

func registerLifecycle(p lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m := p.Manager
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if p.Relay != nil {
				m.SetHomeRelay(p.Relay.Home())
			}
			reports, err := p.EventBus.Subscribe(new(types.EvtReportUpdated), eventbus.BufSize(4))
			if err != nil {
				return err
			}
			changes, err := p.EventBus.Subscribe(new(types.EvtNetworkChanged), eventbus.BufSize(8))
			if err != nil {
				_ = reports.Close()
				return err
			}
			go func() {
				defer close(done)
				defer reports.Close()
				defer changes.Close()
				go eventbus.Each(ctx, changes, func(types.EvtNetworkChanged) { m.NetworkChanged() })
				go m.Run(ctx)
				eventbus.Each(ctx, reports, func(ev types.EvtReportUpdated) { m.SetReport(ev.Report) })
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return m.Close()
		},
	})
}
