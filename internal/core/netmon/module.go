package netmon

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
)

var log = logger.Logger("core.netmon")

// Params 模块输入
type Params struct {
	fx.In

	Config   *config.Config
	EventBus pkgif.EventBus
	Clock    clock.Clock `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Monitor *Monitor
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("netmon",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建监测器；配置禁用时不提供
func Provide(p Params) (Result, error) {
	if !p.Config.Netmon.Enable {
		return Result{}, nil
	}
	opts := []Option{WithEventBus(p.EventBus)}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	m, err := New(p.Config.Netmon, opts...)
	if err != nil {
		return Result{}, err
	}
	return Result{Monitor: m}, nil
}

type lifecycleParams struct {
	fx.In

	LC      fx.Lifecycle
	Monitor *Monitor `optional:"true"`
}

func registerLifecycle(p lifecycleParams) {
	if p.Monitor == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				p.Monitor.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return p.Monitor.Close()
		},
	})
}
