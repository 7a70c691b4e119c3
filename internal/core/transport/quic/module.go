package quic

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/util/logger"
)

var log = logger.Logger("core.transport.quic")

// Params 模块输入
type Params struct {
	fx.In

	Config  *config.Config
	KeyPair *identity.KeyPair
	Conn    *magicsock.Conn
}

// Result 模块输出
type Result struct {
	fx.Out

	Transport *Transport
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("transport.quic",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建 QUIC 传输；配置禁用时不提供
func Provide(p Params) (Result, error) {
	if !p.Config.QUIC.Enable {
		return Result{}, nil
	}
	t, err := New(p.KeyPair, p.Conn, p.Config.QUIC)
	if err != nil {
		return Result{}, err
	}
	return Result{Transport: t}, nil
}

type lifecycleParams struct {
	fx.In

	LC        fx.Lifecycle
	Transport *Transport `optional:"true"`
}

func registerLifecycle(p lifecycleParams) {
	if p.Transport == nil {
		return
	}
	p.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return p.Transport.Close()
		},
	})
}
