package magicsock

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/portmap"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
)

var log = logger.Logger("core.magicsock")

// Params 模块输入
type Params struct {
	fx.In

	Config   *config.Config
	KeyPair  *identity.KeyPair
	EventBus pkgif.EventBus
	PathMgr  *pathmgr.Manager
	Relay    *relay.Manager   `optional:"true"`
	Netcheck *netcheck.Client `optional:"true"`
	PortMap  *portmap.Mapper  `optional:"true"`
	Clock    clock.Clock      `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Conn *Conn
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("magicsock",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 绑定虚拟套接字
func Provide(p Params) (Result, error) {
	opts := []Option{WithEventBus(p.EventBus)}
	if p.Relay != nil {
		opts = append(opts, WithRelay(p.Relay))
	}
	if p.Netcheck != nil {
		opts = append(opts, WithNetcheck(p.Netcheck))
	}
	if p.PortMap != nil {
		opts = append(opts, WithPortMapper(p.PortMap))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	c, err := NewConn(p.KeyPair, p.PathMgr, p.Config.Socket, opts...)
	if err != nil {
		return Result{}, err
	}
	return Result{Conn: c}, nil
}

func registerLifecycle(lc fx.Lifecycle, c *Conn) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return c.Start()
		},
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
}
