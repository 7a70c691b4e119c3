package discovery

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/util/logger"
)

var log = logger.Logger("core.discovery")

// FeedGroup 发现源的 fx 值组名
const FeedGroup = "discovery_feeds"

// pushBuffer 推送发现源的缓冲区大小
const pushBuffer = 256

// Params 模块输入
type Params struct {
	fx.In

	Config  *config.Config
	PathMgr *pathmgr.Manager
	Feeds   []Feed      `group:"discovery_feeds"`
	Clock   clock.Clock `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Coordinator *Coordinator
	Push        *ChanFeed
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("discovery",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建协调器：静态对端、推送源以及值组中的其他发现源
func Provide(p Params) (Result, error) {
	cfg := p.Config.Discovery
	c := NewCoordinator(p.PathMgr, cfg.DedupeWindow.Duration(), p.Clock)
	if len(cfg.KnownPeers) > 0 {
		static, err := NewStaticFeed(cfg.KnownPeers)
		if err != nil {
			return Result{}, err
		}
		c.AddFeed(static)
	}
	push := NewChanFeed("push", pushBuffer)
	c.AddFeed(push)
	for _, f := range p.Feeds {
		if f != nil {
			c.AddFeed(f)
		}
	}
	p.PathMgr.SetDiscoverer(c)
	return Result{Coordinator: c, Push: push}, nil
}

func registerLifecycle(lc fx.Lifecycle, c *Coordinator) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			names := make([]string, 0)
			for _, f := range c.Feeds() {
				names = append(names, f.Name())
			}
			log.Info("启动地址发现", "feeds", names)
			go func() {
				defer close(done)
				_ = c.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
