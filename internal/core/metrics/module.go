package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
)

var log = logger.Logger("core.metrics")

// Params 模块输入
type Params struct {
	fx.In

	Config *config.Config
	Conn   *magicsock.Conn `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Collector *Collector
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(Provide),
		fx.Invoke(registerLifecycle),
	)
}

// Provide 创建收集器；配置禁用时不提供
func Provide(p Params) (Result, error) {
	cfg := p.Config.Metrics
	if !cfg.Enable {
		return Result{}, nil
	}
	c, err := New(cfg)
	if err != nil {
		return Result{}, err
	}
	if p.Conn != nil {
		if err := c.WatchSocket(cfg.Namespace, p.Conn); err != nil {
			return Result{}, err
		}
	}
	return Result{Collector: c}, nil
}

type lifecycleParams struct {
	fx.In

	LC        fx.Lifecycle
	Config    *config.Config
	EventBus  pkgif.EventBus
	Collector *Collector `optional:"true"`
}

func registerLifecycle(p lifecycleParams) {
	if p.Collector == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var srv *http.Server
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := p.Collector.Run(ctx, p.EventBus); err != nil {
					log.Warn("指标收集退出", "err", err)
				}
			}()
			addr := p.Config.Metrics.ListenAddr
			if addr == "" {
				return nil
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				cancel()
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", p.Collector.Handler())
			srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn("指标 HTTP 服务退出", "err", err)
				}
			}()
			log.Info("指标 HTTP 服务已启动", "addr", ln.Addr())
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			var err error
			if srv != nil {
				err = srv.Shutdown(stopCtx)
			}
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return err
		},
	})
}
