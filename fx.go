package magicnet

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/discovery"
	"github.com/dep2p/go-magicnet/internal/core/discovery/dnsfeed"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	"github.com/dep2p/go-magicnet/internal/core/metrics"
	"github.com/dep2p/go-magicnet/internal/core/netcheck"
	"github.com/dep2p/go-magicnet/internal/core/netmon"
	"github.com/dep2p/go-magicnet/internal/core/pathmgr"
	"github.com/dep2p/go-magicnet/internal/core/portmap"
	"github.com/dep2p/go-magicnet/internal/core/relay"
	"github.com/dep2p/go-magicnet/internal/core/transport/quic"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
)

// buildFxApp 构建 Fx 应用
//
// 组装所有内部模块，采用条件加载策略：
//   - 核心模块：必须加载（Identity, EventBus, PathMgr, Discovery, MagicSock）
//   - 条件模块：根据配置加载（Relay, Netcheck, PortMap, QUIC, Netmon, Metrics）
//   - 扩展模块：用户自定义 Fx 选项
//
// 加载顺序（按依赖）：
//
//	Identity → EventBus → Relay → PortMap → Netcheck → PathMgr → Discovery → MagicSock → QUIC
func buildFxApp(o *options, node *Node) (*fx.App, error) {
	cfg := o.config

	modules := []fx.Option{
		fx.Supply(cfg),

		identity.Module(),
		eventbus.Module(),
	}

	if o.keyPair != nil {
		modules = append(modules, fx.Supply(fx.Annotated{Name: "injected_key", Target: o.keyPair}))
	}
	if o.clock != nil {
		clk := o.clock
		modules = append(modules, fx.Provide(func() clock.Clock { return clk }))
	}

	// 中继与网络探测都依赖中继列表
	if hasRelays(cfg) {
		modules = append(modules,
			relay.Module(),
			netcheck.Module(),
		)
	}

	if hasPortMap(cfg) {
		modules = append(modules, portmap.Module())
	}

	modules = append(modules,
		pathmgr.Module(),
		discovery.Module(),
	)
	if cfg.Discovery.DNSDomain != "" {
		modules = append(modules, dnsfeed.Module())
	}

	modules = append(modules, magicsock.Module())

	if cfg.QUIC.Enable {
		modules = append(modules, quic.Module())
	}
	if cfg.Netmon.Enable {
		modules = append(modules, netmon.Module())
	}
	if cfg.Metrics.Enable {
		modules = append(modules, metrics.Module())
	}

	if len(o.userFxOptions) > 0 {
		modules = append(modules, o.userFxOptions...)
	}

	modules = append(modules, fx.Invoke(injectNodeComponents(node)))

	fxEvents := cfg.Log.FxEvents
	modules = append(modules, fx.WithLogger(func() fxevent.Logger {
		if fxEvents {
			if l, err := zap.NewDevelopment(); err == nil {
				return &fxevent.ZapLogger{Logger: l}
			}
		}
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	}))

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

func hasRelays(cfg *config.Config) bool {
	return len(cfg.Relay.URLs) > 0
}

func hasPortMap(cfg *config.Config) bool {
	return cfg.PortMap.EnableNATPMP || cfg.PortMap.EnableUPnP
}

// ════════════════════════════════════════════════════════════════════════════
//                              组件注入
// ════════════════════════════════════════════════════════════════════════════

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	KeyPair   *identity.KeyPair
	EventBus  pkgif.EventBus
	Conn      *magicsock.Conn
	PathMgr   *pathmgr.Manager
	Discovery *discovery.Coordinator

	Relay    *relay.Manager     `optional:"true"`
	Netcheck *netcheck.Client   `optional:"true"`
	QUIC     *quic.Transport    `optional:"true"`
	Netmon   *netmon.Monitor    `optional:"true"`
	Metrics  *metrics.Collector `optional:"true"`
}

func injectNodeComponents(node *Node) interface{} {
	return func(p nodeInjectParams) {
		node.keyPair = p.KeyPair
		node.bus = p.EventBus
		node.conn = p.Conn
		node.pathMgr = p.PathMgr
		node.discovery = p.Discovery

		node.relay = p.Relay
		node.netcheck = p.Netcheck
		node.quic = p.QUIC
		node.netmon = p.Netmon
		node.metrics = p.Metrics
	}
}
