package portmap

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/util/logger"
)

var log = logger.Logger("core.portmap")

// Params 模块输入
type Params struct {
	fx.In

	Config *config.Config
	Clock  clock.Clock `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Mapper *Mapper
}

// Module 返回 Fx 模块
//
// 映射循环由虚拟套接字在绑定端口后启动。
func Module() fx.Option {
	return fx.Module("portmap",
		fx.Provide(Provide),
	)
}

// Provide 创建端口映射器；两种协议都禁用时不提供
func Provide(p Params) Result {
	cfg := p.Config.PortMap
	if !cfg.EnableNATPMP && !cfg.EnableUPnP {
		return Result{}
	}
	return Result{Mapper: NewMapper(cfg, p.Clock)}
}
