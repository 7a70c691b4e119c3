package eventbus

import (
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"go.uber.org/fx"
)

// Result Fx 模块输出
type Result struct {
	fx.Out

	EventBus pkgif.EventBus
	Bus      *Bus
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("eventbus",
		fx.Provide(ProvideEventBus),
	)
}

// ProvideEventBus 提供 EventBus 实例
func ProvideEventBus() Result {
	b := NewBus()
	return Result{EventBus: b, Bus: b}
}
