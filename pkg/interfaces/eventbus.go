package interfaces

// EventBus 进程内事件总线
//
// 事件类型以指针传入，如 new(types.EvtPathChanged)。
// 发射器与订阅者都按事件的具体类型匹配。
type EventBus interface {
	Subscribe(eventType any, opts ...SubscriptionOpt) (Subscription, error)
	Emitter(eventType any, opts ...EmitterOpt) (Emitter, error)
}

// Subscription 单个订阅，缓冲区满时新事件被丢弃
type Subscription interface {
	Out() <-chan any
	Close() error
}

// Emitter 单一事件类型的发射器
type Emitter interface {
	Emit(event any) error
	Close() error
}

// SubscriptionOpt 订阅选项
type SubscriptionOpt func(*SubscriptionSettings)

// EmitterOpt 发射器选项
type EmitterOpt func(*EmitterSettings)

// SubscriptionSettings 订阅设置
type SubscriptionSettings struct {
	// Buffer 订阅通道容量
	Buffer int
}

// EmitterSettings 发射器设置
type EmitterSettings struct {
	// Stateful 新订阅者先收到最后一个事件
	Stateful bool
}
