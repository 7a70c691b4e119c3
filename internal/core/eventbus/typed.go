package eventbus

import (
	"context"

	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
)

// BufSize 设置订阅缓冲区大小
func BufSize(size int) pkgif.SubscriptionOpt {
	return func(s *pkgif.SubscriptionSettings) { s.Buffer = size }
}

// Stateful 设置发射器为有状态模式，新订阅者会先收到最后一个事件
func Stateful() pkgif.EmitterOpt {
	return func(s *pkgif.EmitterSettings) { s.Stateful = true }
}

// Each 依次处理订阅中的 T 类型事件，直到 ctx 取消或订阅关闭
func Each[T any](ctx context.Context, sub pkgif.Subscription, fn func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Out():
			if !ok {
				return
			}
			if e, ok := ev.(T); ok {
				fn(e)
			}
		}
	}
}

// Publisher 指定事件类型的发射器包装
//
// 总线为 nil 时所有操作都是空操作，便于单元测试中省略总线。
type Publisher[T any] struct {
	em pkgif.Emitter
}

// NewPublisher 创建 T 类型事件的发射器
func NewPublisher[T any](bus pkgif.EventBus, opts ...pkgif.EmitterOpt) (*Publisher[T], error) {
	if bus == nil {
		return &Publisher[T]{}, nil
	}
	em, err := bus.Emitter(new(T), opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{em: em}, nil
}

// Emit 发射事件，错误只在发射器关闭后出现，此处忽略
func (p *Publisher[T]) Emit(ev T) {
	if p == nil || p.em == nil {
		return
	}
	_ = p.em.Emit(ev)
}

// Close 关闭发射器
func (p *Publisher[T]) Close() error {
	if p == nil || p.em == nil {
		return nil
	}
	return p.em.Close()
}
