package eventbus

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Subscription 事件订阅
type Subscription struct {
	bus       *Bus
	node      *node
	out       chan any
	closeOnce sync.Once
}

// Out 返回事件通道，Close 后通道关闭
func (s *Subscription) Out() <-chan any {
	return s.out
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		n := s.node
		n.mu.Lock()
		for i, sink := range n.sinks {
			if sink == s {
				n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
				break
			}
		}
		// 持有节点锁时关闭，emit 不会再写入
		close(s.out)
		n.mu.Unlock()
		s.bus.maybeDrop(n)
	})
	return nil
}

// Emitter 事件发射器
type Emitter struct {
	bus    *Bus
	node   *node
	closed atomic.Bool
}

// Emit 发射事件，event 的类型必须与创建发射器时一致
func (e *Emitter) Emit(event any) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	if reflect.TypeOf(event) != e.node.typ {
		return ErrWrongType
	}
	e.node.emit(e.bus, event)
	return nil
}

// Close 关闭发射器，可重复调用
func (e *Emitter) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.node.mu.Lock()
	e.node.emitters--
	e.node.mu.Unlock()
	e.bus.maybeDrop(e.node)
	return nil
}
