package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-magicnet/internal/util/logger"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
)

var log = logger.Logger("core.eventbus")

var (
	// ErrInvalidEventType 无效的事件类型
	ErrInvalidEventType = errors.New("eventbus: invalid event type")
	// ErrNonPointerType 订阅或发射时传入了非指针类型
	ErrNonPointerType = errors.New("eventbus: event type must be a pointer")
	// ErrEmitterClosed 发射器已关闭
	ErrEmitterClosed = errors.New("eventbus: emitter closed")
	// ErrWrongType 发射的事件与发射器类型不符
	ErrWrongType = errors.New("eventbus: event type mismatch")
)

// defaultBuffer 订阅默认缓冲区
const defaultBuffer = 16

// Bus 事件总线
type Bus struct {
	mu    sync.Mutex
	nodes map[reflect.Type]*node

	dropped atomic.Int64
}

var _ pkgif.EventBus = (*Bus)(nil)

// node 单个事件类型的订阅者集合
type node struct {
	mu       sync.Mutex
	typ      reflect.Type
	sinks    []*Subscription
	emitters int
	keepLast bool
	last     any
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{nodes: make(map[reflect.Type]*node)}
}

// Subscribe 订阅事件，eventType 为事件类型的指针，如 new(types.EvtPathChanged)
func (b *Bus) Subscribe(eventType any, opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	settings := pkgif.SubscriptionSettings{Buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.Buffer < 0 {
		return nil, fmt.Errorf("eventbus: negative buffer %d", settings.Buffer)
	}

	sub := &Subscription{bus: b, out: make(chan any, settings.Buffer)}
	b.withNode(typ, func(n *node) {
		sub.node = n
		n.sinks = append(n.sinks, sub)
		if n.keepLast && n.last != nil {
			select {
			case sub.out <- n.last:
			default:
			}
		}
	})
	return sub, nil
}

// Emitter 获取事件发射器
func (b *Bus) Emitter(eventType any, opts ...pkgif.EmitterOpt) (pkgif.Emitter, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	var settings pkgif.EmitterSettings
	for _, opt := range opts {
		opt(&settings)
	}

	em := &Emitter{bus: b}
	b.withNode(typ, func(n *node) {
		em.node = n
		n.emitters++
		if settings.Stateful {
			n.keepLast = true
		}
	})
	return em, nil
}

// typeCount 返回仍有订阅者或发射器的事件类型数
func (b *Bus) typeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

// Dropped 返回因订阅者缓冲区满而丢弃的事件总数
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func elemType(eventType any) (reflect.Type, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	typ := reflect.TypeOf(eventType)
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	return typ.Elem(), nil
}

// withNode 在总线锁与节点锁下操作节点，节点不存在时创建
func (b *Bus) withNode(typ reflect.Type, fn func(*node)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}
	n.mu.Lock()
	fn(n)
	n.mu.Unlock()
}

// maybeDrop 节点没有订阅者与发射器时移除
func (b *Bus) maybeDrop(n *node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n.mu.Lock()
	idle := len(n.sinks) == 0 && n.emitters == 0
	n.mu.Unlock()
	if idle && b.nodes[n.typ] == n {
		delete(b.nodes, n.typ)
	}
}

// emit 非阻塞地投递事件
func (n *node) emit(b *Bus, event any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.keepLast {
		n.last = event
	}
	for _, sub := range n.sinks {
		select {
		case sub.out <- event:
		default:
			// 每丢弃 100 个事件警告一次
			if d := b.dropped.Add(1); d%100 == 1 {
				log.Warn("慢消费者，事件被丢弃", "type", n.typ.String(), "dropped", d)
			}
		}
	}
}
