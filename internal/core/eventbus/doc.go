// Package eventbus 实现按类型分发的事件总线
//
// 路径状态变化、探测结果、中继状态等都以事件形式发布。
// 发布永远不阻塞：订阅者缓冲区满时事件被丢弃并计数，
// 状态机的调用方因此不会被慢消费者拖住。
//
//	em, _ := bus.Emitter(new(types.EvtPathChanged))
//	_ = em.Emit(types.EvtPathChanged{...})
//
//	sub, _ := bus.Subscribe(new(types.EvtPathChanged), eventbus.BufSize(64))
//	go eventbus.Each(ctx, sub, func(e types.EvtPathChanged) { ... })
package eventbus
