// Package metrics 把事件总线上的路径与中继事件汇总为 Prometheus 指标
//
// 指标只是事件的旁路观察者，不参与任何决策。
//
// # 指标
//
//   - path_transitions_total{from,to,reason}   路径状态迁移
//   - probes_total{result}                     探测开始/成功/超时
//   - probe_rtt_seconds                        成功探测的往返时延
//   - packets_dropped_total{reason}            丢包原因
//   - relay_state{relay}                       中继连接状态（RelayState 数值）
//   - relay_latency_seconds{relay}             最近报告中的中继时延
//   - nat_type{type}                           最近报告的 NAT 分类（当前类型为 1）
//   - socket_packets_total{path,dir}           虚拟套接字收发计数
//
// # 使用示例
//
//	c, _ := metrics.New(cfg.Metrics)
//	go c.Run(ctx, bus)
//	http.Handle("/metrics", c.Handler())
package metrics
