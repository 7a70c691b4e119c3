// Package magicsock 实现虚拟套接字
//
// Conn 对上层（QUIC）表现为一个 net.PacketConn：每个对端有一个稳定的逻辑地址，
// 无论底层当前走直连 UDP 还是中继。
//
// 接收：
//   - UDP 接收循环按包类型分流：STUN 响应交给 netcheck，发现消息（disco）解封后交给
//     路径管理器，其余数据按源地址归属到对端
//   - 中继接收循环按中继帧头部的对端归属数据
//   - 无法归属的包静默丢弃，仅限速记录日志
//
// 发送：
//   - 通过路径管理器 Route 获取活跃路径，写 UDP 或交给中继
//   - 没有可用路径时进入每对端有界队列，路径出现后按序发出；溢出丢弃最旧的包并发射事件
//   - 不会因为"没有路径"返回错误
//
// 使用示例：
//
//	c, err := magicsock.NewConn(kp, pm, cfg.Socket,
//	    magicsock.WithRelay(rm),
//	    magicsock.WithNetcheck(nc),
//	    magicsock.WithEventBus(bus))
//	if err != nil { ... }
//	c.Start()
//	defer c.Close()
//
//	_ = c.SendTo(peer, []byte("ping"))
//	for from, data := range c.Packets(ctx) { ... }
package magicsock
