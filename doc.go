// Package magicnet 提供自适应路径选择的点对点数据报传输
//
// 节点以公钥 PeerID 寻址对端。连接建立时先经由中继（DERP 兼容协议）
// 保证可达，随后在后台进行 STUN 探测与打洞；直连路径验证成功后
// 流量无缝切换到直连，直连失效时自动回落到中继。
//
// # 快速开始
//
//	node, err := magicnet.New(
//	    magicnet.WithPreset(config.PresetDesktop),
//	    magicnet.WithRelays("https://relay.example.com"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	// 告知对端的中继与已知地址
//	node.AddPeer(peer, "https://relay.example.com")
//
//	// 数据报
//	node.Conn().SendTo(peer, []byte("hello"))
//
//	// 或在虚拟套接字之上使用 QUIC
//	qc, err := node.QUIC().Dial(ctx, peer)
//
// # 组件
//
//   - magicsock: 虚拟套接字，实现 net.PacketConn
//   - pathmgr: 每个对端的路径状态机
//   - relay: 中继客户端
//   - netcheck: 网络状况探测
//   - discovery: 对端地址发现
//   - transport/quic: 基于虚拟套接字的 QUIC
//
// 各组件通过 fx 组装，见 buildFxApp。
package magicnet
