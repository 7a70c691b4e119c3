// Package relay 实现中继客户端
//
// 中继服务器（DERP 兼容）在一条持久的认证流上为节点转发以 PeerID 寻址的数据包。
// 直连不可用时，所有流量都经由中继；直连建立之前，打洞协调消息也经由中继。
//
// 结构：
//   - protocol.go: 帧格式与帧类型
//   - handshake.go: ServerKey/ClientInfo/ServerInfo 握手
//   - dial.go: HTTP Upgrade 与 WebSocket 两种拨号方式
//   - session.go: 单个中继的会话（重连、保活、宽限期、重试预算）
//   - manager.go: 按 URL 管理会话的引用计数、聚合接收
package relay
