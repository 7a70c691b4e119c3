// Package types 定义 magicnet 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 magicnet 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据：
//   - PeerID: 节点身份（Ed25519 公钥）
//   - CandidateAddress: 候选直连地址
//   - Path / PeerState: 路径与路径状态机状态
//   - NATType / Report: 网络探测结果
//   - Evt*: 事件总线上的事件
package types
