// Package identity 管理节点身份与密钥
//
// 节点身份是一个 Ed25519 密钥对，PeerID 即 Ed25519 公钥。
// 同一密钥经 RFC 7748 转换得到 X25519 密钥，用于 nacl/box 封装：
//   - 中继握手中的 ClientInfo/ServerInfo
//   - 点对点发现消息（ping/pong/call-me-maybe）
//
// 任何封装消息无法打开都归类为 types.ErrAuthenticationFailure。
package identity
