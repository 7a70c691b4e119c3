// Package netcheck 实现可达性探测
//
// 以中继作为 STUN 应答器，从多个本地端口发出 binding 请求，
// 比较各探测观察到的外部地址来推断 NAT 行为，生成 types.Report。
// UDP 无响应时改用中继控制通道（ping 帧）区分"UDP 被阻断"和"中继不可达"。
//
// 报告按 ReportTTL 缓存，网络变化时由 Invalidate 作废。
// 所有探测都无法发出时返回 ErrNetworkUnreachable，并在下次网络变化前不再重试。
package netcheck
