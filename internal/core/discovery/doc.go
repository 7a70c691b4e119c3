// Package discovery 把外部发现机制的对端地址更新投递给路径管理器
//
// 发现源（Feed）以推送或轮询方式产生 (PeerID, 候选地址, 中继) 更新，
// Coordinator 负责去重并转发。更新的到达顺序不影响结果，重复更新在窗口内只投递一次。
//
// 对端也可以发布签名记录（Record），由 dnsfeed 等发现源校验签名与序列号后转换为更新。
package discovery
