// Package pathmgr 维护对端记录并为每个对端选择活跃路径
//
// 每个对端的状态机：
//
//	Unknown → RelayOnly → Probing → Direct
//	Probing → RelayOnly（探测全部超时）
//	Direct  → RelayOnly（直连静默超过存活窗口）
//	任意    → Unknown（候选被清除或中继预算耗尽）
//
// 直连只在收到与未决探测 nonce 匹配的认证 pong 后才生效，
// 同一时刻只有一条活跃路径。对端之间互不阻塞，每个对端的状态转换由该对端自己的锁串行化。
// 所有定时器都来自注入的 clock.Clock。
package pathmgr
