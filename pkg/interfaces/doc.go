// Package interfaces 定义 magicnet 跨模块接口
//
// 具体实现位于 internal/core 下的各模块，
// 模块之间只通过这里的接口相互引用，避免循环依赖。
package interfaces
