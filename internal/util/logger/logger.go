// Package logger 提供 magicnet 的统一日志系统
//
// 基于标准库 log/slog，按子系统控制级别：
//
//	var log = logger.Logger("core.pathmgr")
//
//	log.Info("路径升级为直连", "peer", peer.ShortString(), "addr", addr)
//
// 环境变量：
//
//	MAGICNET_LOG_LEVEL=pathmgr=debug,relay=warn,info
//	MAGICNET_LOG_FORMAT=json
//	MAGICNET_LOG_ADD_SOURCE=false
//
// 子系统级别既可以写完整名称（core.pathmgr），也可以写最后一段（pathmgr）。
// 运行时也可以通过 Configure 用配置文件中的设置覆盖环境变量。
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger 获取指定子系统的 Logger
//
// 同一子系统多次调用返回相同实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := current()
	h := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg.Format, cfg.AddSource)
	l := slog.New(h)

	actual, loaded := loggers.LoadOrStore(subsystem, l)
	if !loaded {
		handlers.Store(subsystem, h)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).setLevel(level)
	}
}

// Configure 用显式配置覆盖环境变量配置
//
// levels 的格式与 MAGICNET_LOG_LEVEL 相同；已创建的 Logger 立即按新级别生效，
// 输出格式只影响之后新建的 Logger。
func Configure(levels string, format string) {
	cfg := parseConfig(levels, format, "")
	setCurrent(cfg)
	handlers.Range(func(key, value any) bool {
		value.(*subsystemHandler).setLevel(cfg.LevelForSubsystem(key.(string)))
		return true
	})
}

// Discard 返回一个丢弃所有日志的 Logger（用于测试）
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// SetOutput 设置全局日志输出目标
//
// 已创建的 Logger 也会立即切换到新的输出。
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}
