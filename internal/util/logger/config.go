package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogFormat 日志输出格式
type LogFormat int

const (
	// FormatText 文本格式（默认）
	FormatText LogFormat = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// Config 日志配置
type Config struct {
	// DefaultLevel 默认日志级别
	DefaultLevel slog.Level

	// SubsystemLevels 各子系统的日志级别
	SubsystemLevels map[string]slog.Level

	// Format 输出格式
	Format LogFormat

	// AddSource 是否添加源码位置
	AddSource bool
}

// LevelForSubsystem 获取指定子系统的日志级别
//
// 先匹配完整名称，再匹配最后一段（core.pathmgr → pathmgr）。
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	if i := strings.LastIndexByte(subsystem, '.'); i >= 0 {
		if level, ok := c.SubsystemLevels[subsystem[i+1:]]; ok {
			return level
		}
	}
	return c.DefaultLevel
}

var (
	cfgMu  sync.RWMutex
	cfgCur *Config
)

// current 返回当前生效的配置，首次调用时从环境变量加载
func current() *Config {
	cfgMu.RLock()
	c := cfgCur
	cfgMu.RUnlock()
	if c != nil {
		return c
	}

	cfgMu.Lock()
	defer cfgMu.Unlock()
	if cfgCur == nil {
		cfgCur = parseConfig(
			os.Getenv("MAGICNET_LOG_LEVEL"),
			os.Getenv("MAGICNET_LOG_FORMAT"),
			os.Getenv("MAGICNET_LOG_ADD_SOURCE"),
		)
	}
	return cfgCur
}

func setCurrent(c *Config) {
	cfgMu.Lock()
	cfgCur = c
	cfgMu.Unlock()
}

// ResetConfig 丢弃当前配置，下次获取时重新读取环境变量（仅用于测试）
func ResetConfig() {
	setCurrent(nil)
}

// parseConfig 解析级别、格式与源码位置设置
func parseConfig(levels, format, addSource string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
	}

	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, lvl, ok := strings.Cut(part, "="); ok {
			if level, ok := ParseLevel(strings.TrimSpace(lvl)); ok {
				cfg.SubsystemLevels[strings.TrimSpace(name)] = level
			}
			continue
		}
		if level, ok := ParseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}

	if strings.EqualFold(format, "json") {
		cfg.Format = FormatJSON
	}
	cfg.AddSource = addSource == "true" || addSource == "1"
	return cfg
}

// ParseLevel 解析日志级别名称
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
