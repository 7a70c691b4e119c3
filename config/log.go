package config

import "fmt"

// LogConfig 日志配置
type LogConfig struct {
	// Level 级别设置，格式同 MAGICNET_LOG_LEVEL，例如 "pathmgr=debug,info"；
	// 为空时沿用环境变量
	Level string `json:"level,omitempty"`

	// Format 输出格式：text 或 json
	Format string `json:"format,omitempty"`

	// FxEvents 是否输出依赖注入框架的事件日志
	FxEvents bool `json:"fx_events,omitempty"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{}
}

// Validate 验证日志配置
func (c LogConfig) Validate() error {
	switch c.Format {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
}
