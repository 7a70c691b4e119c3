package config

import (
	"errors"
	"time"
)

// NetmonConfig 网络变化监测配置
type NetmonConfig struct {
	// Enable 是否启用
	Enable bool `json:"enable"`

	// PollInterval 网卡地址轮询间隔
	PollInterval Duration `json:"poll_interval"`
}

// DefaultNetmonConfig 返回默认网络监测配置
func DefaultNetmonConfig() NetmonConfig {
	return NetmonConfig{
		Enable:       true,
		PollInterval: Duration(5 * time.Second),
	}
}

// Validate 验证网络监测配置
func (c NetmonConfig) Validate() error {
	if c.Enable && c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}
