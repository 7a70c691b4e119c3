// Package config 提供 magicnet 的统一配置
//
// 主 Config 嵌入所有子配置，每个子配置在独立文件中定义，
// 各自提供 DefaultXxxConfig() 与 Validate()。
//
//	cfg := config.NewConfig()
//	cfg.Relay.URLs = []string{"https://relay.example.com"}
//	if err := cfg.Validate(); err != nil { ... }
//
//	// 预设
//	cfg := config.NewPresetConfig("test")
//
//	// JSON
//	cfg, err := config.FromJSON(data)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config magicnet 完整配置
type Config struct {
	// Identity 身份配置
	Identity IdentityConfig `json:"identity"`

	// Socket 虚拟套接字配置
	Socket SocketConfig `json:"socket"`

	// Relay 中继客户端配置
	Relay RelayConfig `json:"relay"`

	// Netcheck 网络探测配置
	Netcheck NetcheckConfig `json:"netcheck"`

	// Path 路径管理配置
	Path PathConfig `json:"path"`

	// Discovery 地址发现配置
	Discovery DiscoveryConfig `json:"discovery"`

	// PortMap 端口映射配置
	PortMap PortMapConfig `json:"portmap"`

	// Netmon 网络变化监测配置
	Netmon NetmonConfig `json:"netmon"`

	// QUIC QUIC 传输配置
	QUIC QUICConfig `json:"quic"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics"`

	// Log 日志配置
	Log LogConfig `json:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Identity:  DefaultIdentityConfig(),
		Socket:    DefaultSocketConfig(),
		Relay:     DefaultRelayConfig(),
		Netcheck:  DefaultNetcheckConfig(),
		Path:      DefaultPathConfig(),
		Discovery: DefaultDiscoveryConfig(),
		PortMap:   DefaultPortMapConfig(),
		Netmon:    DefaultNetmonConfig(),
		QUIC:      DefaultQUICConfig(),
		Metrics:   DefaultMetricsConfig(),
		Log:       DefaultLogConfig(),
	}
}

// Validate 验证所有子配置
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	checks := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"identity", c.Identity},
		{"socket", c.Socket},
		{"relay", c.Relay},
		{"netcheck", c.Netcheck},
		{"path", c.Path},
		{"discovery", c.Discovery},
		{"portmap", c.PortMap},
		{"netmon", c.Netmon},
		{"quic", c.QUIC},
		{"metrics", c.Metrics},
		{"log", c.Log},
	}
	for _, ch := range checks {
		if err := ch.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}

// FromJSON 从 JSON 加载配置，未出现的字段保留默认值
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToJSON 序列化配置
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
