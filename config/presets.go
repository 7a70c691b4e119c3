package config

import "time"

// 预设名称
const (
	PresetDesktop = "desktop"
	PresetServer  = "server"
	PresetTest    = "test"
)

// NewPresetConfig 按预设名称创建配置，未知名称返回默认配置
func NewPresetConfig(name string) *Config {
	cfg := NewConfig()
	ApplyPreset(cfg, name)
	return cfg
}

// ApplyPreset 将预设应用到现有配置
func ApplyPreset(cfg *Config, name string) {
	switch name {
	case PresetServer:
		// 服务器通常有公网地址，不需要端口映射
		cfg.PortMap.EnableNATPMP = false
		cfg.PortMap.EnableUPnP = false
		cfg.Netcheck.Interval = Duration(time.Minute)
	case PresetTest:
		// 测试环境：本机回环、无端口映射、短超时
		cfg.Socket.ListenAddr = "127.0.0.1:0"
		cfg.PortMap.EnableNATPMP = false
		cfg.PortMap.EnableUPnP = false
		cfg.Netmon.Enable = false
		cfg.Netcheck.Interval = 0
		cfg.Netcheck.CaptivePortalCheck = false
		cfg.Netcheck.Timeout = Duration(2 * time.Second)
		cfg.Netcheck.STUNTimeout = Duration(500 * time.Millisecond)
		cfg.Netcheck.ExtraLocalPorts = 0
		cfg.Relay.DialTimeout = Duration(2 * time.Second)
		cfg.Relay.ReconnectBackoffBase = Duration(10 * time.Millisecond)
		cfg.Relay.MaxReconnectBackoff = Duration(200 * time.Millisecond)
		cfg.Relay.InsecureSkipVerify = true
		cfg.Path.ProbeTimeout = Duration(time.Second)
		cfg.Path.ProbeBackoffBase = Duration(100 * time.Millisecond)
		cfg.Path.ProbeBackoffMax = Duration(time.Second)
	}
}
