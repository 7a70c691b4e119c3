package config

import (
	"errors"
	"time"
)

// PortMapConfig 端口映射配置
//
// 端口映射只为本地端点提供额外候选地址，任何失败都不影响连通性。
type PortMapConfig struct {
	// EnableNATPMP 是否启用 NAT-PMP
	EnableNATPMP bool `json:"enable_natpmp"`

	// EnableUPnP 是否探测 UPnP 网关
	EnableUPnP bool `json:"enable_upnp"`

	// Timeout 单次网关操作超时
	Timeout Duration `json:"timeout"`

	// Lifetime 映射租期
	Lifetime Duration `json:"lifetime"`
}

// DefaultPortMapConfig 返回默认端口映射配置
func DefaultPortMapConfig() PortMapConfig {
	return PortMapConfig{
		EnableNATPMP: true,
		EnableUPnP:   true,
		Timeout:      Duration(3 * time.Second),
		Lifetime:     Duration(2 * time.Hour),
	}
}

// Validate 验证端口映射配置
func (c PortMapConfig) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Lifetime < Duration(time.Minute) {
		return errors.New("lifetime must be at least one minute")
	}
	return nil
}
