package config

import (
	"errors"
	"time"
)

// QUICConfig 运行在虚拟套接字之上的 QUIC 传输配置
type QUICConfig struct {
	// Enable 是否启用
	Enable bool `json:"enable"`

	// ALPN 应用层协议标识
	ALPN string `json:"alpn"`

	// MaxIdleTimeout 连接空闲超时
	MaxIdleTimeout Duration `json:"max_idle_timeout"`

	// KeepAlivePeriod 保活间隔
	KeepAlivePeriod Duration `json:"keep_alive_period"`

	// HandshakeTimeout 握手超时
	HandshakeTimeout Duration `json:"handshake_timeout"`
}

// DefaultQUICConfig 返回默认 QUIC 配置
func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		Enable:           true,
		ALPN:             "magicnet/1",
		MaxIdleTimeout:   Duration(30 * time.Second),
		KeepAlivePeriod:  Duration(10 * time.Second),
		HandshakeTimeout: Duration(10 * time.Second),
	}
}

// Validate 验证 QUIC 配置
func (c QUICConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.ALPN == "" {
		return errors.New("alpn is required")
	}
	if c.MaxIdleTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.KeepAlivePeriod >= c.MaxIdleTimeout {
		return errors.New("keep alive period must be shorter than idle timeout")
	}
	return nil
}
