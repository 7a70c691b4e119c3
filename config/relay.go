package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// RelayConfig 中继客户端配置
type RelayConfig struct {
	// URLs 中继服务器列表（http/https 走 HTTP Upgrade，ws/wss 走 WebSocket）
	URLs []string `json:"urls"`

	// HomeRelay 指定首选中继，为空时使用网络探测得到的最低时延中继
	HomeRelay string `json:"home_relay,omitempty"`

	// DialTimeout 单次连接（含握手）超时
	DialTimeout Duration `json:"dial_timeout"`

	// KeepAlive 空闲多久后发送保活帧
	KeepAlive Duration `json:"keep_alive"`

	// ReadTimeout 多久没有收到任何帧视为连接失效
	ReadTimeout Duration `json:"read_timeout"`

	// ReconnectBackoffBase 重连退避初始值
	ReconnectBackoffBase Duration `json:"reconnect_backoff_base"`

	// MaxReconnectBackoff 重连退避上限
	MaxReconnectBackoff Duration `json:"max_reconnect_backoff"`

	// BackoffJitter 退避抖动比例 [0, 1)
	BackoffJitter float64 `json:"backoff_jitter"`

	// GraceWindow 断线后的宽限期，期间不降级经由该中继的对端
	GraceWindow Duration `json:"grace_window"`

	// RetryBudget 连续重连失败的最大次数，超出后视为该中继不可用
	RetryBudget int `json:"retry_budget"`

	// SendQueueSize 每个会话的发送队列长度
	SendQueueSize int `json:"send_queue_size"`

	// InsecureSkipVerify 跳过 TLS 证书验证（仅测试）
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// DefaultRelayConfig 返回默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URLs:                 nil,
		DialTimeout:          Duration(10 * time.Second),
		KeepAlive:            Duration(60 * time.Second),
		ReadTimeout:          Duration(120 * time.Second),
		ReconnectBackoffBase: Duration(100 * time.Millisecond),
		MaxReconnectBackoff:  Duration(10 * time.Second),
		BackoffJitter:        0.2,
		GraceWindow:          Duration(5 * time.Second),
		RetryBudget:          10,
		SendQueueSize:        256,
	}
}

// Validate 验证中继配置
func (c RelayConfig) Validate() error {
	for _, raw := range c.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid relay url %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("invalid relay url %q: unsupported scheme", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid relay url %q: missing host", raw)
		}
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be positive")
	}
	if c.KeepAlive <= 0 {
		return errors.New("keep alive must be positive")
	}
	if c.ReadTimeout <= c.KeepAlive {
		return errors.New("read timeout must exceed keep alive")
	}
	if c.ReconnectBackoffBase <= 0 || c.MaxReconnectBackoff < c.ReconnectBackoffBase {
		return errors.New("reconnect backoff must satisfy 0 < base <= max")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return errors.New("backoff jitter must be in [0, 1)")
	}
	if c.GraceWindow < 0 {
		return errors.New("grace window must not be negative")
	}
	if c.RetryBudget <= 0 {
		return errors.New("retry budget must be positive")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("send queue size must be positive")
	}
	return nil
}
