package config

import (
	"errors"
	"time"
)

// NetcheckConfig 网络探测配置
type NetcheckConfig struct {
	// Timeout 单次完整探测的总时限
	Timeout Duration `json:"timeout"`

	// STUNTimeout 等待 STUN 响应的时限，超时后改用中继控制通道探测
	STUNTimeout Duration `json:"stun_timeout"`

	// ProbeRetries 每个中继每个本地端口的 STUN 探测次数（首个成功即止）
	ProbeRetries int `json:"probe_retries"`

	// ProbeRetryDelay 同一探测组内相邻探测的间隔
	ProbeRetryDelay Duration `json:"probe_retry_delay"`

	// EnoughRelays 收到这么多中继的响应后提前结束探测
	EnoughRelays int `json:"enough_relays"`

	// ExtraLocalPorts 除主套接字外额外用于探测的本地端口数
	ExtraLocalPorts int `json:"extra_local_ports"`

	// STUNPort 中继上 STUN 服务的 UDP 端口
	STUNPort int `json:"stun_port"`

	// ReportTTL 报告缓存有效期
	ReportTTL Duration `json:"report_ttl"`

	// FullReportInterval 两次完整报告之间的最大间隔，其余为增量报告
	FullReportInterval Duration `json:"full_report_interval"`

	// Interval 周期性探测间隔，0 表示只按需探测
	Interval Duration `json:"interval"`

	// CaptivePortalCheck 是否在 UDP 不通时检查强制门户
	CaptivePortalCheck bool `json:"captive_portal_check"`

	// HistorySize 保留的历史报告数量
	HistorySize int `json:"history_size"`
}

// DefaultNetcheckConfig 返回默认网络探测配置
func DefaultNetcheckConfig() NetcheckConfig {
	return NetcheckConfig{
		Timeout:            Duration(5 * time.Second),
		STUNTimeout:        Duration(3 * time.Second),
		ProbeRetries:       3,
		ProbeRetryDelay:    Duration(100 * time.Millisecond),
		EnoughRelays:       3,
		ExtraLocalPorts:    2,
		STUNPort:           3478,
		ReportTTL:          Duration(2 * time.Minute),
		FullReportInterval: Duration(5 * time.Minute),
		Interval:           Duration(30 * time.Second),
		CaptivePortalCheck: true,
		HistorySize:        16,
	}
}

// Validate 验证网络探测配置
func (c NetcheckConfig) Validate() error {
	if c.Timeout <= 0 || c.STUNTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.STUNTimeout > c.Timeout {
		return errors.New("stun timeout must not exceed overall timeout")
	}
	if c.ProbeRetries <= 0 {
		return errors.New("probe retries must be positive")
	}
	if c.EnoughRelays <= 0 {
		return errors.New("enough relays must be positive")
	}
	if c.ExtraLocalPorts < 0 {
		return errors.New("extra local ports must not be negative")
	}
	if c.STUNPort <= 0 || c.STUNPort > 65535 {
		return errors.New("invalid stun port")
	}
	if c.ReportTTL <= 0 {
		return errors.New("report ttl must be positive")
	}
	if c.HistorySize <= 0 {
		return errors.New("history size must be positive")
	}
	return nil
}
