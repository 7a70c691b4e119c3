package config

import (
	"errors"
	"time"
)

// SocketConfig 虚拟套接字配置
type SocketConfig struct {
	// ListenAddr UDP 监听地址，端口为 0 时由系统分配
	ListenAddr string `json:"listen_addr"`

	// PendingQueueSize 无可用路径时每个对端最多缓存的待发送包数
	PendingQueueSize int `json:"pending_queue_size"`

	// InboundQueueSize 接收队列长度
	InboundQueueSize int `json:"inbound_queue_size"`

	// UnknownSourceLogInterval 来源不明数据包的日志最小间隔
	UnknownSourceLogInterval Duration `json:"unknown_source_log_interval"`
}

// DefaultSocketConfig 返回默认套接字配置
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		ListenAddr:               "0.0.0.0:0",
		PendingQueueSize:         32,
		InboundQueueSize:         1024,
		UnknownSourceLogInterval: Duration(5 * time.Second),
	}
}

// Validate 验证套接字配置
func (c SocketConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.PendingQueueSize <= 0 {
		return errors.New("pending queue size must be positive")
	}
	if c.InboundQueueSize <= 0 {
		return errors.New("inbound queue size must be positive")
	}
	return nil
}
