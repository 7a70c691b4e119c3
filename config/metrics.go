package config

import "errors"

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enable 是否注册 Prometheus 指标
	Enable bool `json:"enable"`

	// Namespace 指标命名空间
	Namespace string `json:"namespace"`

	// ListenAddr /metrics 的 HTTP 监听地址，为空则不启动 HTTP 服务
	ListenAddr string `json:"listen_addr,omitempty"`
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enable:    false,
		Namespace: "magicnet",
	}
}

// Validate 验证指标配置
func (c MetricsConfig) Validate() error {
	if c.Enable && c.Namespace == "" {
		return errors.New("namespace is required")
	}
	return nil
}
