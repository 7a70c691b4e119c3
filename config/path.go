package config

import (
	"errors"
	"time"
)

// PathConfig 路径管理配置
type PathConfig struct {
	// ProbeTimeout 单次直连探测（ping）等待 pong 的时限
	ProbeTimeout Duration `json:"probe_timeout"`

	// LivenessThreshold 直连路径的静默检查周期
	LivenessThreshold Duration `json:"liveness_threshold"`

	// LivenessMisses 连续多少个检查周期没有收到数据后降级到中继
	LivenessMisses int `json:"liveness_misses"`

	// HeartbeatInterval 直连路径上发送心跳 ping 的间隔
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// MaxConcurrentProbes 每个对端同时进行的探测上限
	MaxConcurrentProbes int `json:"max_concurrent_probes"`

	// ProbeBackoffBase 探测失败后的初始退避
	ProbeBackoffBase Duration `json:"probe_backoff_base"`

	// ProbeBackoffMax 探测退避上限
	ProbeBackoffMax Duration `json:"probe_backoff_max"`

	// MaxProbeFailures 连续失败多少次后降低候选地址优先级
	MaxProbeFailures int `json:"max_probe_failures"`

	// CandidateTTL 候选地址多久未更新后过期
	CandidateTTL Duration `json:"candidate_ttl"`
}

// DefaultPathConfig 返回默认路径管理配置
func DefaultPathConfig() PathConfig {
	return PathConfig{
		ProbeTimeout:        Duration(5 * time.Second),
		LivenessThreshold:   Duration(3 * time.Second),
		LivenessMisses:      2,
		HeartbeatInterval:   Duration(2 * time.Second),
		MaxConcurrentProbes: 4,
		ProbeBackoffBase:    Duration(1 * time.Second),
		ProbeBackoffMax:     Duration(30 * time.Second),
		MaxProbeFailures:    4,
		CandidateTTL:        Duration(10 * time.Minute),
	}
}

// Validate 验证路径管理配置
func (c PathConfig) Validate() error {
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.LivenessThreshold <= 0 || c.LivenessMisses <= 0 {
		return errors.New("liveness threshold and misses must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LivenessThreshold*Duration(c.LivenessMisses) {
		return errors.New("heartbeat interval must be positive and shorter than the liveness window")
	}
	if c.MaxConcurrentProbes <= 0 {
		return errors.New("max concurrent probes must be positive")
	}
	if c.ProbeBackoffBase <= 0 || c.ProbeBackoffMax < c.ProbeBackoffBase {
		return errors.New("probe backoff must satisfy 0 < base <= max")
	}
	if c.MaxProbeFailures <= 0 {
		return errors.New("max probe failures must be positive")
	}
	if c.CandidateTTL <= 0 {
		return errors.New("candidate ttl must be positive")
	}
	return nil
}
