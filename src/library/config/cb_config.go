package config

import (
	"time"

	"github.com/sony/gobreaker"
)

// sessionTimeout 熔断器打开后到半开的等待时间，远大于任何会话时长，相当于会话内永不自动恢复
const sessionTimeout = 100 * 365 * 24 * time.Hour

// CBConfig 编译层级熔断器配置
type CBConfig struct {
	MaxFailures uint32 `yaml:"maxFailures"` // 连续失败多少次后打开熔断器
	NamePrefix  string `yaml:"namePrefix"`  // 熔断器名称前缀
}

// DefaultCBConfig 默认熔断器配置
func DefaultCBConfig() CBConfig {
	return CBConfig{
		MaxFailures: 3,
		NamePrefix:  "compile",
	}
}

// Settings 生成层级熔断器的 gobreaker 配置
// Interval 为0表示关闭状态下计数只在成功时清零；Timeout 取会话级长度，打开后只能显式重置
func (c CBConfig) Settings(tier string, onStateChange func(name string, from, to gobreaker.State)) gobreaker.Settings {
	limit := c.MaxFailures
	return gobreaker.Settings{
		Name:        c.NamePrefix + "/" + tier,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     sessionTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: onStateChange,
	}
}
