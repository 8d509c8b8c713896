package config

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 重试策略配置
type RetryPolicy struct {
	MaxElapsedTime      time.Duration `yaml:"maxElapsedTime"`
	InitialInterval     time.Duration `yaml:"initialInterval"`
	MaxInterval         time.Duration `yaml:"maxInterval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomizationFactor"`
	MaxRetries          uint64        `yaml:"maxRetries"`
}

// DefaultRetryPolicy 持久化保存的默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxElapsedTime:      10 * time.Second,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
		MaxRetries:          3,
	}
}

// NewBackOff 根据配置创建退避策略
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.InitialInterval
	policy.MaxInterval = p.MaxInterval
	policy.MaxElapsedTime = p.MaxElapsedTime
	policy.Multiplier = p.Multiplier
	policy.RandomizationFactor = p.RandomizationFactor
	if p.MaxRetries > 0 {
		return backoff.WithMaxRetries(policy, p.MaxRetries)
	}
	return policy
}
