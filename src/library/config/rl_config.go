package config

import "golang.org/x/time/rate"

// RLConfig 限流器配置
type RLConfig struct {
	Rate  rate.Limit `yaml:"rate"`  // 每秒允许的事件数
	Burst int        `yaml:"burst"` // 令牌桶的容量
}

// NewLimiter 创建令牌桶限流器，Rate<=0 表示不限流
func (c RLConfig) NewLimiter() *rate.Limiter {
	if c.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(c.Rate, burst)
}
