package config

import (
	"math"

	"VisualSphere/src/library/enum"
)

// HealthCheckConfig 帧健康监控配置
type HealthCheckConfig struct {
	SampleCount      int                `yaml:"sampleCount"`      // 每帧采样像素数
	BlackThreshold   int                `yaml:"blackThreshold"`   // 黑帧连续帧阈值
	StuckThreshold   int                `yaml:"stuckThreshold"`   // 静止帧连续帧阈值
	SolidThreshold   int                `yaml:"solidThreshold"`   // 纯色帧连续帧阈值
	SolidSensitivity float64            `yaml:"solidSensitivity"` // 纯色判定的通道方差上限
	StuckEpsilon     float64            `yaml:"stuckEpsilon"`     // 相邻帧采样平均差小于等于该值视为无变化
	TierMultipliers  map[string]float64 `yaml:"tierMultipliers"`  // 按设备等级缩放阈值
}

// DefaultHealthCheckConfig 默认帧健康监控配置
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		SampleCount:      1000,
		BlackThreshold:   60,
		StuckThreshold:   120,
		SolidThreshold:   180,
		SolidSensitivity: 10,
		StuckEpsilon:     0.5,
		TierMultipliers: map[string]float64{
			enum.DeviceTierHighEnd.String():  0.5,
			enum.DeviceTierMidRange.String(): 1.0,
			enum.DeviceTierLowEnd.String():   1.25,
			enum.DeviceTierMobile.String():   1.5,
		},
	}
}

// Multiplier 返回设备等级对应的阈值倍率，未配置时为1
func (c HealthCheckConfig) Multiplier(tier enum.DeviceTier) float64 {
	if m, ok := c.TierMultipliers[tier.String()]; ok && m > 0 {
		return m
	}
	return 1.0
}

// ScaledThreshold 按倍率缩放阈值，向上取整且至少为1
func ScaledThreshold(base int, multiplier float64) int {
	v := int(math.Ceil(float64(base) * multiplier))
	if v < 1 {
		return 1
	}
	return v
}
