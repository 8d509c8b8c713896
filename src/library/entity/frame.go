package entity

import "VisualSphere/src/library/enum"

// FrameSample 单帧采样统计，不持久化
type FrameSample struct {
	Hash             uint32     `json:"hash"`
	MeanColor        [3]float64 `json:"mean_color"`
	MeanBrightness   float64    `json:"mean_brightness"`
	BlackPixelRatio  float64    `json:"black_pixel_ratio"`
	ChannelVariance  float64    `json:"channel_variance"`
	ChangedSinceLast bool       `json:"changed_since_last"`
}

// HealthCounters 各异常条件的连续帧计数
type HealthCounters struct {
	BlackStreak int `json:"black_streak"`
	StuckStreak int `json:"stuck_streak"`
	SolidStreak int `json:"solid_streak"`
}

// FrameMetrics 单次分析的指标
type FrameMetrics struct {
	Sample     FrameSample    `json:"sample"`
	Counters   HealthCounters `json:"counters"`
	Thresholds HealthCounters `json:"thresholds"`
	Sampled    int            `json:"sampled"`
}

// AnalysisResult 帧分析结果，是分类结果而不是错误
type AnalysisResult struct {
	IsProblematic bool            `json:"is_problematic"`
	Reason        enum.ReasonCode `json:"reason_code,omitempty"`
	Confidence    float64         `json:"confidence"`
	Metrics       FrameMetrics    `json:"metrics"`
}
