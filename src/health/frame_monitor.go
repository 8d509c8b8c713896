package health

import (
	"math"
	"math/rand"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"

	"gonum.org/v1/gonum/stat"
)

const (
	blackPixelLuma  = 10.0
	blackRatioLimit = 0.95
	blackMeanLimit  = 5.0
	solidLumaMin    = 10.0
	solidLumaMax    = 245.0
)

// FrameMonitor 帧健康监控器，只能由渲染循环单线程调用
type FrameMonitor struct {
	cfg        config.HealthCheckConfig
	rng        *rand.Rand
	tier       enum.DeviceTier
	thresholds entity.HealthCounters
	counters   entity.HealthCounters

	// 采样位置按尺寸计算一次，之后每帧复用
	positions     []int
	width, height int

	// 上一帧状态
	hasLast  bool
	lastHash uint32
	prevRGB  []float64
	curRGB   []float64

	// 通道与亮度的暂存区
	reds, greens, blues, lumas []float64

	ring     []entity.FrameSample
	ringHead int
	ringLen  int
}

// MonitorOption 监控器选项
type MonitorOption func(*FrameMonitor)

// WithRand 注入随机源，测试时固定采样位置
func WithRand(rng *rand.Rand) MonitorOption {
	return func(m *FrameMonitor) { m.rng = rng }
}

// NewFrameMonitor 创建帧健康监控器，初始按 MidRange 计算阈值
func NewFrameMonitor(cfg config.HealthCheckConfig, opts ...MonitorOption) *FrameMonitor {
	m := &FrameMonitor{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.SetDeviceTier(enum.DeviceTierMidRange)
	return m
}

// SetDeviceTier 按设备等级缩放阈值，环形缓冲按最大阈值重新分配
func (m *FrameMonitor) SetDeviceTier(tier enum.DeviceTier) {
	mult := m.cfg.Multiplier(tier)
	m.tier = tier
	m.thresholds = entity.HealthCounters{
		BlackStreak: config.ScaledThreshold(m.cfg.BlackThreshold, mult),
		StuckStreak: config.ScaledThreshold(m.cfg.StuckThreshold, mult),
		SolidStreak: config.ScaledThreshold(m.cfg.SolidThreshold, mult),
	}
	size := m.thresholds.BlackStreak
	if m.thresholds.StuckStreak > size {
		size = m.thresholds.StuckStreak
	}
	if m.thresholds.SolidStreak > size {
		size = m.thresholds.SolidStreak
	}
	m.ring = make([]entity.FrameSample, size)
	m.ringHead, m.ringLen = 0, 0
	log.Trace("frame thresholds for %s: black=%d stuck=%d solid=%d",
		tier, m.thresholds.BlackStreak, m.thresholds.StuckStreak, m.thresholds.SolidStreak)
}

// Thresholds 当前生效的阈值
func (m *FrameMonitor) Thresholds() entity.HealthCounters { return m.thresholds }

// Counters 当前连续计数
func (m *FrameMonitor) Counters() entity.HealthCounters { return m.counters }

// Reset 清空连续计数、上一帧状态和历史，加载新程序时调用
func (m *FrameMonitor) Reset() {
	m.counters = entity.HealthCounters{}
	m.hasLast = false
	m.lastHash = 0
	m.ringHead, m.ringLen = 0, 0
}

// Analyze 分析一帧 RGBA 缓冲，每帧最多调用一次
func (m *FrameMonitor) Analyze(frame []byte, width, height int) entity.AnalysisResult {
	sample, sampled := m.sample(frame, width, height)

	black := sample.BlackPixelRatio > blackRatioLimit || sample.MeanBrightness < blackMeanLimit
	stuck := !sample.ChangedSinceLast && !black && sampled > 0
	solid := sampled > 0 && sample.ChannelVariance < m.cfg.SolidSensitivity &&
		sample.MeanBrightness > solidLumaMin && sample.MeanBrightness < solidLumaMax

	m.counters.BlackStreak = nextStreak(m.counters.BlackStreak, black)
	m.counters.StuckStreak = nextStreak(m.counters.StuckStreak, stuck)
	m.counters.SolidStreak = nextStreak(m.counters.SolidStreak, solid)
	m.push(sample)

	result := entity.AnalysisResult{
		Metrics: entity.FrameMetrics{
			Sample:     sample,
			Counters:   m.counters,
			Thresholds: m.thresholds,
			Sampled:    sampled,
		},
	}
	switch {
	case m.counters.BlackStreak >= m.thresholds.BlackStreak:
		result.Reason = enum.ReasonBlackFrame
		result.Confidence = confidence(m.counters.BlackStreak, m.thresholds.BlackStreak)
	case m.counters.StuckStreak >= m.thresholds.StuckStreak:
		result.Reason = enum.ReasonStuckFrame
		result.Confidence = confidence(m.counters.StuckStreak, m.thresholds.StuckStreak)
	case m.counters.SolidStreak >= m.thresholds.SolidStreak:
		result.Reason = enum.ReasonSolidColor
		result.Confidence = confidence(m.counters.SolidStreak, m.thresholds.SolidStreak)
	default:
		return result
	}
	result.IsProblematic = true
	monitor.ObserveFrameAnomaly(string(result.Reason))
	return result
}

// sample 计算采样统计；缓冲为空或尺寸不符时按全黑帧处理
func (m *FrameMonitor) sample(frame []byte, width, height int) (entity.FrameSample, int) {
	pixels := width * height
	if width <= 0 || height <= 0 || len(frame) < pixels*bytesPerPixel {
		m.hasLast = false
		return entity.FrameSample{BlackPixelRatio: 1, ChangedSinceLast: true}, 0
	}
	if width != m.width || height != m.height || m.positions == nil {
		m.resample(width, height)
	}

	n := len(m.positions)
	blackCount := 0
	for i, p := range m.positions {
		off := p * bytesPerPixel
		r, g, b := float64(frame[off]), float64(frame[off+1]), float64(frame[off+2])
		m.reds[i], m.greens[i], m.blues[i] = r, g, b
		l := luma(r, g, b)
		m.lumas[i] = l
		if l < blackPixelLuma {
			blackCount++
		}
		m.curRGB[3*i], m.curRGB[3*i+1], m.curRGB[3*i+2] = r, g, b
	}

	meanR, varR := stat.PopMeanVariance(m.reds, nil)
	meanG, varG := stat.PopMeanVariance(m.greens, nil)
	meanB, varB := stat.PopMeanVariance(m.blues, nil)
	s := entity.FrameSample{
		Hash:            hashRGB(frame, m.positions),
		MeanColor:       [3]float64{meanR, meanG, meanB},
		MeanBrightness:  stat.Mean(m.lumas, nil),
		BlackPixelRatio: float64(blackCount) / float64(n),
		ChannelVariance: (varR + varG + varB) / 3,
	}

	// 重置后的第一帧没有比较对象，视为有变化
	s.ChangedSinceLast = true
	if m.hasLast {
		unchanged := s.Hash == m.lastHash || meanAbsDiff(m.prevRGB, m.curRGB) <= m.cfg.StuckEpsilon
		s.ChangedSinceLast = !unchanged
	}
	m.lastHash = s.Hash
	m.hasLast = true
	m.prevRGB, m.curRGB = m.curRGB, m.prevRGB
	return s, n
}

// resample 尺寸变化时重新计算采样位置，上一帧不再可比
func (m *FrameMonitor) resample(width, height int) {
	m.width, m.height = width, height
	m.positions = stratifiedPositions(m.rng, width*height, m.cfg.SampleCount)
	n := len(m.positions)
	m.reds = make([]float64, n)
	m.greens = make([]float64, n)
	m.blues = make([]float64, n)
	m.lumas = make([]float64, n)
	m.prevRGB = make([]float64, 3*n)
	m.curRGB = make([]float64, 3*n)
	m.hasLast = false
	log.Trace("frame sampling recomputed for %dx%d: %d positions", width, height, n)
}

func (m *FrameMonitor) push(s entity.FrameSample) {
	if len(m.ring) == 0 {
		return
	}
	idx := (m.ringHead + m.ringLen) % len(m.ring)
	if m.ringLen == len(m.ring) {
		m.ringHead = (m.ringHead + 1) % len(m.ring)
		idx = (m.ringHead + m.ringLen - 1) % len(m.ring)
	} else {
		m.ringLen++
	}
	m.ring[idx] = s
}

// History 按时间顺序返回最近的采样
func (m *FrameMonitor) History() []entity.FrameSample {
	out := make([]entity.FrameSample, m.ringLen)
	for i := 0; i < m.ringLen; i++ {
		out[i] = m.ring[(m.ringHead+i)%len(m.ring)]
	}
	return out
}

func nextStreak(streak int, cond bool) int {
	if !cond {
		return 0
	}
	return streak + 1
}

func confidence(streak, threshold int) float64 {
	return math.Min(1, float64(streak)/float64(threshold))
}

func meanAbsDiff(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	sum := 0.0
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}
