package entity

import (
	"fmt"
	"time"

	"VisualSphere/src/library/enum"
)

// LowMemoryGB 低内存条件屏蔽的阈值（严格小于）
const LowMemoryGB = 4.0

// DeviceProfile 设备能力画像，会话内只读（TTL刷新除外）
type DeviceProfile struct {
	Tier              enum.DeviceTier `json:"tier"`
	MemoryGB          float64         `json:"memory_gb"`
	CoreCount         int             `json:"core_count"`
	GPUClass          enum.GPUClass   `json:"gpu_class"`
	GPURenderer       string          `json:"gpu_renderer,omitempty"`
	SIMDCapable       bool            `json:"simd_capable"`
	ThreadsCapable    bool            `json:"threads_capable"`
	BulkMemoryCapable bool            `json:"bulk_memory_capable"`
	IsMobile          bool            `json:"is_mobile"`
	ProbedAt          time.Time       `json:"probed_at"`
}

// Fingerprint 设备指纹，用于聚合统计中的 devicesFailedOn
func (p DeviceProfile) Fingerprint() string {
	return fmt.Sprintf("%s/%s/%.0fGB/%dc", p.Tier, p.GPUClass, p.MemoryGB, p.CoreCount)
}

// Matches 判断画像是否满足条件屏蔽标签的谓词
func (p DeviceProfile) Matches(tag enum.BlockTag) bool {
	switch tag {
	case enum.BlockTagMobile:
		return p.Tier == enum.DeviceTierMobile
	case enum.BlockTagLowMemory:
		return p.MemoryGB < LowMemoryGB
	case enum.BlockTagIntegratedGPU:
		return p.GPUClass == enum.GPUClassIntegrated
	default:
		return false
	}
}

// MatchingTags 返回画像满足的全部条件标签
func (p DeviceProfile) MatchingTags() []enum.BlockTag {
	var tags []enum.BlockTag
	for _, tag := range enum.BlockTags() {
		if p.Matches(tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}
