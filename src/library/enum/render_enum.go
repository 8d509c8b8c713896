package enum

import (
	"fmt"
	"strings"
)

// DeviceTier 设备能力等级
type DeviceTier int

const (
	DeviceTierMidRange DeviceTier = iota
	DeviceTierHighEnd
	DeviceTierLowEnd
	DeviceTierMobile
)

var deviceTierNames = map[DeviceTier]string{
	DeviceTierHighEnd:  "HighEnd",
	DeviceTierMidRange: "MidRange",
	DeviceTierLowEnd:   "LowEnd",
	DeviceTierMobile:   "Mobile",
}

func (t DeviceTier) String() string {
	if name, ok := deviceTierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DeviceTier(%d)", int(t))
}

// ParseDeviceTier 解析设备等级名称（大小写不敏感）
func ParseDeviceTier(s string) (DeviceTier, error) {
	for tier, name := range deviceTierNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return tier, nil
		}
	}
	return DeviceTierMidRange, fmt.Errorf("unknown device tier %q", s)
}

func (t DeviceTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DeviceTier) UnmarshalText(b []byte) error {
	v, err := ParseDeviceTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// GPUClass GPU类别
type GPUClass int

const (
	GPUClassUnknown GPUClass = iota
	GPUClassDiscrete
	GPUClassIntegrated
	GPUClassMobile
)

var gpuClassNames = map[GPUClass]string{
	GPUClassUnknown:    "Unknown",
	GPUClassDiscrete:   "Discrete",
	GPUClassIntegrated: "Integrated",
	GPUClassMobile:     "MobileGPU",
}

func (c GPUClass) String() string {
	if name, ok := gpuClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("GPUClass(%d)", int(c))
}

func (c GPUClass) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *GPUClass) UnmarshalText(b []byte) error {
	for class, name := range gpuClassNames {
		if strings.EqualFold(name, string(b)) {
			*c = class
			return nil
		}
	}
	return fmt.Errorf("unknown gpu class %q", string(b))
}

// ExecutionTier 编译执行层级，数值越大能力越强
type ExecutionTier int

const (
	TierScalar ExecutionTier = iota
	Tier1
	Tier2
)

// ExecutionTiers 按从强到弱的固定顺序返回所有层级
func ExecutionTiers() []ExecutionTier {
	return []ExecutionTier{Tier2, Tier1, TierScalar}
}

func (t ExecutionTier) String() string {
	switch t {
	case Tier2:
		return "Tier2"
	case Tier1:
		return "Tier1"
	case TierScalar:
		return "Scalar"
	default:
		return fmt.Sprintf("ExecutionTier(%d)", int(t))
	}
}

// ParseExecutionTier 解析层级名称
func ParseExecutionTier(s string) (ExecutionTier, error) {
	for _, t := range ExecutionTiers() {
		if strings.EqualFold(t.String(), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return TierScalar, fmt.Errorf("unknown execution tier %q", s)
}

func (t ExecutionTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ExecutionTier) UnmarshalText(b []byte) error {
	v, err := ParseExecutionTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ReasonCode 失败原因代码
type ReasonCode string

const (
	ReasonNone ReasonCode = ""

	// 帧异常
	ReasonBlackFrame ReasonCode = "black_frame"
	ReasonStuckFrame ReasonCode = "stuck_frame"
	ReasonSolidColor ReasonCode = "solid_color"

	// 编译与运行
	ReasonMemoryConstraint      ReasonCode = "memory_constraint"
	ReasonEnvironmentConstraint ReasonCode = "environment_constraint"
	ReasonFeatureUnsupported    ReasonCode = "feature_unsupported"
	ReasonLinkError             ReasonCode = "link_error"
	ReasonRuntimeTrap           ReasonCode = "runtime_trap"
	ReasonUnexpected            ReasonCode = "unexpected"
	ReasonCompilationExhausted  ReasonCode = "compilation_exhausted"
)

// IsFrameAnomaly 是否为帧健康监控产生的原因
func (r ReasonCode) IsFrameAnomaly() bool {
	return r == ReasonBlackFrame || r == ReasonStuckFrame || r == ReasonSolidColor
}

// IsEnvironmental 环境约束类原因属于预期降级，不需要告警
func (r ReasonCode) IsEnvironmental() bool {
	return r == ReasonEnvironmentConstraint || r == ReasonMemoryConstraint || r == ReasonFeatureUnsupported
}

// BlockTag 条件屏蔽标签
type BlockTag string

const (
	BlockTagMobile        BlockTag = "mobile"
	BlockTagLowMemory     BlockTag = "low_memory"
	BlockTagIntegratedGPU BlockTag = "integrated_gpu"
)

// BlockTags 条件标签的固定检查顺序
func BlockTags() []BlockTag {
	return []BlockTag{BlockTagMobile, BlockTagLowMemory, BlockTagIntegratedGPU}
}
