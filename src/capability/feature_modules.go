package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// 合成探测模块：只编译不执行，编译失败即视为不支持
var (
	// (func (result v128) i32.const 0 i8x16.splat i8x16.popcnt)
	simdProbeModule = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7b,
		0x03, 0x02, 0x01, 0x00,
		0x0a, 0x0a, 0x01, 0x08, 0x00, 0x41, 0x00, 0xfd, 0x0f, 0xfd, 0x62, 0x0b,
	}

	// (memory 1) (func i32.const 0 i32.const 0 i32.const 0 memory.copy)
	bulkMemoryProbeModule = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x05, 0x03, 0x01, 0x00, 0x01,
		0x0a, 0x0e, 0x01, 0x0c, 0x00, 0x41, 0x00, 0x41, 0x00, 0x41, 0x00, 0xfc, 0x0a, 0x00, 0x00, 0x0b,
	}

	// (memory 1 1 shared) (func i32.const 0 i32.atomic.load drop)
	threadsProbeModule = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x05, 0x04, 0x01, 0x03, 0x01, 0x01,
		0x0a, 0x0b, 0x01, 0x09, 0x00, 0x41, 0x00, 0xfe, 0x10, 0x02, 0x00, 0x1a, 0x0b,
	}
)

// FeatureValidator 对模块做编译期校验
type FeatureValidator interface {
	Validate(ctx context.Context, module []byte) error
}

// FeatureCeiling 根据配置的特性上限计算 wazero CoreFeatures
func FeatureCeiling(allowSIMD, allowThreads, allowBulkMemory bool) api.CoreFeatures {
	features := api.CoreFeaturesV2
	if !allowSIMD {
		features = features.SetEnabled(api.CoreFeatureSIMD, false)
	}
	if !allowBulkMemory {
		features = features.SetEnabled(api.CoreFeatureBulkMemoryOperations, false)
	}
	if allowThreads {
		features = features.SetEnabled(experimental.CoreFeaturesThreads, true)
	}
	return features
}

// WazeroValidator 使用 wazero 解释器运行时做只编译校验
type WazeroValidator struct {
	features api.CoreFeatures
	once     sync.Once
	runtime  wazero.Runtime
}

// NewWazeroValidator 创建校验器，features 为宿主允许的特性上限
func NewWazeroValidator(features api.CoreFeatures) *WazeroValidator {
	return &WazeroValidator{features: features}
}

func (v *WazeroValidator) rt(ctx context.Context) wazero.Runtime {
	v.once.Do(func() {
		cfg := wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(v.features)
		v.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	})
	return v.runtime
}

// Validate 编译模块后立即释放
func (v *WazeroValidator) Validate(ctx context.Context, module []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	compiled, err := v.rt(ctx).CompileModule(ctx, module)
	if err != nil {
		return err
	}
	return compiled.Close(ctx)
}

// Close 释放运行时
func (v *WazeroValidator) Close(ctx context.Context) error {
	if v.runtime == nil {
		return nil
	}
	return v.runtime.Close(ctx)
}
