package compile

import (
	"context"
	"errors"
	"sync"

	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// wasmPageMB 每MB对应的 wasm 页数（64KiB/页）
const wasmPageMB = 16

// TierFeatures 返回层级对应的特性集合；第二个返回值表示需要先做降级变换
func TierFeatures(tier enum.ExecutionTier, profile entity.DeviceProfile) (api.CoreFeatures, bool) {
	switch tier {
	case enum.Tier2:
		if profile.ThreadsCapable {
			return api.CoreFeaturesV2.SetEnabled(experimental.CoreFeaturesThreads, true), false
		}
		// 设备不支持线程时，并行指令需降级为顺序等价形式
		return api.CoreFeaturesV2, true
	case enum.Tier1:
		return api.CoreFeaturesV2.SetEnabled(api.CoreFeatureSIMD, false), false
	default:
		return api.CoreFeaturesV1, false
	}
}

// TierRequirementMet 设备是否满足层级的能力要求
func TierRequirementMet(tier enum.ExecutionTier, profile entity.DeviceProfile) bool {
	switch tier {
	case enum.Tier2:
		return profile.SIMDCapable && profile.BulkMemoryCapable
	case enum.Tier1:
		return profile.BulkMemoryCapable
	default:
		return true
	}
}

// WasmModule wazero 编译产物，实现 entity.ModuleHandle
type WasmModule struct {
	compiled wazero.CompiledModule
	runtime  wazero.Runtime
}

// Compiled 返回已编译模块，渲染端据此实例化
func (m *WasmModule) Compiled() wazero.CompiledModule { return m.compiled }

// Runtime 返回编译该模块的运行时
func (m *WasmModule) Runtime() wazero.Runtime { return m.runtime }

func (m *WasmModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// WazeroLoader 按特性集合缓存运行时，校验并编译模块
type WazeroLoader struct {
	mu         sync.Mutex
	limitPages uint32
	runtimes   map[api.CoreFeatures]wazero.Runtime
	closed     bool
}

// NewWazeroLoader memoryLimitMB 为0表示使用 wazero 默认上限
func NewWazeroLoader(memoryLimitMB uint32) *WazeroLoader {
	return &WazeroLoader{
		limitPages: memoryLimitMB * wasmPageMB,
		runtimes:   make(map[api.CoreFeatures]wazero.Runtime),
	}
}

func (l *WazeroLoader) runtime(ctx context.Context, features api.CoreFeatures) (wazero.Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("loader closed")
	}
	if rt, ok := l.runtimes[features]; ok {
		return rt, nil
	}
	cfg := wazero.NewRuntimeConfig().WithCoreFeatures(features)
	if l.limitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(l.limitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	l.runtimes[features] = rt
	return rt, nil
}

// Load 在给定特性集合下校验并编译模块
func (l *WazeroLoader) Load(ctx context.Context, module []byte, features api.CoreFeatures) (entity.ModuleHandle, error) {
	rt, err := l.runtime(ctx, features)
	if err != nil {
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		return nil, err
	}
	return &WasmModule{compiled: compiled, runtime: rt}, nil
}

// Close 关闭全部运行时
func (l *WazeroLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	var errs []error
	for features, rt := range l.runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(l.runtimes, features)
	}
	return errors.Join(errs...)
}
