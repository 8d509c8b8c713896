package compile

import (
	"context"
	"testing"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 返回 v128 的函数，只有开启 SIMD 的层级能加载
var simdModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7b,
	0x03, 0x02, 0x01, 0x00,
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x41, 0x00, 0xfd, 0x0f, 0xfd, 0x62, 0x0b,
}

func TestTierRequirements(t *testing.T) {
	none := entity.DeviceProfile{}
	assert.False(t, TierRequirementMet(enum.Tier2, none))
	assert.False(t, TierRequirementMet(enum.Tier1, none))
	assert.True(t, TierRequirementMet(enum.TierScalar, none))

	bulkOnly := entity.DeviceProfile{BulkMemoryCapable: true}
	assert.False(t, TierRequirementMet(enum.Tier2, bulkOnly))
	assert.True(t, TierRequirementMet(enum.Tier1, bulkOnly))
}

func TestWazeroLoaderHonoursTierFeatures(t *testing.T) {
	ctx := context.Background()
	loader := NewWazeroLoader(64)
	defer func() { require.NoError(t, loader.Close(ctx)) }()

	profile := entity.DeviceProfile{SIMDCapable: true, BulkMemoryCapable: true, ThreadsCapable: true}

	tier2, _ := TierFeatures(enum.Tier2, profile)
	handle, err := loader.Load(ctx, simdModule, tier2)
	require.NoError(t, err)
	require.NoError(t, handle.Close(ctx))

	tier1, _ := TierFeatures(enum.Tier1, profile)
	_, err = loader.Load(ctx, simdModule, tier1)
	assert.Error(t, err)

	scalar, _ := TierFeatures(enum.TierScalar, profile)
	_, err = loader.Load(ctx, simdModule, scalar)
	assert.Error(t, err)
}

func TestPipelineWithWazeroLoader(t *testing.T) {
	ctx := context.Background()
	p := NewPipeline(config.DefaultAppConfig().Compile, BinaryCompiler{})
	defer p.Close(ctx)

	profile := entity.DeviceProfile{SIMDCapable: true, BulkMemoryCapable: true}
	prog, err := p.Compile(ctx, PresetSource{ID: "simd", Body: simdModule}, "simd", Options{Profile: &profile})
	require.NoError(t, err)
	assert.Equal(t, enum.Tier2, prog.Tier)
	require.NoError(t, prog.Release(ctx))

	// 设备没有 SIMD 时 Tier2 被跳过，其余层级都无法加载
	lowEnd := entity.DeviceProfile{Tier: enum.DeviceTierLowEnd, BulkMemoryCapable: true}
	_, err = p.Compile(ctx, PresetSource{ID: "simd", Body: simdModule}, "simd", Options{Profile: &lowEnd})
	assert.ErrorIs(t, err, ErrCompilationExhausted)
	assert.Equal(t, 0, p.Strikes(enum.Tier2))
	assert.Equal(t, 1, p.Strikes(enum.Tier1))
	assert.Equal(t, 1, p.Strikes(enum.TierScalar))
}

func TestBinaryCompilerRejectsNonWasm(t *testing.T) {
	_, err := BinaryCompiler{}.Compile(context.Background(), PresetSource{ID: "txt", Body: []byte("per_frame=1")}, enum.Tier2)
	require.Error(t, err)
	assert.Equal(t, enum.ReasonUnexpected, ClassifyError(err))
}
