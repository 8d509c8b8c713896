package compile

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

//go:generate mockgen -source=pipeline.go -destination=mocks/mock_tier_compiler.go

type MockTierCompiler struct {
	ctrl     *gomock.Controller
	recorder *MockTierCompilerMockRecorder
}

type MockTierCompilerMockRecorder struct {
	mock *MockTierCompiler
}

func NewMockTierCompiler(ctrl *gomock.Controller) *MockTierCompiler {
	mock := &MockTierCompiler{ctrl: ctrl}
	mock.recorder = &MockTierCompilerMockRecorder{mock}
	return mock
}

func (m *MockTierCompiler) EXPECT() *MockTierCompilerMockRecorder {
	return m.recorder
}

func (m *MockTierCompiler) Compile(ctx context.Context, source PresetSource, tier enum.ExecutionTier) ([]byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Compile", ctx, source, tier)
	ret0, _ := ret[0].([]byte)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockTierCompilerMockRecorder) Compile(ctx, source, tier interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Compile", reflect.TypeOf((*MockTierCompiler)(nil).Compile), ctx, source, tier)
}

type fakeHandle struct{ closed int32 }

func (h *fakeHandle) Close(context.Context) error {
	atomic.AddInt32(&h.closed, 1)
	return nil
}

// fakeLoader 接受任何模块并记录特性集合
type fakeLoader struct {
	features []api.CoreFeatures
	err      error
}

func (l *fakeLoader) Load(_ context.Context, _ []byte, features api.CoreFeatures) (entity.ModuleHandle, error) {
	l.features = append(l.features, features)
	if l.err != nil {
		return nil, l.err
	}
	return &fakeHandle{}, nil
}

func (l *fakeLoader) Close(context.Context) error { return nil }

type countingLowerer struct {
	calls int
	err   error
}

func (c *countingLowerer) Lower(_ context.Context, module []byte, _ enum.ExecutionTier) ([]byte, error) {
	c.calls++
	return module, c.err
}

var moduleBytes = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func capableProfile(tier enum.DeviceTier) entity.DeviceProfile {
	return entity.DeviceProfile{
		Tier:              tier,
		MemoryGB:          8,
		CoreCount:         4,
		SIMDCapable:       true,
		ThreadsCapable:    true,
		BulkMemoryCapable: true,
	}
}

func newTestPipeline(compiler TierCompiler, opts ...PipelineOption) *Pipeline {
	cfg := config.DefaultAppConfig().Compile
	return NewPipeline(cfg, compiler, append([]PipelineOption{WithLoader(&fakeLoader{})}, opts...)...)
}

func TestLowEndFallsThroughToScalar(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := PresetSource{ID: "preset-a", Body: []byte("a")}
	compiler := NewMockTierCompiler(ctrl)
	gomock.InOrder(
		compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier2).Return(nil, errors.New("vector op unsupported")),
		compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier1).Return(nil, errors.New("bulk copy trap")),
		compiler.EXPECT().Compile(gomock.Any(), src, enum.TierScalar).Return(moduleBytes, nil),
	)

	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierLowEnd))

	prog, err := p.Compile(context.Background(), src, "preset-a", Options{})
	require.NoError(t, err)
	assert.Equal(t, enum.TierScalar, prog.Tier)
	assert.True(t, prog.Ready)
	assert.Equal(t, "preset-a", prog.ProgramID)

	assert.Equal(t, 1, p.Strikes(enum.Tier2))
	assert.Equal(t, 1, p.Strikes(enum.Tier1))
	assert.Equal(t, 0, p.Strikes(enum.TierScalar))
	assert.False(t, p.CircuitOpen(enum.Tier2))
	assert.False(t, p.CircuitOpen(enum.Tier1))
}

func TestTier2CircuitOpensAcrossPresets(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierMidRange))

	for _, id := range []string{"preset-a", "preset-b", "preset-c"} {
		src := PresetSource{ID: id}
		compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier2).Return(nil, errors.New("link: unresolved import env.f"))
		compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier1).Return(moduleBytes, nil)

		prog, err := p.Compile(context.Background(), src, id, Options{})
		require.NoError(t, err)
		assert.Equal(t, enum.Tier1, prog.Tier)
	}
	assert.True(t, p.CircuitOpen(enum.Tier2))
	assert.Equal(t, 3, p.Strikes(enum.Tier2))

	// 第四个程序即使能在 Tier2 成功也不会再尝试 Tier2
	src := PresetSource{ID: "preset-d"}
	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier1).Return(moduleBytes, nil)
	prog, err := p.Compile(context.Background(), src, "preset-d", Options{})
	require.NoError(t, err)
	assert.Equal(t, enum.Tier1, prog.Tier)

	stats := p.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, enum.Tier2, stats[0].Tier)
	assert.True(t, stats[0].Open)
	assert.Equal(t, int64(3), stats[0].Failures)
	assert.Equal(t, int64(4), stats[1].Successes)
}

func TestSuccessClearsStrikes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierMidRange))

	src := PresetSource{ID: "x"}
	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier2).Return(nil, errors.New("boom")).Times(2)
	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier1).Return(moduleBytes, nil).Times(2)
	for i := 0; i < 2; i++ {
		_, err := p.Compile(context.Background(), src, "x", Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.Strikes(enum.Tier2))

	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier2).Return(moduleBytes, nil)
	prog, err := p.Compile(context.Background(), src, "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, enum.Tier2, prog.Tier)
	assert.Equal(t, 0, p.Strikes(enum.Tier2))
	assert.False(t, p.CircuitOpen(enum.Tier2))
}

func TestRequirementsSkipTiers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	p := newTestPipeline(compiler)
	p.SetProfile(entity.DeviceProfile{Tier: enum.DeviceTierLowEnd, MemoryGB: 2, CoreCount: 1})

	src := PresetSource{ID: "plain"}
	compiler.EXPECT().Compile(gomock.Any(), src, enum.TierScalar).Return(moduleBytes, nil)
	prog, err := p.Compile(context.Background(), src, "plain", Options{})
	require.NoError(t, err)
	assert.Equal(t, enum.TierScalar, prog.Tier)
}

func TestOptionsNarrowChain(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	p := newTestPipeline(compiler)
	profile := capableProfile(enum.DeviceTierHighEnd)

	src := PresetSource{ID: "narrow"}
	compiler.EXPECT().Compile(gomock.Any(), src, enum.TierScalar).Return(moduleBytes, nil)
	maxTier := enum.Tier1
	prog, err := p.Compile(context.Background(), src, "narrow", Options{
		Profile:   &profile,
		MaxTier:   &maxTier,
		SkipTiers: []enum.ExecutionTier{enum.Tier1},
	})
	require.NoError(t, err)
	assert.Equal(t, enum.TierScalar, prog.Tier)
}

func TestExhaustionReturnsTerminalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("out of memory")).Times(3)
	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierMidRange))

	prog, err := p.Compile(context.Background(), PresetSource{ID: "heavy"}, "heavy", Options{})
	assert.Nil(t, prog)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompilationExhausted))

	var exhausted *CompilationExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Attempts, 3)
	for _, a := range exhausted.Attempts {
		assert.Equal(t, enum.ReasonMemoryConstraint, a.Reason)
	}
}

func TestPanicIsRecoveredAsUnexpected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	src := PresetSource{ID: "panicky"}
	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier2).DoAndReturn(
		func(context.Context, PresetSource, enum.ExecutionTier) ([]byte, error) { panic("nil map") })
	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier1).Return(moduleBytes, nil)

	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierMidRange))
	prog, err := p.Compile(context.Background(), src, "panicky", Options{})
	require.NoError(t, err)
	assert.Equal(t, enum.Tier1, prog.Tier)
	assert.Equal(t, 1, p.Strikes(enum.Tier2))
}

func TestCancelledCompileIsNotAStrike(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	compiler := NewMockTierCompiler(ctrl)
	src := PresetSource{ID: "slow"}
	compiler.EXPECT().Compile(gomock.Any(), src, enum.Tier2).DoAndReturn(
		func(ctx context.Context, _ PresetSource, _ enum.ExecutionTier) ([]byte, error) {
			cancel()
			return nil, ctx.Err()
		})

	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierMidRange))
	_, err := p.Compile(ctx, src, "slow", Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Strikes(enum.Tier2))
}

func TestLoweringOnlyWithoutThreads(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), enum.Tier2).Return(moduleBytes, nil).Times(2)

	lowerer := &countingLowerer{}
	p := newTestPipeline(compiler, WithLowerer(lowerer))

	withThreads := capableProfile(enum.DeviceTierHighEnd)
	_, err := p.Compile(context.Background(), PresetSource{ID: "t"}, "t", Options{Profile: &withThreads})
	require.NoError(t, err)
	assert.Equal(t, 0, lowerer.calls)

	noThreads := withThreads
	noThreads.ThreadsCapable = false
	_, err = p.Compile(context.Background(), PresetSource{ID: "t"}, "t", Options{Profile: &noThreads})
	require.NoError(t, err)
	assert.Equal(t, 1, lowerer.calls)
}

func TestLoweredModuleRejectedCountsAsTierFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), enum.Tier2).Return(moduleBytes, nil)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), enum.Tier1).Return(moduleBytes, nil)

	p := NewPipeline(config.DefaultAppConfig().Compile, compiler,
		WithLoader(&selectiveLoader{reject: api.CoreFeaturesV2}))
	profile := capableProfile(enum.DeviceTierMidRange)
	profile.ThreadsCapable = false

	prog, err := p.Compile(context.Background(), PresetSource{ID: "atomics"}, "atomics", Options{Profile: &profile})
	require.NoError(t, err)
	assert.Equal(t, enum.Tier1, prog.Tier)
	assert.Equal(t, 1, p.Strikes(enum.Tier2))
}

type selectiveLoader struct {
	reject api.CoreFeatures
}

func (l *selectiveLoader) Load(_ context.Context, _ []byte, features api.CoreFeatures) (entity.ModuleHandle, error) {
	if features == l.reject {
		return nil, errors.New("threads feature not enabled")
	}
	return &fakeHandle{}, nil
}

func (l *selectiveLoader) Close(context.Context) error { return nil }

func TestResetCircuits(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	compiler := NewMockTierCompiler(ctrl)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), enum.Tier2).Return(nil, errors.New("x")).Times(3)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), enum.Tier1).Return(moduleBytes, nil).Times(3)

	p := newTestPipeline(compiler)
	p.SetProfile(capableProfile(enum.DeviceTierMidRange))
	for i := 0; i < 3; i++ {
		_, err := p.Compile(context.Background(), PresetSource{ID: "r"}, "r", Options{})
		require.NoError(t, err)
	}
	require.True(t, p.CircuitOpen(enum.Tier2))

	p.ResetCircuits()
	assert.False(t, p.CircuitOpen(enum.Tier2))
	assert.Equal(t, 0, p.Strikes(enum.Tier2))
}

func TestClassifyError(t *testing.T) {
	cases := map[string]enum.ReasonCode{
		`feature "simd" is disabled`:             enum.ReasonFeatureUnsupported,
		"memory min 4096 pages over limit":       enum.ReasonMemoryConstraint,
		"module[env] not instantiated: import f": enum.ReasonLinkError,
		"wasm error: unreachable":                enum.ReasonRuntimeTrap,
		"gpu context not available":              enum.ReasonEnvironmentConstraint,
		"something odd":                          enum.ReasonUnexpected,
	}
	for msg, want := range cases {
		assert.Equal(t, want, ClassifyError(errors.New(msg)), msg)
	}
	assert.Equal(t, enum.ReasonUnexpected, ClassifyError(&panicError{value: "x"}))
	assert.Equal(t, enum.ReasonEnvironmentConstraint, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, enum.ReasonNone, ClassifyError(nil))
}
