package orchestrator

import (
	"context"
	"fmt"

	"VisualSphere/src/compile"
	"VisualSphere/src/fallback"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/registry"
)

// AudioFeatures 单帧音频能量
type AudioFeatures struct {
	Bass   float64
	Mid    float64
	Treble float64
	Level  float64
}

// RenderSurface 渲染表面；program 为 nil 时清屏为中性画面
type RenderSurface interface {
	Render(ctx context.Context, program *entity.CompiledProgram, audio AudioFeatures) error
	ReadPixels() (rgba []byte, width, height int, err error)
}

// AudioFeatureProvider 每帧音频特征
type AudioFeatureProvider interface {
	Features() AudioFeatures
}

// PresetResolver 根据程序标识取得程序描述
type PresetResolver interface {
	Resolve(programID string) (compile.PresetSource, error)
}

// Prober 设备探测
type Prober interface {
	Probe(ctx context.Context) entity.DeviceProfile
}

// Compiler 编译流水线
type Compiler interface {
	Compile(ctx context.Context, source compile.PresetSource, programID string, opts compile.Options) (*entity.CompiledProgram, error)
	SetProfile(profile entity.DeviceProfile)
	Close(ctx context.Context) error
}

// FrameAnalyzer 帧健康监控
type FrameAnalyzer interface {
	Analyze(frame []byte, width, height int) entity.AnalysisResult
	Reset()
	SetDeviceTier(tier enum.DeviceTier)
}

// FailureRecorder 失败登记
type FailureRecorder interface {
	RecordAttempt(programID string)
	RecordFailure(programID string, reason enum.ReasonCode, fc registry.FailureContext)
	IsBlocked(programID string, profile entity.DeviceProfile) registry.BlockStatus
	Close(ctx context.Context) error
}

// FallbackChooser 回退程序选择
type FallbackChooser interface {
	SelectAvoiding(ctx fallback.Context, blocked func(programID string) bool) string
}

// RuntimeTrap 程序在执行期间出错
type RuntimeTrap struct {
	ProgramID string
	Cause     error
}

func (e *RuntimeTrap) Error() string {
	return fmt.Sprintf("program %s trapped: %v", e.ProgramID, e.Cause)
}

func (e *RuntimeTrap) Unwrap() error { return e.Cause }
