package capability

import (
	"context"
	"errors"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrNoSurface 无法获取渲染表面
var ErrNoSurface = errors.New("no render surface available")

// SystemInfo 读取宿主内存与核心数
type SystemInfo interface {
	TotalMemoryBytes(ctx context.Context) (uint64, error)
	LogicalCores(ctx context.Context) (int, error)
}

// GPUInfoSource 提供渲染器字符串，拿不到表面时返回 ErrNoSurface
type GPUInfoSource interface {
	RendererString(ctx context.Context) (string, error)
}

// HostInfo 客户端环境信息，用于移动端判定
type HostInfo struct {
	UserAgent   string `json:"user_agent" yaml:"userAgent"`
	TouchPoints int    `json:"touch_points" yaml:"touchPoints"`
	ScreenWidth int    `json:"screen_width" yaml:"screenWidth"`
}

// GopsutilSystemInfo 基于 gopsutil 的系统信息
type GopsutilSystemInfo struct{}

func (GopsutilSystemInfo) TotalMemoryBytes(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func (GopsutilSystemInfo) LogicalCores(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// StaticRenderer 固定的渲染器字符串，空字符串表示没有表面
type StaticRenderer string

func (s StaticRenderer) RendererString(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoSurface
	}
	return string(s), nil
}

// HostSIMD 宿主CPU是否具备向量单元
func HostSIMD() bool {
	switch runtime.GOARCH {
	case "arm64":
		return true
	case "amd64", "386":
		return cpuid.CPU.AVX() || cpuid.CPU.AVX2()
	default:
		return false
	}
}
