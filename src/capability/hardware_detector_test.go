package capability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystem struct {
	memBytes uint64
	cores    int
	err      error
	panics   bool
	calls    int32
}

func (f *fakeSystem) TotalMemoryBytes(context.Context) (uint64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panics {
		panic("sysfs gone")
	}
	return f.memBytes, f.err
}

func (f *fakeSystem) LogicalCores(context.Context) (int, error) {
	if f.panics {
		panic("sysfs gone")
	}
	return f.cores, f.err
}

type panicGPU struct{}

func (panicGPU) RendererString(context.Context) (string, error) { panic("context lost") }

type rejectAll struct{}

func (rejectAll) Validate(context.Context, []byte) error { return errors.New("invalid") }

type acceptAll struct{}

func (acceptAll) Validate(context.Context, []byte) error { return nil }

const gb = 1 << 30

func newTestProber(t *testing.T, opts ...Option) *Prober {
	t.Helper()
	cfg := config.DefaultAppConfig().Probe
	p, err := NewProber(cfg, append([]Option{WithValidator(acceptAll{}), WithHostSIMD(func() bool { return true })}, opts...)...)
	require.NoError(t, err)
	return p
}

func TestProbeNeverFailsAndUsesDefaults(t *testing.T) {
	p := newTestProber(t,
		WithSystemInfo(&fakeSystem{panics: true}),
		WithGPUInfo(panicGPU{}),
		WithValidator(rejectAll{}),
	)
	profile := p.Probe(context.Background())

	assert.Equal(t, 4.0, profile.MemoryGB)
	assert.Equal(t, 2, profile.CoreCount)
	assert.Equal(t, enum.GPUClassUnknown, profile.GPUClass)
	assert.False(t, profile.SIMDCapable)
	assert.False(t, profile.ThreadsCapable)
	assert.False(t, profile.BulkMemoryCapable)
	assert.Equal(t, enum.DeviceTierMidRange, profile.Tier)
}

func TestProbeErrorAxesFallBack(t *testing.T) {
	p := newTestProber(t, WithSystemInfo(&fakeSystem{err: errors.New("denied")}))
	profile := p.Probe(context.Background())
	assert.Equal(t, 4.0, profile.MemoryGB)
	assert.Equal(t, 2, profile.CoreCount)
}

func TestProbeHighEnd(t *testing.T) {
	p := newTestProber(t,
		WithSystemInfo(&fakeSystem{memBytes: 16 * gb, cores: 8}),
		WithGPUInfo(StaticRenderer("ANGLE (NVIDIA GeForce RTX 3080 Direct3D11)")),
	)
	profile := p.Probe(context.Background())
	assert.Equal(t, enum.DeviceTierHighEnd, profile.Tier)
	assert.Equal(t, enum.GPUClassDiscrete, profile.GPUClass)
	assert.True(t, profile.SIMDCapable)
}

func TestProbeSIMDNeedsHostSupport(t *testing.T) {
	p := newTestProber(t, WithHostSIMD(func() bool { return false }))
	profile := p.Probe(context.Background())
	assert.False(t, profile.SIMDCapable)
	assert.True(t, profile.BulkMemoryCapable)
}

func TestProbeIsCachedWithinTTL(t *testing.T) {
	sys := &fakeSystem{memBytes: 8 * gb, cores: 4}
	p := newTestProber(t, WithSystemInfo(sys))

	first := p.Probe(context.Background())
	second := p.Probe(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sys.calls))

	p.Refresh(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&sys.calls))
}

func TestProbeTTLExpiry(t *testing.T) {
	cfg := config.DefaultAppConfig().Probe
	cfg.ProfileTTL = 20 * time.Millisecond
	sys := &fakeSystem{memBytes: 8 * gb, cores: 4}
	p, err := NewProber(cfg, WithValidator(acceptAll{}), WithSystemInfo(sys))
	require.NoError(t, err)

	p.Probe(context.Background())
	time.Sleep(40 * time.Millisecond)
	p.Probe(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&sys.calls))
}

func TestProbeMobileHeuristics(t *testing.T) {
	cases := []struct {
		name   string
		host   HostInfo
		mobile bool
	}{
		{"android ua", HostInfo{UserAgent: "Mozilla/5.0 (Linux; Android 13; Pixel 7)"}, true},
		{"narrow touch screen", HostInfo{TouchPoints: 5, ScreenWidth: 400}, true},
		{"wide touch screen", HostInfo{TouchPoints: 10, ScreenWidth: 1920}, false},
		{"desktop", HostInfo{UserAgent: "Mozilla/5.0 (X11; Linux x86_64)", ScreenWidth: 500}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProber(t,
				WithSystemInfo(&fakeSystem{memBytes: 16 * gb, cores: 8}),
				WithHostInfo(tc.host),
			)
			profile := p.Probe(context.Background())
			assert.Equal(t, tc.mobile, profile.IsMobile)
			if tc.mobile {
				assert.Equal(t, enum.DeviceTierMobile, profile.Tier)
			}
		})
	}
}

func TestProbeForceTier(t *testing.T) {
	cfg := config.DefaultAppConfig().Probe
	cfg.ForceTier = "LowEnd"
	p, err := NewProber(cfg, WithValidator(acceptAll{}), WithSystemInfo(&fakeSystem{memBytes: 32 * gb, cores: 16}))
	require.NoError(t, err)
	assert.Equal(t, enum.DeviceTierLowEnd, p.Probe(context.Background()).Tier)

	cfg.ForceTier = "Toaster"
	_, err = NewProber(cfg)
	assert.Error(t, err)
}

func TestGPUClassificationIsCached(t *testing.T) {
	var calls int32
	p := newTestProber(t,
		WithGPUInfo(StaticRenderer("Mali-G78")),
		WithClassifier(func(r string) enum.GPUClass {
			atomic.AddInt32(&calls, 1)
			return ClassifyRenderer(r)
		}),
	)
	assert.Equal(t, enum.GPUClassMobile, p.Probe(context.Background()).GPUClass)
	p.Refresh(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDecideTierPriority(t *testing.T) {
	cases := []struct {
		profile entity.DeviceProfile
		want    enum.DeviceTier
	}{
		{entity.DeviceProfile{IsMobile: true, MemoryGB: 16, CoreCount: 8, GPUClass: enum.GPUClassDiscrete}, enum.DeviceTierMobile},
		{entity.DeviceProfile{MemoryGB: 8, CoreCount: 4, GPUClass: enum.GPUClassDiscrete}, enum.DeviceTierHighEnd},
		{entity.DeviceProfile{MemoryGB: 16, CoreCount: 8, GPUClass: enum.GPUClassIntegrated}, enum.DeviceTierMidRange},
		{entity.DeviceProfile{MemoryGB: 3.9, CoreCount: 8, GPUClass: enum.GPUClassDiscrete}, enum.DeviceTierLowEnd},
		{entity.DeviceProfile{MemoryGB: 8, CoreCount: 1, GPUClass: enum.GPUClassIntegrated}, enum.DeviceTierLowEnd},
		{entity.DeviceProfile{MemoryGB: 4, CoreCount: 2}, enum.DeviceTierMidRange},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecideTier(tc.profile), "%+v", tc.profile)
	}
}
