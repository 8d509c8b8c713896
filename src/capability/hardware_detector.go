package capability

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const profileKey = "device-profile"

// Prober 设备能力探测器
type Prober struct {
	cfg       config.ProbeConfig
	system    SystemInfo
	gpu       GPUInfoSource
	host      HostInfo
	validator FeatureValidator
	hostSIMD  func() bool
	classify  func(string) enum.GPUClass
	now       func() time.Time

	mobileUA  *regexp.Regexp
	profiles  *cache.Cache
	gpuCache  *cache.Cache
	inflight  singleflight.Group
	forceTier *enum.DeviceTier
}

// Option 探测器选项
type Option func(*Prober)

func WithSystemInfo(s SystemInfo) Option { return func(p *Prober) { p.system = s } }

func WithGPUInfo(g GPUInfoSource) Option { return func(p *Prober) { p.gpu = g } }

func WithHostInfo(h HostInfo) Option { return func(p *Prober) { p.host = h } }

func WithValidator(v FeatureValidator) Option { return func(p *Prober) { p.validator = v } }

// WithHostSIMD 替换宿主向量单元检测
func WithHostSIMD(f func() bool) Option { return func(p *Prober) { p.hostSIMD = f } }

// WithClassifier 替换GPU分类规则
func WithClassifier(f func(string) enum.GPUClass) Option {
	return func(p *Prober) { p.classify = f }
}

func WithClock(now func() time.Time) Option { return func(p *Prober) { p.now = now } }

// NewProber 创建探测器
func NewProber(cfg config.ProbeConfig, opts ...Option) (*Prober, error) {
	re, err := regexp.Compile(cfg.MobileUserAgents)
	if err != nil {
		return nil, fmt.Errorf("mobile user agent pattern: %w", err)
	}
	p := &Prober{
		cfg:      cfg,
		system:   GopsutilSystemInfo{},
		gpu:      StaticRenderer(""),
		hostSIMD: HostSIMD,
		classify: ClassifyRenderer,
		now:      time.Now,
		mobileUA: re,
		profiles: cache.New(cfg.ProfileTTL, 2*cfg.ProfileTTL),
		gpuCache: cache.New(cfg.GPUCacheTTL, cfg.GPUCacheTTL),
	}
	if cfg.ForceTier != "" {
		tier, err := enum.ParseDeviceTier(cfg.ForceTier)
		if err != nil {
			return nil, err
		}
		p.forceTier = &tier
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.validator == nil {
		p.validator = NewWazeroValidator(FeatureCeiling(cfg.AllowSIMD, cfg.AllowThreads, cfg.AllowBulkMemory))
	}
	return p, nil
}

// Probe 返回设备画像，TTL 内幂等，永不返回错误
func (p *Prober) Probe(ctx context.Context) entity.DeviceProfile {
	if v, ok := p.profiles.Get(profileKey); ok {
		return v.(entity.DeviceProfile)
	}
	v, _, _ := p.inflight.Do(profileKey, func() (interface{}, error) {
		profile := p.detect(ctx)
		p.profiles.SetDefault(profileKey, profile)
		return profile, nil
	})
	return v.(entity.DeviceProfile)
}

// Refresh 丢弃缓存的画像并重新探测
func (p *Prober) Refresh(ctx context.Context) entity.DeviceProfile {
	p.profiles.Delete(profileKey)
	return p.Probe(ctx)
}

func (p *Prober) detect(ctx context.Context) entity.DeviceProfile {
	profile := entity.DeviceProfile{
		MemoryGB:  p.cfg.DefaultMemoryGB,
		CoreCount: p.cfg.DefaultCores,
		GPUClass:  enum.GPUClassUnknown,
	}

	// 每个维度独立降级，goroutine 只写各自的字段
	var (
		simd, threads, bulk bool
		memGB               float64
		cores               int
		gpuClass            enum.GPUClass
		renderer            string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer recoverAxis("features")
		simd = p.cfg.AllowSIMD && p.hostSIMD() && p.supports(gctx, simdProbeModule)
		threads = p.cfg.AllowThreads && p.supports(gctx, threadsProbeModule)
		bulk = p.cfg.AllowBulkMemory && p.supports(gctx, bulkMemoryProbeModule)
		return nil
	})
	g.Go(func() error {
		defer recoverAxis("memory")
		total, err := p.system.TotalMemoryBytes(gctx)
		if err != nil {
			log.Info("memory size unavailable, using default %.0fGB: %v", p.cfg.DefaultMemoryGB, err)
			return nil
		}
		memGB = float64(total) / (1 << 30)
		return nil
	})
	g.Go(func() error {
		defer recoverAxis("cores")
		n, err := p.system.LogicalCores(gctx)
		if err != nil {
			log.Info("core count unavailable, using default %d: %v", p.cfg.DefaultCores, err)
			return nil
		}
		cores = n
		return nil
	})
	g.Go(func() error {
		defer recoverAxis("gpu")
		renderer, gpuClass = p.detectGPU(gctx)
		return nil
	})
	_ = g.Wait()

	profile.SIMDCapable = simd
	profile.ThreadsCapable = threads
	profile.BulkMemoryCapable = bulk
	if memGB > 0 {
		profile.MemoryGB = memGB
	}
	if cores > 0 {
		profile.CoreCount = cores
	}
	profile.GPURenderer = renderer
	profile.GPUClass = gpuClass
	profile.IsMobile = p.isMobile()
	profile.Tier = DecideTier(profile)
	if p.forceTier != nil {
		profile.Tier = *p.forceTier
	}
	profile.ProbedAt = p.now()

	monitor.ObserveProbe(profile.Tier.String())
	log.Info("device probed: tier=%s mem=%.1fGB cores=%d gpu=%s simd=%t threads=%t bulk=%t mobile=%t",
		profile.Tier, profile.MemoryGB, profile.CoreCount, profile.GPUClass,
		profile.SIMDCapable, profile.ThreadsCapable, profile.BulkMemoryCapable, profile.IsMobile)
	return profile
}

func (p *Prober) supports(ctx context.Context, module []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warning("feature validation panic: %v", r)
			ok = false
		}
	}()
	return p.validator.Validate(ctx, module) == nil
}

// detectGPU 没有渲染表面时返回 Unknown
func (p *Prober) detectGPU(ctx context.Context) (string, enum.GPUClass) {
	if p.gpu == nil {
		return "", enum.GPUClassUnknown
	}
	renderer, err := p.gpu.RendererString(ctx)
	if err != nil {
		log.Info("gpu renderer unavailable: %v", err)
		return "", enum.GPUClassUnknown
	}
	if v, ok := p.gpuCache.Get(renderer); ok {
		return renderer, v.(enum.GPUClass)
	}
	class := p.classify(renderer)
	p.gpuCache.SetDefault(renderer, class)
	return renderer, class
}

// isMobile UA 命中，或者有触屏且屏幕较窄
func (p *Prober) isMobile() bool {
	if p.host.UserAgent != "" && p.mobileUA.MatchString(p.host.UserAgent) {
		return true
	}
	return p.host.TouchPoints > 0 && p.host.ScreenWidth > 0 && p.host.ScreenWidth < p.cfg.MobileMaxWidth
}

// DecideTier 按固定优先级判定设备等级：Mobile > HighEnd > LowEnd > MidRange
func DecideTier(p entity.DeviceProfile) enum.DeviceTier {
	switch {
	case p.IsMobile:
		return enum.DeviceTierMobile
	case p.MemoryGB >= 8 && p.CoreCount >= 4 && p.GPUClass == enum.GPUClassDiscrete:
		return enum.DeviceTierHighEnd
	case p.MemoryGB < 4 || p.CoreCount < 2:
		return enum.DeviceTierLowEnd
	default:
		return enum.DeviceTierMidRange
	}
}

func recoverAxis(axis string) {
	if r := recover(); r != nil {
		log.Warning("probe axis %s panicked, using default: %v", axis, r)
	}
}
