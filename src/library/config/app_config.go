package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"VisualSphere/src/library/enum"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// AppConfig 应用配置
type AppConfig struct {
	AppName      string             `yaml:"appName"`
	Version      string             `yaml:"version"`
	Log          LogConfig          `yaml:"log"`
	Probe        ProbeConfig        `yaml:"probe"`
	Compile      CompileConfig      `yaml:"compile"`
	Health       HealthCheckConfig  `yaml:"health"`
	Registry     RegistryConfig     `yaml:"registry"`
	Fallback     FallbackConfig     `yaml:"fallback"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Store        StoreConfig        `yaml:"store"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"filePath"`
	MaxSizeMB int64  `yaml:"maxSizeMB"`
	ToStdout  bool   `yaml:"toStdout"`
}

// ProbeConfig 设备能力探测配置
type ProbeConfig struct {
	ProfileTTL       time.Duration `yaml:"profileTTL"`       // 设备画像缓存时间
	GPUCacheTTL      time.Duration `yaml:"gpuCacheTTL"`      // GPU分类结果缓存时间
	ForceTier        string        `yaml:"forceTier"`        // 强制设备等级，测试用
	AllowSIMD        bool          `yaml:"allowSIMD"`        // 特性上限：SIMD
	AllowThreads     bool          `yaml:"allowThreads"`     // 特性上限：线程
	AllowBulkMemory  bool          `yaml:"allowBulkMemory"`  // 特性上限：批量内存操作
	DefaultMemoryGB  float64       `yaml:"defaultMemoryGB"`  // 内存不可读时的保守默认值
	DefaultCores     int           `yaml:"defaultCores"`     // 核心数不可读时的保守默认值
	MobileMaxWidth   int           `yaml:"mobileMaxWidth"`   // 触屏设备被视为移动端的屏幕宽度上限
	MobileUserAgents string        `yaml:"mobileUserAgents"` // 移动端UA正则
}

// CompileConfig 编译流水线配置
type CompileConfig struct {
	CircuitBreaker CBConfig      `yaml:"circuitBreaker"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"` // 单层编译超时
	MemoryLimitMB  uint32        `yaml:"memoryLimitMB"`  // 模块内存上限
}

// RegistryConfig 失败登记配置
type RegistryConfig struct {
	MaxFailureRate   float64       `yaml:"maxFailureRate"`   // 失败率超过该值自动永久屏蔽
	MaxTotalFailures int64         `yaml:"maxTotalFailures"` // 累计失败达到该值自动永久屏蔽
	MaxReasons       int           `yaml:"maxReasons"`       // 会话记录保留的原因条数
	AutosaveSpec     string        `yaml:"autosaveSpec"`     // cron 表达式
	StorageKey       string        `yaml:"storageKey"`
	SaveTimeout      time.Duration `yaml:"saveTimeout"`
	TrimBatch        int           `yaml:"trimBatch"` // 超出配额时每次裁剪的条目数
	Retry            RetryPolicy   `yaml:"retry"`
}

// FallbackConfig 回退程序选择配置
type FallbackConfig struct {
	Catalog          []string      `yaml:"catalog"`          // 由简到繁
	LowEndAudioLevel float64       `yaml:"lowEndAudioLevel"` // 低端设备选择较丰富程序的音量阈值
	RichAudioLevel   float64       `yaml:"richAudioLevel"`   // 高中端设备选择最丰富程序的音量阈值
	RepeatCooldown   time.Duration `yaml:"repeatCooldown"`   // 防重复冷却时间
	RandomSeed       int64         `yaml:"randomSeed"`       // 0 表示使用时间种子
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	SwapLimit      RLConfig `yaml:"swapLimit"`      // 回退切换限流
	InitialProgram string   `yaml:"initialProgram"` // 启动时加载的程序
}

// StoreConfig 持久化存储配置
type StoreConfig struct {
	Backend string `yaml:"backend"` // bolt | badger | memory
	Path    string `yaml:"path"`
	Bucket  string `yaml:"bucket"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"serviceName"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress"`
	Path          string `yaml:"path"`
}

// DefaultAppConfig 默认配置
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		AppName: "VisualSphere",
		Version: "0.1.0",
		Log: LogConfig{
			Level:     "INFO",
			MaxSizeMB: 10,
			ToStdout:  true,
		},
		Probe: ProbeConfig{
			ProfileTTL:       5 * time.Minute,
			GPUCacheTTL:      24 * time.Hour,
			AllowSIMD:        true,
			AllowThreads:     true,
			AllowBulkMemory:  true,
			DefaultMemoryGB:  4,
			DefaultCores:     2,
			MobileMaxWidth:   768,
			MobileUserAgents: `(?i)android|webos|iphone|ipad|ipod|blackberry|iemobile|opera mini|mobile`,
		},
		Compile: CompileConfig{
			CircuitBreaker: DefaultCBConfig(),
			AttemptTimeout: 5 * time.Second,
			MemoryLimitMB:  256,
		},
		Health: DefaultHealthCheckConfig(),
		Registry: RegistryConfig{
			MaxFailureRate:   0.8,
			MaxTotalFailures: 50,
			MaxReasons:       32,
			AutosaveSpec:     "@every 30s",
			StorageKey:       "visualsphere/failure-registry",
			SaveTimeout:      5 * time.Second,
			TrimBatch:        16,
			Retry:            DefaultRetryPolicy(),
		},
		Fallback: FallbackConfig{
			Catalog:          []string{"fallback/solid-pulse", "fallback/radial-bars", "fallback/spectrum-tunnel"},
			LowEndAudioLevel: 0.3,
			RichAudioLevel:   0.5,
			RepeatCooldown:   10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			SwapLimit: RLConfig{Rate: 0.5, Burst: 1},
		},
		Store: StoreConfig{
			Backend: "bolt",
			Path:    "./data/visualsphere.db",
			Bucket:  "visualsphere",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "visualsphere",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
			Path:          "/metrics",
		},
	}
}

// LoadAppConfig 加载YAML配置，文件不存在时使用默认配置，缺失字段保持默认值
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, v...))
}

// Validate 校验配置取值范围
func (c *AppConfig) Validate() error {
	cb := c.Compile.CircuitBreaker
	if cb.MaxFailures < 1 || cb.MaxFailures > 100 {
		return invalid("compile.circuitBreaker.maxFailures must be in [1,100], got %d", cb.MaxFailures)
	}
	if c.Compile.AttemptTimeout < 0 {
		return invalid("compile.attemptTimeout must not be negative")
	}

	h := c.Health
	if h.SampleCount < 1 || h.SampleCount > 100000 {
		return invalid("health.sampleCount must be in [1,100000], got %d", h.SampleCount)
	}
	if h.BlackThreshold < 1 || h.StuckThreshold < 1 || h.SolidThreshold < 1 {
		return invalid("health thresholds must be >= 1")
	}
	if h.SolidSensitivity <= 0 {
		return invalid("health.solidSensitivity must be > 0")
	}
	if h.StuckEpsilon < 0 {
		return invalid("health.stuckEpsilon must not be negative")
	}
	for name, m := range h.TierMultipliers {
		if _, err := enum.ParseDeviceTier(name); err != nil {
			return invalid("health.tierMultipliers: %v", err)
		}
		if m <= 0 {
			return invalid("health.tierMultipliers[%s] must be > 0", name)
		}
	}

	p := c.Probe
	if p.ProfileTTL < 0 || p.GPUCacheTTL < 0 {
		return invalid("probe TTLs must not be negative")
	}
	if p.DefaultMemoryGB <= 0 || p.DefaultCores < 1 {
		return invalid("probe defaults must be positive")
	}
	if p.ForceTier != "" {
		if _, err := enum.ParseDeviceTier(p.ForceTier); err != nil {
			return invalid("probe.forceTier: %v", err)
		}
	}

	r := c.Registry
	if r.MaxFailureRate < 0 || r.MaxFailureRate > 1 {
		return invalid("registry.maxFailureRate must be in [0,1], got %v", r.MaxFailureRate)
	}
	if r.MaxTotalFailures < 1 {
		return invalid("registry.maxTotalFailures must be >= 1")
	}
	if r.StorageKey == "" {
		return invalid("registry.storageKey must not be empty")
	}

	f := c.Fallback
	if len(f.Catalog) < 3 {
		return invalid("fallback.catalog needs at least 3 entries, got %d", len(f.Catalog))
	}
	seen := make(map[string]struct{}, len(f.Catalog))
	for _, id := range f.Catalog {
		if id == "" {
			return invalid("fallback.catalog contains an empty id")
		}
		if _, dup := seen[id]; dup {
			return invalid("fallback.catalog contains duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if f.LowEndAudioLevel < 0 || f.LowEndAudioLevel > 1 || f.RichAudioLevel < 0 || f.RichAudioLevel > 1 {
		return invalid("fallback audio levels must be in [0,1]")
	}
	if f.RepeatCooldown < 0 {
		return invalid("fallback.repeatCooldown must not be negative")
	}

	switch c.Store.Backend {
	case "bolt", "badger", "memory":
	default:
		return invalid("store.backend must be bolt, badger or memory, got %q", c.Store.Backend)
	}
	return nil
}
