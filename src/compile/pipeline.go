package compile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"
	"VisualSphere/src/library/telemetry"

	"github.com/sony/gobreaker"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errTierFailed 只用于向熔断器报告失败
var errTierFailed = errors.New("tier attempt failed")

// PresetSource 不透明的程序描述，流水线不解析其内容
type PresetSource struct {
	ID   string
	Body []byte
}

// TierCompiler 把程序描述编译为指定层级的模块字节
type TierCompiler interface {
	Compile(ctx context.Context, source PresetSource, tier enum.ExecutionTier) ([]byte, error)
}

// Lowerer 语义等价的降级变换，把并行/向量/批量指令改写为顺序等价形式
type Lowerer interface {
	Lower(ctx context.Context, module []byte, tier enum.ExecutionTier) ([]byte, error)
}

// ModuleLoader 在给定特性集合下校验并加载模块
type ModuleLoader interface {
	Load(ctx context.Context, module []byte, features api.CoreFeatures) (entity.ModuleHandle, error)
	Close(ctx context.Context) error
}

// Options 单次编译选项
type Options struct {
	Profile   *entity.DeviceProfile // 为空时使用流水线当前画像
	MaxTier   *enum.ExecutionTier   // 最高允许层级
	SkipTiers []enum.ExecutionTier
}

// TierStats 层级统计
type TierStats struct {
	Tier      enum.ExecutionTier `json:"tier"`
	Attempts  int64              `json:"attempts"`
	Successes int64              `json:"successes"`
	Failures  int64              `json:"failures"`
	Strikes   int                `json:"strikes"`
	Open      bool               `json:"open"`
	LastError string             `json:"last_error,omitempty"`
}

// Pipeline 分层编译流水线
type Pipeline struct {
	cfg      config.CompileConfig
	compiler TierCompiler
	lowerer  Lowerer
	loader   ModuleLoader
	now      func() time.Time

	mu       sync.Mutex
	profile  entity.DeviceProfile
	breakers map[enum.ExecutionTier]*gobreaker.CircuitBreaker
	stats    map[enum.ExecutionTier]*TierStats
}

// PipelineOption 流水线选项
type PipelineOption func(*Pipeline)

func WithLowerer(l Lowerer) PipelineOption { return func(p *Pipeline) { p.lowerer = l } }

func WithLoader(l ModuleLoader) PipelineOption { return func(p *Pipeline) { p.loader = l } }

func WithClock(now func() time.Time) PipelineOption { return func(p *Pipeline) { p.now = now } }

// NewPipeline 创建编译流水线
func NewPipeline(cfg config.CompileConfig, compiler TierCompiler, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		compiler: compiler,
		lowerer:  PassthroughLowerer{},
		now:      time.Now,
		stats:    make(map[enum.ExecutionTier]*TierStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.loader == nil {
		p.loader = NewWazeroLoader(cfg.MemoryLimitMB)
	}
	for _, tier := range enum.ExecutionTiers() {
		p.stats[tier] = &TierStats{Tier: tier}
	}
	p.buildBreakers()
	return p
}

func (p *Pipeline) buildBreakers() {
	p.breakers = make(map[enum.ExecutionTier]*gobreaker.CircuitBreaker, 3)
	for _, tier := range enum.ExecutionTiers() {
		st := p.cfg.CircuitBreaker.Settings(tier.String(), func(name string, from, to gobreaker.State) {
			log.Warning("circuit %s: %s -> %s", name, from, to)
			monitor.SetCircuitOpen(tier.String(), to == gobreaker.StateOpen)
		})
		p.breakers[tier] = gobreaker.NewCircuitBreaker(st)
		monitor.SetCircuitOpen(tier.String(), false)
	}
}

// SetProfile 更新设备画像，探测完成后调用
func (p *Pipeline) SetProfile(profile entity.DeviceProfile) {
	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()
}

// Profile 当前设备画像
func (p *Pipeline) Profile() entity.DeviceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Compile 从最强层级开始依次尝试，返回第一个成功的程序
func (p *Pipeline) Compile(ctx context.Context, source PresetSource, programID string, opts Options) (*entity.CompiledProgram, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "compile.program",
		trace.WithAttributes(attribute.String("program.id", programID)))
	defer span.End()

	profile := p.Profile()
	if opts.Profile != nil {
		profile = *opts.Profile
	}

	var attempts []*CompileError
	for _, tier := range enum.ExecutionTiers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.eligible(tier, profile, opts) {
			continue
		}
		prog, err := p.attempt(ctx, source, programID, tier, profile)
		if err == nil {
			span.SetAttributes(attribute.String("compile.tier", tier.String()))
			return prog, nil
		}
		var ce *CompileError
		if !errors.As(err, &ce) {
			// 调用方取消，不计入熔断
			return nil, err
		}
		attempts = append(attempts, ce)
	}

	exhausted := &CompilationExhaustedError{ProgramID: programID, Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "compilation exhausted")
	log.Warning("compile %s exhausted: %v", programID, exhausted)
	return nil, exhausted
}

// eligible 熔断打开、设备能力不足或被选项排除的层级直接跳过
func (p *Pipeline) eligible(tier enum.ExecutionTier, profile entity.DeviceProfile, opts Options) bool {
	if opts.MaxTier != nil && tier > *opts.MaxTier {
		return false
	}
	for _, skip := range opts.SkipTiers {
		if skip == tier {
			return false
		}
	}
	if p.CircuitOpen(tier) {
		log.Trace("tier %s skipped: %v", tier, ErrCircuitOpen)
		return false
	}
	if !TierRequirementMet(tier, profile) {
		log.Trace("tier %s skipped: requirement not met by %s", tier, profile.Tier)
		return false
	}
	return true
}

func (p *Pipeline) attempt(ctx context.Context, source PresetSource, programID string, tier enum.ExecutionTier, profile entity.DeviceProfile) (*entity.CompiledProgram, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "compile.tier",
		trace.WithAttributes(attribute.String("program.id", programID), attribute.String("compile.tier", tier.String())))
	defer span.End()

	start := p.now()
	handle, err := p.runTier(ctx, source, tier, profile)
	elapsed := p.now().Sub(start).Seconds()

	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		ce := &CompileError{
			Reason:    ClassifyError(err),
			Tier:      tier,
			ProgramID: programID,
			Message:   err.Error(),
			Cause:     err,
			Timestamp: p.now(),
		}
		p.recordOutcome(tier, ce)
		monitor.ObserveCompile(tier.String(), false, elapsed)
		monitor.ObserveCompileFailure(tier.String(), string(ce.Reason))
		span.RecordError(ce)
		span.SetStatus(codes.Error, string(ce.Reason))
		if ce.Reason.IsEnvironmental() {
			log.Info("compile %s at %s not possible: %s", programID, tier, ce.Message)
		} else {
			log.Warning("compile %s at %s failed (%s): %s", programID, tier, ce.Reason, ce.Message)
		}
		return nil, ce
	}

	p.recordOutcome(tier, nil)
	monitor.ObserveCompile(tier.String(), true, elapsed)
	log.Info("compiled %s at %s in %.1fms", programID, tier, elapsed*1000)
	return &entity.CompiledProgram{
		ProgramID:  programID,
		Tier:       tier,
		Module:     handle,
		CompiledAt: p.now(),
		Ready:      true,
	}, nil
}

// runTier 编译、按需降级、校验加载；panic 转换为错误
func (p *Pipeline) runTier(ctx context.Context, source PresetSource, tier enum.ExecutionTier, profile entity.DeviceProfile) (handle entity.ModuleHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			handle, err = nil, &panicError{value: r}
		}
	}()
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}

	module, err := p.compiler.Compile(ctx, source, tier)
	if err != nil {
		return nil, err
	}
	features, lower := TierFeatures(tier, profile)
	if lower {
		module, err = p.lowerer.Lower(ctx, module, tier)
		if err != nil {
			return nil, fmt.Errorf("lowering: %w", err)
		}
	}
	handle, err = p.loader.Load(ctx, module, features)
	if err != nil {
		if lower {
			return nil, fmt.Errorf("lowered module rejected: %w", err)
		}
		return nil, err
	}
	return handle, nil
}

// recordOutcome 更新层级计数并把结果报告给熔断器
func (p *Pipeline) recordOutcome(tier enum.ExecutionTier, ce *CompileError) {
	p.mu.Lock()
	st := p.stats[tier]
	st.Attempts++
	var outcome error
	if ce != nil {
		st.Failures++
		st.Strikes++
		st.LastError = ce.Message
		outcome = errTierFailed
	} else {
		st.Successes++
		st.Strikes = 0
	}
	cb := p.breakers[tier]
	p.mu.Unlock()

	_, _ = cb.Execute(func() (interface{}, error) { return nil, outcome })
}

// Strikes 层级当前连续失败次数
func (p *Pipeline) Strikes(tier enum.ExecutionTier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stats[tier]; ok {
		return st.Strikes
	}
	return 0
}

// CircuitOpen 层级熔断器是否打开
func (p *Pipeline) CircuitOpen(tier enum.ExecutionTier) bool {
	p.mu.Lock()
	cb, ok := p.breakers[tier]
	p.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// ResetCircuits 显式重置所有层级的熔断器与连续失败计数
func (p *Pipeline) ResetCircuits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buildBreakers()
	for _, st := range p.stats {
		st.Strikes = 0
	}
	log.Info("compile circuits reset")
}

// Stats 按层级顺序返回统计快照
func (p *Pipeline) Stats() []TierStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TierStats, 0, len(p.stats))
	for _, tier := range enum.ExecutionTiers() {
		st := *p.stats[tier]
		st.Open = p.breakers[tier].State() == gobreaker.StateOpen
		out = append(out, st)
	}
	return out
}

// Close 释放加载器持有的运行时
func (p *Pipeline) Close(ctx context.Context) error {
	return p.loader.Close(ctx)
}
