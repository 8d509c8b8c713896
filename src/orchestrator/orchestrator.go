package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"VisualSphere/src/compile"
	"VisualSphere/src/fallback"
	"VisualSphere/src/library/config"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"
	"VisualSphere/src/library/telemetry"
	"VisualSphere/src/registry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrClosed 编排器已关闭
var ErrClosed = errors.New("orchestrator closed")

// Status 当前展示状态，区分用户请求的程序与实际展示的程序
type Status struct {
	Requested       string             `json:"requested"`
	Active          string             `json:"active"`
	ActiveTier      enum.ExecutionTier `json:"active_tier"`
	Pending         string             `json:"pending,omitempty"`
	ShowingFallback bool               `json:"showing_fallback"`
	ShowingBuiltin  bool               `json:"showing_builtin"`
	Profiled        bool               `json:"profiled"`
	DeviceTier      enum.DeviceTier    `json:"device_tier"`
	LastReason      enum.ReasonCode    `json:"last_reason,omitempty"`
}

// Deps 编排器依赖
type Deps struct {
	Prober   Prober
	Pipeline Compiler
	Monitor  FrameAnalyzer
	Registry FailureRecorder
	Selector FallbackChooser
	Surface  RenderSurface
	Audio    AudioFeatureProvider
	Resolver PresetResolver
}

type compileResult struct {
	gen       uint64
	programID string
	fallback  bool
	prog      *entity.CompiledProgram
	err       error
}

// Orchestrator 驱动帧循环：异步探测与编译、帧健康判定、失败登记和回退切换
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	deps    Deps
	limiter *rate.Limiter

	baseCtx   context.Context
	cancelAll context.CancelFunc
	probeCh   chan entity.DeviceProfile
	results   chan compileResult
	wg        sync.WaitGroup

	mu              sync.Mutex
	started         bool
	closed          bool
	profile         entity.DeviceProfile
	profiled        bool
	requested       string
	deferredLoad    bool
	pending         string
	generation      uint64
	cancelPending   context.CancelFunc
	active          *entity.CompiledProgram
	showingFallback bool
	pendingSwap     bool
	lastReason      enum.ReasonCode
}

// New 创建编排器
func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		limiter:   cfg.SwapLimit.NewLimiter(),
		baseCtx:   ctx,
		cancelAll: cancel,
		probeCh:   make(chan entity.DeviceProfile, 1),
		results:   make(chan compileResult, 4),
	}
}

// Start 异步探测设备，探测完成前保持中性画面
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return nil
	}
	o.started = true

	pctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.baseCtx, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stop()
		defer cancel()
		profile := o.deps.Prober.Probe(pctx)
		select {
		case o.probeCh <- profile:
		case <-o.baseCtx.Done():
		}
	}()

	if o.cfg.InitialProgram != "" {
		o.requested = o.cfg.InitialProgram
		o.deferredLoad = true
	}
	return nil
}

// LoadProgram 请求加载程序，最后一次请求生效
func (o *Orchestrator) LoadProgram(ctx context.Context, programID string) error {
	_, span := telemetry.Tracer().Start(ctx, "orchestrator.load",
		trace.WithAttributes(attribute.String("program.id", programID)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.requested = programID
	o.pendingSwap = false
	if !o.profiled {
		// 探测完成后再加载
		o.deferredLoad = true
		return nil
	}
	o.loadRequestedLocked()
	return nil
}

func (o *Orchestrator) loadRequestedLocked() {
	id := o.requested
	o.deferredLoad = false
	if status := o.deps.Registry.IsBlocked(id, o.profile); status.Blocked {
		log.Info("program %s is blocked (%s), selecting fallback", id, status.Reason)
		o.cancelPendingLocked()
		o.swapToFallbackLocked("blocked")
		return
	}
	o.startCompileLocked(id, false)
}

// startCompileLocked 取消上一次未完成的编译，异步开始新的编译
func (o *Orchestrator) startCompileLocked(programID string, isFallback bool) {
	src, err := o.deps.Resolver.Resolve(programID)
	if err != nil {
		log.Warning("cannot resolve program %s: %v", programID, err)
		o.cancelPendingLocked()
		o.deps.Registry.RecordFailure(programID, enum.ReasonUnexpected, registry.FailureContext{Profile: o.profile, Details: err.Error()})
		o.lastReason = enum.ReasonUnexpected
		if isFallback {
			o.showBuiltinLocked()
			return
		}
		o.swapToFallbackLocked(string(enum.ReasonUnexpected))
		return
	}

	o.cancelPendingLocked()
	gen := o.generation
	cctx, cancel := context.WithCancel(o.baseCtx)
	o.cancelPending = cancel
	o.pending = programID
	profile := o.profile

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		prog, err := o.deps.Pipeline.Compile(cctx, src, programID, compile.Options{Profile: &profile})
		if prog != nil {
			prog.Fallback = isFallback
		}
		res := compileResult{gen: gen, programID: programID, fallback: isFallback, prog: prog, err: err}
		select {
		case o.results <- res:
		case <-o.baseCtx.Done():
			if prog != nil {
				_ = prog.Release(context.Background())
			}
		}
	}()
}

// cancelPendingLocked 取消未完成的编译并使其结果过期
func (o *Orchestrator) cancelPendingLocked() {
	if o.cancelPending != nil {
		o.cancelPending()
		o.cancelPending = nil
	}
	o.pending = ""
	o.generation++
}

// Tick 每帧调用一次：应用已完成的探测与编译，渲染并判定帧健康
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	select {
	case profile := <-o.probeCh:
		o.applyProfileLocked(profile)
	default:
	}

	for drained := false; !drained; {
		select {
		case res := <-o.results:
			o.applyResultLocked(ctx, res)
		default:
			drained = true
		}
	}

	if o.pendingSwap && o.profiled && o.limiter.Allow() {
		o.pendingSwap = false
		o.startFallbackLocked("deferred")
	}

	audio := o.deps.Audio.Features()
	if err := o.deps.Surface.Render(ctx, o.active, audio); err != nil {
		var trap *RuntimeTrap
		if o.active != nil && errors.As(err, &trap) {
			o.handleFailureLocked(ctx, enum.ReasonRuntimeTrap, trap.Error())
			return nil
		}
		return fmt.Errorf("render: %w", err)
	}
	if o.active == nil {
		return nil
	}

	rgba, w, h, err := o.deps.Surface.ReadPixels()
	if err != nil {
		log.Trace("frame readback failed: %v", err)
		return nil
	}
	res := o.deps.Monitor.Analyze(rgba, w, h)
	if res.IsProblematic {
		o.handleFailureLocked(ctx, res.Reason, fmt.Sprintf("confidence=%.2f", res.Confidence))
	}
	return nil
}

func (o *Orchestrator) applyProfileLocked(profile entity.DeviceProfile) {
	o.profile = profile
	o.profiled = true
	o.deps.Pipeline.SetProfile(profile)
	o.deps.Monitor.SetDeviceTier(profile.Tier)
	log.Info("device profile applied: %s", profile.Tier)
	if o.deferredLoad && o.requested != "" {
		o.loadRequestedLocked()
	}
}

func (o *Orchestrator) applyResultLocked(ctx context.Context, res compileResult) {
	if res.gen != o.generation {
		// 过期结果只释放，不应用
		if res.prog != nil {
			_ = res.prog.Release(ctx)
		}
		log.Trace("discarded stale compile of %s", res.programID)
		return
	}
	if o.cancelPending != nil {
		o.cancelPending()
		o.cancelPending = nil
	}
	o.pending = ""
	if res.err != nil && errors.Is(res.err, context.Canceled) {
		return
	}
	o.deps.Registry.RecordAttempt(res.programID)

	if res.err != nil {
		reason := enum.ReasonUnexpected
		if errors.Is(res.err, compile.ErrCompilationExhausted) {
			reason = enum.ReasonCompilationExhausted
		}
		o.deps.Registry.RecordFailure(res.programID, reason, registry.FailureContext{Profile: o.profile, Details: res.err.Error()})
		o.lastReason = reason
		if res.fallback {
			log.Error("fallback %s failed to compile, showing built-in visual: %v", res.programID, res.err)
			o.showBuiltinLocked()
			return
		}
		o.swapToFallbackLocked(string(reason))
		return
	}

	o.replaceActiveLocked(ctx, res.prog)
	o.showingFallback = res.fallback
	log.Info("now showing %s at %s (fallback=%t)", res.programID, res.prog.Tier, res.fallback)
}

func (o *Orchestrator) replaceActiveLocked(ctx context.Context, prog *entity.CompiledProgram) {
	if o.active != nil {
		if err := o.active.Release(ctx); err != nil {
			log.Warning("release %s: %v", o.active.ProgramID, err)
		}
	}
	o.active = prog
	o.deps.Monitor.Reset()
}

// handleFailureLocked 记录失败，撤下当前程序并切换到回退程序
func (o *Orchestrator) handleFailureLocked(ctx context.Context, reason enum.ReasonCode, details string) {
	id := o.active.ProgramID
	log.Warning("program %s failed: %s (%s)", id, reason, details)
	o.deps.Registry.RecordFailure(id, reason, registry.FailureContext{Profile: o.profile, Details: details})
	o.lastReason = reason
	o.replaceActiveLocked(ctx, nil)
	o.showingFallback = false
	if o.pending != "" {
		// 已有新的加载请求在编译，等待其结果
		return
	}
	o.swapToFallbackLocked(string(reason))
}

// swapToFallbackLocked 受限流保护；被限流时先展示内置画面，稍后重试
func (o *Orchestrator) swapToFallbackLocked(cause string) {
	if !o.limiter.Allow() {
		log.Warning("fallback swap rate limited (%s), showing built-in visual", cause)
		o.showBuiltinLocked()
		o.pendingSwap = true
		return
	}
	o.startFallbackLocked(cause)
}

func (o *Orchestrator) startFallbackLocked(cause string) {
	audio := o.deps.Audio.Features()
	id := o.deps.Selector.SelectAvoiding(fallback.Context{DeviceTier: o.profile.Tier, AudioLevel: audio.Level},
		func(programID string) bool { return o.deps.Registry.IsBlocked(programID, o.profile).Blocked })
	monitor.ObserveSwap(cause)
	o.startCompileLocked(id, true)
}

// showBuiltinLocked 最后的保底画面：中性清屏
func (o *Orchestrator) showBuiltinLocked() {
	if o.active != nil {
		_ = o.active.Release(o.baseCtx)
		o.active = nil
	}
	o.showingFallback = false
	o.deps.Monitor.Reset()
}

// Status 当前状态快照
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Requested:       o.requested,
		Pending:         o.pending,
		ShowingFallback: o.active != nil && o.showingFallback,
		ShowingBuiltin:  o.active == nil,
		Profiled:        o.profiled,
		DeviceTier:      o.profile.Tier,
		LastReason:      o.lastReason,
	}
	if o.active != nil {
		st.Active = o.active.ProgramID
		st.ActiveTier = o.active.Tier
	}
	return st
}

// Close 取消未完成的工作，释放当前程序，关闭流水线并刷新失败登记
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.cancelPendingLocked()
	o.cancelAll()
	var errs []error
	if o.active != nil {
		errs = append(errs, o.active.Release(ctx))
		o.active = nil
	}
	o.mu.Unlock()

	o.wg.Wait()
	for drained := false; !drained; {
		select {
		case res := <-o.results:
			if res.prog != nil {
				errs = append(errs, res.prog.Release(ctx))
			}
		default:
			drained = true
		}
	}
	errs = append(errs, o.deps.Pipeline.Close(ctx), o.deps.Registry.Close(ctx))
	return errors.Join(errs...)
}
