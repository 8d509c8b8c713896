package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	// 设备探测
	probeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_probe_runs_total",
			Help: "Total number of capability probes by resulting device tier",
		},
		[]string{"tier"},
	)

	// 编译流水线
	compileAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_compile_attempts_total",
			Help: "Total number of compile attempts per execution tier",
		},
		[]string{"tier", "result"},
	)
	compileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_compile_failures_total",
			Help: "Compile failures per execution tier and reason",
		},
		[]string{"tier", "reason"},
	)
	compileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visualsphere_compile_duration_seconds",
			Help:    "Compile attempt latency per execution tier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)
	circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visualsphere_compile_circuit_open",
			Help: "1 when the execution tier circuit is open",
		},
		[]string{"tier"},
	)

	// 帧健康
	frameAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_frame_anomalies_total",
			Help: "Frames reported as problematic by reason",
		},
		[]string{"reason"},
	)

	// 失败登记
	registryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_registry_failures_total",
			Help: "Recorded program failures by reason",
		},
		[]string{"reason"},
	)
	blocklistSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visualsphere_blocklist_size",
			Help: "Number of blocked programs per scope",
		},
		[]string{"scope"},
	)
	registrySaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_registry_saves_total",
			Help: "Registry persistence attempts by outcome",
		},
		[]string{"result"},
	)

	// 回退
	fallbackSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_fallback_selections_total",
			Help: "Fallback program selections",
		},
		[]string{"program"},
	)
	programSwaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visualsphere_program_swaps_total",
			Help: "Active program swaps by cause",
		},
		[]string{"cause"},
	)
)

func init() {
	prometheus.MustRegister(probeRuns)
	prometheus.MustRegister(compileAttempts, compileFailures, compileDuration, circuitOpen)
	prometheus.MustRegister(frameAnomalies)
	prometheus.MustRegister(registryFailures, blocklistSize, registrySaves)
	prometheus.MustRegister(fallbackSelections, programSwaps)
}

func ObserveProbe(tier string) { probeRuns.WithLabelValues(tier).Inc() }

// ObserveCompile 记录一次层级编译尝试
func ObserveCompile(tier string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	compileAttempts.WithLabelValues(tier, result).Inc()
	compileDuration.WithLabelValues(tier).Observe(seconds)
}

func ObserveCompileFailure(tier, reason string) {
	compileFailures.WithLabelValues(tier, reason).Inc()
}

// SetCircuitOpen 更新层级熔断状态
func SetCircuitOpen(tier string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	circuitOpen.WithLabelValues(tier).Set(v)
}

func ObserveFrameAnomaly(reason string) { frameAnomalies.WithLabelValues(reason).Inc() }

func ObserveRegistryFailure(reason string) { registryFailures.WithLabelValues(reason).Inc() }

// SetBlocklistSize 更新屏蔽列表规模，scope 为 permanent 或条件标签
func SetBlocklistSize(scope string, n int) { blocklistSize.WithLabelValues(scope).Set(float64(n)) }

func ObserveRegistrySave(ok bool) {
	if ok {
		registrySaves.WithLabelValues("success").Inc()
		return
	}
	registrySaves.WithLabelValues("failure").Inc()
}

func ObserveFallbackSelection(program string) { fallbackSelections.WithLabelValues(program).Inc() }

func ObserveSwap(cause string) { programSwaps.WithLabelValues(cause).Inc() }
