package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VisualSphere/src/capability"
	"VisualSphere/src/compile"
	"VisualSphere/src/demo"
	"VisualSphere/src/fallback"
	"VisualSphere/src/health"
	"VisualSphere/src/library/config"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/storage"
	"VisualSphere/src/library/telemetry"
	"VisualSphere/src/orchestrator"
	"VisualSphere/src/registry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "conf/visualsphere.yaml", "配置文件路径")
	program := flag.String("program", "preset/aurora", "启动后加载的程序")
	frames := flag.Int("frames", 0, "渲染帧数，0 表示一直运行")
	fps := flag.Int("fps", 60, "帧率")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Warning("读取 .env 失败: %v", err)
	}
	if p, ok := os.LookupEnv(config.EnvConfigPath); ok && p != "" {
		*configPath = p
	}
	cfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		log.Fatal("加载配置失败: %v", err)
		return
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal("环境变量配置无效: %v", err)
		return
	}
	if err := log.InitLogger(log.ParseLevel(cfg.Log.Level), cfg.Log.FilePath, cfg.Log.MaxSizeMB, cfg.Log.ToStdout); err != nil {
		log.Fatal("初始化日志失败: %v", err)
		return
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Warning("链路追踪初始化失败: %v", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	store, err := storage.Open(cfg.Store.Backend, cfg.Store.Path, cfg.Store.Bucket)
	if err != nil {
		// 存储不可用时仅保留会话内记录
		log.Warning("打开存储失败，失败记录不会持久化: %v", err)
		store = nil
	} else {
		defer store.Close()
	}

	prober, err := capability.NewProber(cfg.Probe)
	if err != nil {
		log.Fatal("创建设备探测器失败: %v", err)
		return
	}
	pipeline := compile.NewPipeline(cfg.Compile, compile.BinaryCompiler{})
	reg := registry.NewRegistry(cfg.Registry, store)
	if err := reg.Load(ctx); err != nil {
		log.Warning("加载失败记录失败: %v", err)
	}
	if err := reg.Start(); err != nil {
		log.Fatal("启动失败记录自动保存失败: %v", err)
		return
	}
	selector, err := fallback.NewSelector(cfg.Fallback)
	if err != nil {
		log.Fatal("创建回退选择器失败: %v", err)
		return
	}

	ids := append([]string{"preset/aurora", "preset/void", "preset/frozen", "preset/trap", "preset/broken"}, cfg.Fallback.Catalog...)
	orc := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Prober:   prober,
		Pipeline: pipeline,
		Monitor:  health.NewFrameMonitor(cfg.Health),
		Registry: reg,
		Selector: selector,
		Surface:  demo.NewSurface(64, 48),
		Audio:    demo.NewSineAudio(),
		Resolver: demo.NewCatalogResolver(ids...),
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(orc.Status())
		})
		mux.Handle("/status/stream", orchestrator.StatusFeed(orc, time.Second))
		srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("指标服务异常退出: %v", err)
			}
		}()
		defer srv.Close()
		log.Info("指标服务监听 %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	if err := orc.Start(ctx); err != nil {
		log.Fatal("启动编排器失败: %v", err)
		return
	}
	if err := orc.LoadProgram(ctx, *program); err != nil {
		log.Fatal("加载程序失败: %v", err)
		return
	}

	if *fps <= 0 {
		*fps = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	for n := 0; *frames == 0 || n < *frames; n++ {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			if err := orc.Tick(ctx); err != nil {
				log.Error("渲染失败: %v", err)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	st := orc.Status()
	log.Info("退出: requested=%s active=%s fallback=%t builtin=%t reason=%s",
		st.Requested, st.Active, st.ShowingFallback, st.ShowingBuiltin, st.LastReason)

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orc.Close(cctx); err != nil {
		log.Warning("关闭编排器: %v", err)
	}
}
