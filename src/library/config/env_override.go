package config

import (
	"strconv"

	"github.com/joho/godotenv"
)

// 环境变量覆盖项
const (
	EnvConfigPath     = "VISUALSPHERE_CONFIG"
	EnvLogLevel       = "VISUALSPHERE_LOG_LEVEL"
	EnvStoreBackend   = "VISUALSPHERE_STORE_BACKEND"
	EnvStorePath      = "VISUALSPHERE_STORE_PATH"
	EnvForceTier      = "VISUALSPHERE_FORCE_TIER"
	EnvOTLPEndpoint   = "VISUALSPHERE_OTLP_ENDPOINT"
	EnvMetricsAddress = "VISUALSPHERE_METRICS_ADDR"
	EnvMetricsEnabled = "VISUALSPHERE_METRICS_ENABLED"
)

// LoadDotEnv 读取 .env 文件到进程环境，文件不存在时忽略；已有的环境变量不会被覆盖
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := godotenv.Read(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv 用环境变量覆盖配置，lookup 通常为 os.LookupEnv
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvStoreBackend); ok {
		c.Store.Backend = v
	}
	if v, ok := lookup(EnvStorePath); ok {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvForceTier); ok {
		c.Probe.ForceTier = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v, ok := lookup(EnvMetricsAddress); ok {
		c.Metrics.ListenAddress = v
	}
	if v, ok := lookup(EnvMetricsEnabled); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return invalid("%s: %v", EnvMetricsEnabled, err)
		}
		c.Metrics.Enabled = enabled
	}
	return c.Validate()
}
