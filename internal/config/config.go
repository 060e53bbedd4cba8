package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BalancerConfig holds configuration for the gpupool balancer server.
// Scoring weights, the failure threshold, and the cooldown curve are
// configuration rather than constants.
type BalancerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
	BindingsFile   string        `yaml:"bindings_file"`
	RedisAddr      string        `yaml:"redis_addr"`

	// Detector loop.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshJitter   time.Duration `yaml:"refresh_jitter"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`

	// Registry.
	RetireGrace time.Duration `yaml:"retire_grace"`

	// Health state machine.
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbationTrials  int           `yaml:"probation_trials"`
	CooldownBase     time.Duration `yaml:"cooldown_base"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`

	// Scoring.
	SuccessWeight   float64       `yaml:"success_weight"`
	LatencyWeight   float64       `yaml:"latency_weight"`
	LoadWeight      float64       `yaml:"load_weight"`
	WindowSize      int           `yaml:"window_size"`
	WindowAge       time.Duration `yaml:"window_age"`
	BaselineLatency time.Duration `yaml:"baseline_latency"`

	// Warm-start snapshot persistence; 0 disables the loop.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BalancerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Second
	}
	if c.RefreshJitter == 0 {
		c.RefreshJitter = 3 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RetireGrace == 0 {
		c.RetireGrace = time.Minute
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ProbationTrials == 0 {
		c.ProbationTrials = 3
	}
	if c.CooldownBase == 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownMax == 0 {
		c.CooldownMax = 10 * time.Minute
	}
	if c.SuccessWeight == 0 {
		c.SuccessWeight = 0.5
	}
	if c.LatencyWeight == 0 {
		c.LatencyWeight = 0.3
	}
	if c.LoadWeight == 0 {
		c.LoadWeight = 0.2
	}
	if c.WindowSize == 0 {
		c.WindowSize = 50
	}
	if c.WindowAge == 0 {
		c.WindowAge = 5 * time.Minute
	}
	if c.BaselineLatency == 0 {
		c.BaselineLatency = 2 * time.Second
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BalancerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("BINDINGS_FILE", ""); v != "" {
		c.BindingsFile = v
	}
	applyEnvDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	applyEnvDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	applyEnvDuration("REFRESH_INTERVAL", &c.RefreshInterval)
	applyEnvDuration("REFRESH_JITTER", &c.RefreshJitter)
	applyEnvDuration("PROBE_TIMEOUT", &c.ProbeTimeout)
	applyEnvDuration("RETIRE_GRACE", &c.RetireGrace)
	applyEnvDuration("COOLDOWN_BASE", &c.CooldownBase)
	applyEnvDuration("COOLDOWN_MAX", &c.CooldownMax)
	applyEnvDuration("SNAPSHOT_INTERVAL", &c.SnapshotInterval)
	if v := getEnv("FAILURE_THRESHOLD", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FailureThreshold = n
		}
	}
	if v := getEnv("PROBATION_TRIALS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ProbationTrials = n
		}
	}
}

// BindFlags binds command line flags using the current config values as defaults.
func (c *BalancerConfig) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "balancer config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	flag.StringVar(&c.BindingsFile, "bindings", c.BindingsFile, "YAML file binding compute units to workload families")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for warm-start snapshots")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration to process a client request")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown")
	flag.DurationVar(&c.RefreshInterval, "refresh-interval", c.RefreshInterval, "period between detector refreshes")
	flag.DurationVar(&c.RefreshJitter, "refresh-jitter", c.RefreshJitter, "random jitter added to each detector refresh")
	flag.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "per-unit health probe timeout")
	flag.DurationVar(&c.RetireGrace, "retire-grace", c.RetireGrace, "grace period before a vanished instance is pruned")
	flag.IntVar(&c.FailureThreshold, "failure-threshold", c.FailureThreshold, "consecutive failures before an instance is excluded")
	flag.IntVar(&c.ProbationTrials, "probation-trials", c.ProbationTrials, "trial successes required to promote a probationary instance")
	flag.DurationVar(&c.CooldownBase, "cooldown-base", c.CooldownBase, "initial cooldown before an excluded instance is retried")
	flag.DurationVar(&c.CooldownMax, "cooldown-max", c.CooldownMax, "upper bound on the exponential cooldown")
	flag.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "period between warm-start snapshots; 0 disables")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *BalancerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func applyEnvDuration(key string, dst *time.Duration) {
	if v := getEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			res = append(res, s)
		}
	}
	return res
}
