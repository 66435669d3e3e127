package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/linnixhq/linnixd/internal/rules"
)

// =============================================================================
// Linnix Daemon - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Probes    ProbesConfig    `yaml:"probes"`
	Rules     RulesConfig     `yaml:"rules"`
	Reasoner  ReasonerConfig  `yaml:"reasoner"`
	Outputs   OutputsConfig   `yaml:"outputs"`
	Server    ServerConfig    `yaml:"server"`
	Tuning    TuningConfig    `yaml:"tuning"`
}

// RuntimeConfig controls the offline guard and shutdown behavior (spec §6).
type RuntimeConfig struct {
	Offline        bool   `yaml:"offline"`
	ShutdownGraceS uint32 `yaml:"shutdown_grace_s"`
}

// TelemetryConfig sizes the window and sampling cadence (spec §3, §5).
type TelemetryConfig struct {
	SampleIntervalMs uint32 `yaml:"sample_interval_ms"`
	RetentionSeconds uint32 `yaml:"retention_seconds"`
	WindowEntriesMax uint64 `yaml:"window_entries_max"`
}

// ProbesConfig gates the optional, non-fatal probe attachments (spec §4.B).
type ProbesConfig struct {
	EnableNetwork    bool `yaml:"enable_network"`
	EnableBlockIO    bool `yaml:"enable_block_io"`
	EnablePageFaults bool `yaml:"enable_page_faults"`
}

// RulesConfig either embeds the rule document inline or points at a path to
// one; the path form is what the hot-reload watcher re-reads.
type RulesConfig struct {
	Path  string       `yaml:"path"`
	Rules []rules.Rule `yaml:"rules"`
}

// ReasonerConfig describes the optional external-insight HTTP collaborator.
// It is an annotator only — see spec §1/§9: never a gate in the hot path.
type ReasonerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Model         string `yaml:"model"`
	TimeoutMs     uint32 `yaml:"timeout_ms"`
	WindowSeconds uint32 `yaml:"window_seconds"`
}

// OutputsConfig lists the optional sinks for alerts and metrics.
type OutputsConfig struct {
	Prometheus   bool              `yaml:"prometheus"`
	JSONLPath    string            `yaml:"jsonl_path"`
	NotifierURLs []string          `yaml:"notifier_urls"`
	Slack        string            `yaml:"slack"`
	PagerDuty    string            `yaml:"pagerduty"`
	Redis        RedisOutputConfig `yaml:"redis"`
}

// RedisOutputConfig is not part of spec §6's config table; it is the
// supplemented local-persistence mirror described in SPEC_FULL.md §2 — an
// optional convenience, gated off by default, never a correlation layer.
type RedisOutputConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig configures the HTTP surface in spec §6.
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// TuningConfig carries the numeric defaults spec.md calls out inline
// (ring channel capacity, reorder window, GC horizon, etc.) so they are
// overridable without a code change.
type TuningConfig struct {
	RingChannelCapacity uint32  `yaml:"ring_channel_capacity"`
	ReorderWindowMs     uint32  `yaml:"reorder_window_ms"`
	ProcessGCHorizonS   uint32  `yaml:"process_gc_horizon_s"`
	LineageMaxDepth     uint32  `yaml:"lineage_max_depth"`
	MaxDescendants      uint32  `yaml:"max_descendants"`
	TagCacheSize        uint32  `yaml:"tag_cache_size"`
	TagCachePath        string  `yaml:"tag_cache_path"`
	SubscriberQueueSize uint32  `yaml:"subscriber_queue_size"`
	DisconnectAfterS    uint32  `yaml:"disconnect_after_s"`
	AlertRingSize       uint32  `yaml:"alert_ring_size"`
	RSSSoftCapBytes     uint64  `yaml:"rss_soft_cap_bytes"`
	CPUSoftCapPct       float64 `yaml:"cpu_soft_cap_pct"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it from CONFIG_PATH (or
// "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then defaults.
func (c *Config) applyEnvOverrides() {
	c.Runtime.Offline = getEnvBool("LINNIX_OFFLINE", c.Runtime.Offline)
	if v := getEnvInt("LINNIX_SHUTDOWN_GRACE_S", 0); v > 0 {
		c.Runtime.ShutdownGraceS = uint32(v)
	}

	if v := getEnvInt("LINNIX_SAMPLE_INTERVAL_MS", 0); v > 0 {
		c.Telemetry.SampleIntervalMs = uint32(v)
	}
	if v := getEnvInt("LINNIX_RETENTION_SECONDS", 0); v > 0 {
		c.Telemetry.RetentionSeconds = uint32(v)
	}

	c.Probes.EnableNetwork = getEnvBool("LINNIX_PROBE_NETWORK", c.Probes.EnableNetwork)
	c.Probes.EnableBlockIO = getEnvBool("LINNIX_PROBE_BLOCK_IO", c.Probes.EnableBlockIO)
	c.Probes.EnablePageFaults = getEnvBool("LINNIX_PROBE_PAGE_FAULTS", c.Probes.EnablePageFaults)

	c.Rules.Path = getEnv("LINNIX_RULES_PATH", c.Rules.Path)

	c.Reasoner.Enabled = getEnvBool("LINNIX_REASONER_ENABLED", c.Reasoner.Enabled)
	c.Reasoner.Endpoint = getEnv("LINNIX_REASONER_ENDPOINT", c.Reasoner.Endpoint)
	c.Reasoner.Model = getEnv("LINNIX_REASONER_MODEL", c.Reasoner.Model)

	c.Outputs.Prometheus = getEnvBool("LINNIX_OUTPUT_PROMETHEUS", c.Outputs.Prometheus)
	c.Outputs.JSONLPath = getEnv("LINNIX_OUTPUT_JSONL_PATH", c.Outputs.JSONLPath)
	if urls := getEnv("LINNIX_NOTIFIER_URLS", ""); urls != "" {
		c.Outputs.NotifierURLs = splitCSV(urls)
	}
	c.Outputs.Slack = getEnv("LINNIX_SLACK_WEBHOOK", c.Outputs.Slack)
	c.Outputs.PagerDuty = getEnv("LINNIX_PAGERDUTY_KEY", c.Outputs.PagerDuty)
	c.Outputs.Redis.Enabled = getEnvBool("LINNIX_REDIS_ENABLED", c.Outputs.Redis.Enabled)
	c.Outputs.Redis.Addr = getEnv("LINNIX_REDIS_ADDR", c.Outputs.Redis.Addr)
	c.Outputs.Redis.Password = getEnv("LINNIX_REDIS_PASSWORD", c.Outputs.Redis.Password)

	c.Server.Addr = getEnv("LINNIX_ADDR", c.Server.Addr)
	if v := getEnvInt("LINNIX_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("LINNIX_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("LINNIX_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if origins := getEnv("LINNIX_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.applyDefaults()
}

// applyDefaults sets the numeric defaults named throughout spec.md for any
// zero-valued field.
func (c *Config) applyDefaults() {
	if c.Runtime.ShutdownGraceS == 0 {
		c.Runtime.ShutdownGraceS = 5
	}
	if c.Telemetry.SampleIntervalMs == 0 {
		c.Telemetry.SampleIntervalMs = 1000
	}
	if c.Telemetry.RetentionSeconds == 0 {
		c.Telemetry.RetentionSeconds = 30
	}
	if c.Telemetry.WindowEntriesMax == 0 {
		c.Telemetry.WindowEntriesMax = 200_000
	}
	if c.Reasoner.TimeoutMs == 0 {
		c.Reasoner.TimeoutMs = 2000
	}
	if c.Reasoner.WindowSeconds == 0 {
		c.Reasoner.WindowSeconds = 30
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8088"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Tuning.RingChannelCapacity == 0 {
		c.Tuning.RingChannelCapacity = 65536
	}
	if c.Tuning.ReorderWindowMs == 0 {
		c.Tuning.ReorderWindowMs = 200
	}
	if c.Tuning.ProcessGCHorizonS == 0 {
		c.Tuning.ProcessGCHorizonS = 60
	}
	if c.Tuning.LineageMaxDepth == 0 {
		c.Tuning.LineageMaxDepth = 64
	}
	if c.Tuning.MaxDescendants == 0 {
		c.Tuning.MaxDescendants = 10000
	}
	if c.Tuning.TagCacheSize == 0 {
		c.Tuning.TagCacheSize = 4096
	}
	if c.Tuning.TagCachePath == "" {
		c.Tuning.TagCachePath = "/var/lib/linnixd/tagcache.db"
	}
	if c.Tuning.SubscriberQueueSize == 0 {
		c.Tuning.SubscriberQueueSize = 256
	}
	if c.Tuning.DisconnectAfterS == 0 {
		c.Tuning.DisconnectAfterS = 30
	}
	if c.Tuning.AlertRingSize == 0 {
		c.Tuning.AlertRingSize = 1024
	}
	if c.Tuning.RSSSoftCapBytes == 0 {
		c.Tuning.RSSSoftCapBytes = 512 * 1024 * 1024
	}
	if c.Tuning.CPUSoftCapPct == 0 {
		c.Tuning.CPUSoftCapPct = 25.0
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
