package config

import (
	"fmt"
	"time"
)

// Config is the assembled, already-interpolated boot-time configuration the
// gateway core consumes. The loader in cmd/ditto-gateway reads YAML and
// resolves "${ENV}" placeholders before handing this struct to the core; a
// placeholder whose variable is unset and has no default expands to an
// empty string rather than failing boot, and every boot failure there exits
// with code 1.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Backends  []Backend       `yaml:"backends"`
	Router    RouterConfig    `yaml:"router"`
	VKeys     []VirtualKey    `yaml:"virtual_keys"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Pricing   []ModelPrice    `yaml:"pricing"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig configures the zap logger built at boot.
type LogConfig struct {
	Level       string `yaml:"level"`  // debug|info|warn|error
	Format      string `yaml:"format"` // "json" or "console"
	Development bool   `yaml:"development"`
}

// TelemetryConfig configures the OTel SDK bootstrap.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// ServerConfig configures the two HTTP listeners: the hot path and metrics.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`       // default 64 MiB
	UsageMaxBodyBytes int64         `yaml:"usage_max_body_bytes"` // default 1 MiB
	ShimMaxBodyBytes  int64         `yaml:"shim_max_body_bytes"`  // default 8 MiB
	MaxInFlight       int           `yaml:"max_in_flight"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// StoreConfig selects and configures exactly one Store backend.
type StoreConfig struct {
	Mode       string        `yaml:"mode"` // "memory" | "relational" | "kv"
	DSN        string        `yaml:"dsn"`  // sqlite file path, or redis address
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	CounterTTL time.Duration `yaml:"counter_ttl"` // must be >= 120s when Mode == "kv"
}

// Backend is one named upstream the router can select.
type Backend struct {
	Name          string            `yaml:"name"`
	BaseURL       string            `yaml:"base_url"`
	Headers       map[string]string `yaml:"headers"`
	QueryParams   map[string]string `yaml:"query_params"`
	Weight        int               `yaml:"weight"`
	MaxInFlight   int               `yaml:"max_in_flight"`
	TimeoutSecs   int               `yaml:"timeout_seconds"`
	ModelMap      map[string]string `yaml:"model_map"`
	HealthPath    string            `yaml:"health_check_path"`
	ProbeInterval int               `yaml:"health_interval_seconds"`
	ProbeTimeout  int               `yaml:"health_timeout_seconds"`
}

// RouterConfig selects the candidate set per request.
type RouterConfig struct {
	DefaultBackends []string    `yaml:"default_backends"`
	Rules           []RouteRule `yaml:"rules"`
	DefaultBackend  string      `yaml:"default_backend"`
}

// RouteRule matches a model name, by prefix or exact string.
type RouteRule struct {
	ModelPrefix string   `yaml:"model_prefix"`
	Exact       bool     `yaml:"exact"`
	Backends    []string `yaml:"backends"`
}

// VirtualKey is a tenant-owned credential accepted by the gateway.
type VirtualKey struct {
	ID        string `yaml:"id"`
	Token     string `yaml:"token"`
	Enabled   bool   `yaml:"enabled"`
	TenantID  string `yaml:"tenant_id,omitempty"`
	ProjectID string `yaml:"project_id,omitempty"`
	UserID    string `yaml:"user_id,omitempty"`

	Limits       *ScopeLimits `yaml:"limits,omitempty"`
	TenantLimits *ScopeLimits `yaml:"tenant_limits,omitempty"`

	Budget       *ScopeBudget `yaml:"budget,omitempty"`
	TenantBudget *ScopeBudget `yaml:"tenant_budget,omitempty"`

	Guardrails *GuardrailsConfig `yaml:"guardrails,omitempty"`
	Route      string            `yaml:"route,omitempty"` // forced backend name
}

// ScopeLimits caps requests-per-minute and tokens-per-minute for one scope.
type ScopeLimits struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// ScopeBudget caps total tokens and/or total USD micros for one scope.
type ScopeBudget struct {
	TotalTokens    int64 `yaml:"total_tokens"`
	TotalUSDMicros int64 `yaml:"total_usd_micros"`
}

// GuardrailsConfig configures the pre-flight checks (§4.8).
type GuardrailsConfig struct {
	AllowedModels   []string `yaml:"allowed_models"`
	DeniedModels    []string `yaml:"denied_models"`
	BannedPhrases   []string `yaml:"banned_phrases"`
	BannedRegexes   []string `yaml:"banned_regexes"`
	DetectPII       bool     `yaml:"detect_pii"`
	MaxInputTokens  int      `yaml:"max_input_tokens"`
	ValidateSchemas bool     `yaml:"validate_schemas"`
}

// CacheConfig configures the two-tier cache (§4.7).
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	L1MaxEntries   int           `yaml:"l1_max_entries"`
	L1MaxBytes     int64         `yaml:"l1_max_bytes"`
	L1EntryMaxByte int64         `yaml:"l1_entry_max_bytes"`
	TTL            time.Duration `yaml:"ttl"`
	UseL2          bool          `yaml:"use_l2"`
}

// RateLimitConfig configures default scope limits when a VirtualKey doesn't
// override them.
type RateLimitConfig struct {
	DefaultRPM int `yaml:"default_rpm"`
	DefaultTPM int `yaml:"default_tpm"`
}

// ModelPrice is one pricing-table row (§4.1 step 9).
type ModelPrice struct {
	Model                    string  `yaml:"model"`
	InputPer1K               float64 `yaml:"input_per_1k"`
	OutputPer1K               float64 `yaml:"output_per_1k"`
	CacheReadPer1K           float64 `yaml:"cache_read_per_1k"`
	CacheCreationPer1K       float64 `yaml:"cache_creation_per_1k"`
	TieredAboveTokens        int64   `yaml:"tiered_above_tokens"`
	TieredInputPer1KAbove    float64 `yaml:"tiered_input_per_1k_above"`
	TieredOutputPer1KAbove   float64 `yaml:"tiered_output_per_1k_above"`
}

// Validate performs the boot-time checks whose failure is a fatal
// configuration error (exit code 1, §6). It does not resolve env
// placeholders or read files — that already happened upstream.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	switch c.Store.Mode {
	case "memory":
	case "relational":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for relational mode")
		}
	case "kv":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for kv mode")
		}
		if c.Store.CounterTTL < 120*time.Second {
			return fmt.Errorf("config: store.counter_ttl must be >= 120s for kv mode")
		}
	default:
		return fmt.Errorf("config: store.mode must be one of memory|relational|kv, got %q", c.Store.Mode)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("config: backend name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		if b.BaseURL == "" {
			return fmt.Errorf("config: backend %q missing base_url", b.Name)
		}
	}
	return nil
}

// Defaults fills zero-valued fields with the gateway's documented defaults
// (timeouts, body caps) without touching anything the caller already set.
func (c *Config) Defaults() {
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 20
	}
	if c.Server.UsageMaxBodyBytes == 0 {
		c.Server.UsageMaxBodyBytes = 1 << 20
	}
	if c.Server.ShimMaxBodyBytes == 0 {
		c.Server.ShimMaxBodyBytes = 8 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 300 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Store.CounterTTL == 0 {
		c.Store.CounterTTL = 120 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ditto-gateway"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	for i := range c.Backends {
		if c.Backends[i].Weight == 0 {
			c.Backends[i].Weight = 1
		}
		if c.Backends[i].TimeoutSecs == 0 {
			c.Backends[i].TimeoutSecs = 300
		}
		if c.Backends[i].HealthPath == "" {
			c.Backends[i].HealthPath = "/v1/models"
		}
		if c.Backends[i].ProbeInterval == 0 {
			c.Backends[i].ProbeInterval = 10
		}
		if c.Backends[i].ProbeTimeout == 0 {
			c.Backends[i].ProbeTimeout = 2
		}
	}
}
