package config

import "time"

// Config holds all configuration for the engine.
type Config struct {
	Logging   LoggingConfig       `yaml:"logging"`
	Server    ServerConfig        `yaml:"server"`
	Proxy     ProxyConfig         `yaml:"proxy"`
	Store     StoreConfig         `yaml:"store"`
	Providers []ProviderConfig    `yaml:"providers"`
	Policies  map[string]PolicyConfig `yaml:"policies"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string              `yaml:"host"`
	Port              int                 `yaml:"port"`
	ReadTimeout       time.Duration       `yaml:"read_timeout"`
	WriteTimeout      time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration       `yaml:"shutdown_timeout"`
	RequestLimits     ServerRequestLimits `yaml:"request_limits"`
	RateLimits        ServerRateLimits    `yaml:"rate_limits"`
	TrustProxyHeaders bool                `yaml:"trust_proxy_headers"`
	TrustedCIDRs      []string            `yaml:"trusted_cidrs"`
}

// ServerRequestLimits defines request size validation limits.
type ServerRequestLimits struct {
	MaxBodySize int64 `yaml:"max_body_size"`
}

// ServerRateLimits configures the token-bucket request-rate validator placed
// in front of the chat completions route. A zero PerIPRequestsPerMinute (the
// default) disables per-IP limiting entirely; GlobalRequestsPerMinute is
// independently optional.
type ServerRateLimits struct {
	GlobalRequestsPerMinute int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute  int           `yaml:"per_ip_requests_per_minute"`
	BurstSize               int           `yaml:"burst_size"`
	HealthRequestsPerMinute int           `yaml:"health_requests_per_minute"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
}

// ProxyConfig holds the request execution engine's dispatch/retry policy
// (spec.md §3, §4.3, §4.4).
type ProxyConfig struct {
	ConnectionTimeout     time.Duration   `yaml:"connection_timeout"`
	TotalDeadline         time.Duration   `yaml:"total_deadline"`
	MaxRetriesPerProvider int             `yaml:"max_retries_per_provider"`
	RetryBackoff          []time.Duration `yaml:"retry_backoff"`
	FailureThreshold      int             `yaml:"failure_threshold"`
	OpenDuration          time.Duration   `yaml:"open_duration"`
	// EmitCostEvent gates the trailing arbstr_cost_sats/arbstr_latency_ms SSE
	// event (SPEC_FULL.md Decided Open Question #1). Default false: the
	// engine stays a byte-for-byte OpenAI-compatible passthrough unless a
	// caller opts in.
	EmitCostEvent bool `yaml:"emit_cost_event"`
}

// StoreConfig holds the SQLite persistence layer's settings (spec.md §4.7).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig is one upstream LLM provider (spec.md §3 "Provider").
type ProviderConfig struct {
	Name       string                   `yaml:"name"`
	BaseURL    string                   `yaml:"base_url"`
	APIKey     string                   `yaml:"api_key"`
	InputRate  float64                  `yaml:"input_rate"`
	OutputRate float64                  `yaml:"output_rate"`
	BaseFee    float64                  `yaml:"base_fee"`
	Models     map[string]ModelConfig   `yaml:"models"`
}

// ModelConfig names the routing policies a model is reachable under on a
// given provider.
type ModelConfig struct {
	Policies []string `yaml:"policies"`
}

// PolicyConfig is one named routing policy (spec.md's Supplemented policy
// table): a cost-ratio weighting plus an optional model allowlist.
type PolicyConfig struct {
	InputRatio  float64  `yaml:"input_ratio"`
	OutputRatio float64  `yaml:"output_ratio"`
	AllowModels []string `yaml:"allow_models"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	FileOutput bool   `yaml:"file_output"`
	PrettyLogs bool   `yaml:"pretty_logs"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}
