package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is everything a basecamp process reads at startup. Files may
// pull in others through includes; see Load.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Storage    StorageConfig    `yaml:"storage"`
	HTTP       HTTPConfig       `yaml:"http"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// FailoverConfig names the providers tried, in order, when the default fails.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig lists the chat providers shared by every tenant.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig trips a provider after MaxFailures consecutive faults
// and keeps it open for Timeout. Counts reset every Interval while closed.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig sizes a provider's keep-alive pool.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig is one chat completion backend.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai" (any compatible endpoint) or "ollama"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	KeepAlive   string        `yaml:"keep_alive"` // ollama only
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// EmbeddingConfig selects the vector backend used for relevance scoring and
// passage search.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // "openai", "ollama"
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url,omitempty"`
	APIKey     string        `yaml:"api_key,omitempty"`
	Dimensions int           `yaml:"dimensions,omitempty"` // 0 = model default
	BatchSize  int           `yaml:"batch_size,omitempty"` // inputs per request; 0 = provider default
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"` // 0 = no cache
}

// SupervisorConfig tunes the per-turn evaluate, route and synthesise flow.
type SupervisorConfig struct {
	RelevanceThreshold   float64       `yaml:"relevance_threshold"`
	HistoryWindow        int           `yaml:"history_window"`
	RetrievalTopK        int           `yaml:"retrieval_top_k"`
	EvalTopK             int           `yaml:"eval_top_k"`
	ClassifierWindow     int           `yaml:"classifier_window"`
	FallbackAgent        string        `yaml:"fallback_agent"`
	OrgContextAgent      string        `yaml:"org_context_agent"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	ClarifierTemperature float64       `yaml:"clarifier_temperature"`
	MaxConcurrentEvals   int           `yaml:"max_concurrent_evals"` // 0 evaluates every agent at once
	SessionTTL           time.Duration `yaml:"session_ttl"`
	SeedDefaults         bool          `yaml:"seed_defaults"`
}

// StorageConfig holds the SQLite database location and passage search tuning.
type StorageConfig struct {
	Path string `yaml:"path"`
	// MMRDiversity in [0,1] re-ranks passages away from near-duplicates; 0 disables it.
	MMRDiversity float64 `yaml:"mmr_diversity"`
	// IncludeGlobalPassages also searches passages ingested for the global tenant.
	IncludeGlobalPassages bool `yaml:"include_global_passages"`
}

// HTTPConfig is the REST, SSE and WebSocket listener.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"` // 0 = disabled
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"` // addresses or CIDRs
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// SchedulerConfig times the background maintenance jobs. Each schedule is a
// cron expression or a Go duration.
type SchedulerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	SessionReap      string        `yaml:"session_reap"` // cron expression or duration string
	EvalLogPrune     string        `yaml:"evallog_prune"`
	EvalLogRetention time.Duration `yaml:"evallog_retention"`
}

// LoggerConfig: level is debug|info|warn|error, format json|text, output
// stderr|stdout or a file path.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig controls OpenTelemetry spans.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // "stdout" or "noop"
	Output      string  `yaml:"output"`       // file for the stdout exporter; empty = stdout
	SampleRatio float64 `yaml:"sample_ratio"` // fraction of new traces kept; 0 = all
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// defaultDataDir is $HOME/.basecamp/data, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".basecamp", "data")
}

// Defaults is the configuration used for any field a file or the
// environment leaves unset.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Timeout:   30 * time.Second,
			CacheSize: 1024,
		},
		Supervisor: SupervisorConfig{
			RelevanceThreshold:   0.7,
			HistoryWindow:        5,
			RetrievalTopK:        5,
			EvalTopK:             3,
			ClassifierWindow:     6,
			FallbackAgent:        "general_knowledge_bot",
			OrgContextAgent:      "org_context_bot",
			CallTimeout:          30 * time.Second,
			ClarifierTemperature: 0.3,
			SessionTTL:           2 * time.Hour,
			SeedDefaults:         true,
		},
		Storage: StorageConfig{
			Path:                  filepath.Join(defaultDataDir(), "basecamp.db"),
			IncludeGlobalPassages: true,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			MaxBodyBytes:   1 << 20,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			SessionReap:      "5m",
			EvalLogPrune:     "@daily",
			EvalLogRetention: 30 * 24 * time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
