package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "BASECAMP_"

// setter applies one environment value. Values that do not parse are ignored
// and the file or default value stays.
type setter func(cfg *Config, v string)

func str(field func(*Config) *string) setter {
	return func(cfg *Config, v string) { *field(cfg) = v }
}

func boolean(field func(*Config) *bool) setter {
	return func(cfg *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*field(cfg) = b
		}
	}
}

func integer(field func(*Config) *int) setter {
	return func(cfg *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*field(cfg) = n
		}
	}
}

func float(field func(*Config) *float64) setter {
	return func(cfg *Config, v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*field(cfg) = f
		}
	}
}

// list splits a comma-separated value, dropping empty items.
func list(field func(*Config) *[]string) setter {
	return func(cfg *Config, v string) {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*field(cfg) = items
	}
}

func duration(field func(*Config) *time.Duration) setter {
	return func(cfg *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*field(cfg) = d
		}
	}
}

// envVars maps BASECAMP_<NAME> to the field it overrides.
var envVars = map[string]setter{
	"LLM_DEFAULT_PROVIDER": str(func(c *Config) *string { return &c.LLM.DefaultProvider }),

	"EMBEDDING_PROVIDER":   str(func(c *Config) *string { return &c.Embedding.Provider }),
	"EMBEDDING_MODEL":      str(func(c *Config) *string { return &c.Embedding.Model }),
	"EMBEDDING_BASE_URL":   str(func(c *Config) *string { return &c.Embedding.BaseURL }),
	"EMBEDDING_API_KEY":    str(func(c *Config) *string { return &c.Embedding.APIKey }),
	"EMBEDDING_BATCH_SIZE": integer(func(c *Config) *int { return &c.Embedding.BatchSize }),

	"SUPERVISOR_RELEVANCE_THRESHOLD": float(func(c *Config) *float64 { return &c.Supervisor.RelevanceThreshold }),
	"SUPERVISOR_HISTORY_WINDOW":      integer(func(c *Config) *int { return &c.Supervisor.HistoryWindow }),
	"SUPERVISOR_CALL_TIMEOUT":        duration(func(c *Config) *time.Duration { return &c.Supervisor.CallTimeout }),
	"SUPERVISOR_SESSION_TTL":         duration(func(c *Config) *time.Duration { return &c.Supervisor.SessionTTL }),
	"SUPERVISOR_SEED_DEFAULTS":       boolean(func(c *Config) *bool { return &c.Supervisor.SeedDefaults }),

	"STORAGE_PATH": str(func(c *Config) *string { return &c.Storage.Path }),

	"HTTP_ADDR":            str(func(c *Config) *string { return &c.HTTP.Addr }),
	"HTTP_ALLOWED_ORIGINS": list(func(c *Config) *[]string { return &c.HTTP.AllowedOrigins }),
	"HTTP_TRUSTED_PROXIES": list(func(c *Config) *[]string { return &c.HTTP.TrustedProxies }),

	"LOGGER_LEVEL":  str(func(c *Config) *string { return &c.Logger.Level }),
	"LOGGER_FORMAT": str(func(c *Config) *string { return &c.Logger.Format }),

	"TRACER_ENABLED":      boolean(func(c *Config) *bool { return &c.Tracer.Enabled }),
	"TRACER_EXPORTER":     str(func(c *Config) *string { return &c.Tracer.Exporter }),
	"TRACER_OUTPUT":       str(func(c *Config) *string { return &c.Tracer.Output }),
	"TRACER_SAMPLE_RATIO": float(func(c *Config) *float64 { return &c.Tracer.SampleRatio }),

	"METRICS_ENABLED": boolean(func(c *Config) *bool { return &c.Metrics.Enabled }),
}

// ApplyEnvOverrides copies BASECAMP_* environment variables over cfg.
// Provider keys come from BASECAMP_LLM_PROVIDER_<NAME>_API_KEY.
func ApplyEnvOverrides(cfg *Config) {
	for name, set := range envVars {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			set(cfg, v)
		}
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		key := fmt.Sprintf("%sLLM_PROVIDER_%s_API_KEY", envPrefix, envName(p.Name))
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
		}
	}
}

// envName upper-cases a provider name and replaces characters that cannot
// appear in a variable name.
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, s)
}
