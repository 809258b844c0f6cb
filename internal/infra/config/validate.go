package config

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// ValidationError lists every problem found in a config, not just the first.
type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(v.Problems, "\n  - ")
}

type checker struct {
	problems []string
}

// want records a problem unless ok holds.
func (c *checker) want(ok bool, format string, args ...any) {
	if !ok {
		c.problems = append(c.problems, fmt.Sprintf(format, args...))
	}
}

// Validate reports a *ValidationError when cfg cannot run.
func Validate(cfg *Config) error {
	c := &checker{}
	c.llm(cfg.LLM)
	c.embedding(cfg.Embedding)
	c.supervisor(cfg.Supervisor)
	c.storage(cfg.Storage)
	c.http(cfg.HTTP)
	c.scheduler(cfg.Scheduler)
	c.logger(cfg.Logger)
	c.tracer(cfg.Tracer)
	if len(c.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: c.problems}
}

var (
	providerTypes  = []string{"openai", "ollama"}
	embeddingKinds = []string{"openai", "ollama"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"json", "text"}
	exporters      = []string{"stdout", "noop"}
)

func (c *checker) llm(l LLMConfig) {
	c.want(l.DefaultProvider != "", "llm.default_provider must not be empty")
	if len(l.Providers) == 0 {
		return
	}

	names := make(map[string]bool, len(l.Providers))
	for i, p := range l.Providers {
		if p.Name == "" {
			c.want(false, "llm.providers[%d].name must not be empty", i)
			continue
		}
		c.want(!names[p.Name], "llm.providers[%d]: duplicate provider name %q", i, p.Name)
		names[p.Name] = true

		c.want(p.Type == "" || slices.Contains(providerTypes, p.Type),
			"llm.providers[%d].type %q is invalid (want: %s)", i, p.Type, strings.Join(providerTypes, ", "))
		c.want(p.APIKey != "" || p.Type == "ollama",
			"llm.providers[%d] (%s): api_key is empty (set via %sLLM_PROVIDER_%s_API_KEY)", i, p.Name, envPrefix, envName(p.Name))
	}
	c.want(l.DefaultProvider == "" || names[l.DefaultProvider],
		"llm.default_provider %q does not match any configured provider", l.DefaultProvider)

	if l.Failover.Enabled {
		for _, name := range l.Failover.Fallbacks {
			c.want(names[name], "llm.failover.fallbacks: unknown provider %q", name)
		}
	}
	c.want(!l.CircuitBreaker.Enabled || l.CircuitBreaker.MaxFailures > 0,
		"llm.circuit_breaker.max_failures must be > 0 when enabled")
}

func (c *checker) embedding(e EmbeddingConfig) {
	c.want(slices.Contains(embeddingKinds, e.Provider),
		"embedding.provider %q is invalid (want: %s)", e.Provider, strings.Join(embeddingKinds, ", "))
	c.want(e.CacheSize >= 0, "embedding.cache_size must be >= 0")
	c.want(e.Dimensions >= 0 && e.BatchSize >= 0 && e.Timeout >= 0,
		"embedding.dimensions, batch_size and timeout must be >= 0")
}

func (c *checker) supervisor(s SupervisorConfig) {
	c.want(s.RelevanceThreshold > 0 && s.RelevanceThreshold <= 1,
		"supervisor.relevance_threshold must be in (0, 1], got %v", s.RelevanceThreshold)
	c.want(s.HistoryWindow >= 0, "supervisor.history_window must be >= 0")
	c.want(s.RetrievalTopK > 0, "supervisor.retrieval_top_k must be > 0")
	c.want(s.EvalTopK > 0, "supervisor.eval_top_k must be > 0")
	c.want(s.ClassifierWindow >= 0, "supervisor.classifier_window must be >= 0")
	c.want(s.FallbackAgent != "", "supervisor.fallback_agent must not be empty")
	c.want(s.CallTimeout > 0, "supervisor.call_timeout must be > 0")
	c.want(s.MaxConcurrentEvals >= 0, "supervisor.max_concurrent_evals must be >= 0")
	c.want(s.SessionTTL > 0, "supervisor.session_ttl must be > 0")
}

func (c *checker) storage(s StorageConfig) {
	c.want(s.Path != "", "storage.path must not be empty")
	c.want(s.MMRDiversity >= 0 && s.MMRDiversity <= 1, "storage.mmr_diversity must be in [0,1], got %v", s.MMRDiversity)
}

func (c *checker) http(h HTTPConfig) {
	if h.Addr == "" {
		c.want(false, "http.addr is required")
		return
	}
	_, _, err := net.SplitHostPort(h.Addr)
	c.want(err == nil, "http.addr %q is not a valid host:port", h.Addr)
	c.want(h.RateLimitRPS >= 0, "http.rate_limit_rps must be >= 0")
	c.want(h.RateLimitRPS == 0 || h.RateLimitBurst > 0, "http.rate_limit_burst must be > 0 when rate limiting is enabled")
	for _, p := range h.TrustedProxies {
		_, perr := netip.ParsePrefix(p)
		_, aerr := netip.ParseAddr(p)
		c.want(perr == nil || aerr == nil, "http.trusted_proxies: %q is neither an address nor a CIDR", p)
	}
}

func (c *checker) scheduler(s SchedulerConfig) {
	if !s.Enabled {
		return
	}
	c.want(s.SessionReap != "", "scheduler.session_reap is required when the scheduler is enabled")
	c.want(s.EvalLogRetention <= 0 || s.EvalLogPrune != "", "scheduler.evallog_prune is required when evallog_retention is set")
}

func (c *checker) logger(l LoggerConfig) {
	c.want(slices.Contains(logLevels, strings.ToLower(l.Level)),
		"logger.level %q is invalid (want: %s)", l.Level, strings.Join(logLevels, ", "))
	c.want(slices.Contains(logFormats, l.Format),
		"logger.format %q is invalid (want: %s)", l.Format, strings.Join(logFormats, ", "))
}

func (c *checker) tracer(t TracerConfig) {
	if !t.Enabled {
		return
	}
	c.want(t.Exporter == "" || slices.Contains(exporters, t.Exporter),
		"tracer.exporter %q is invalid (want: %s)", t.Exporter, strings.Join(exporters, ", "))
	c.want(t.SampleRatio >= 0 && t.SampleRatio <= 1, "tracer.sample_ratio must be in [0,1]")
}
