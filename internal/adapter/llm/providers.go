package llm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sourcegraph/conc"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
	"basecamp/internal/infra/metrics"
)

// Warmer is a provider that can load its model before the first turn.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Providers is every configured chat backend, built once at startup.
type Providers struct {
	byName  map[string]domain.LLMProvider
	warmers map[string]Warmer
	turn    domain.LLMProvider
	logger  *slog.Logger
}

func newProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "ollama":
		return NewOllamaProvider(cfg, logger), nil
	}
	return nil, fmt.Errorf("provider %q: unknown type %q", cfg.Name, cfg.Type)
}

// Build constructs the configured providers. The provider turns run on is the
// default one, with its fallbacks behind it when failover is on, and every
// call bounded by callTimeout. Each provider gets its own breaker when
// breakers are enabled.
func Build(cfg config.LLMConfig, callTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) (*Providers, error) {
	ps := &Providers{
		byName:  make(map[string]domain.LLMProvider, len(cfg.Providers)),
		warmers: make(map[string]Warmer),
		logger:  logger,
	}
	for _, pc := range cfg.Providers {
		if _, dup := ps.byName[pc.Name]; dup {
			return nil, fmt.Errorf("provider %q configured twice", pc.Name)
		}
		p, err := newProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		if w, ok := p.(Warmer); ok {
			ps.warmers[pc.Name] = w
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger, m)
		}
		ps.byName[pc.Name] = p
	}

	turn, err := ps.Get(cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}
	if cfg.Failover.Enabled {
		var fallbacks []domain.LLMProvider
		for _, name := range cfg.Failover.Fallbacks {
			if name == cfg.DefaultProvider {
				continue
			}
			fb, err := ps.Get(name)
			if err != nil {
				return nil, err
			}
			fallbacks = append(fallbacks, fb)
		}
		if len(fallbacks) > 0 {
			turn = NewFailoverProvider(turn, fallbacks, logger)
		}
	}
	ps.turn = NewTimeoutProvider(turn, callTimeout, m)

	logger.Info("llm providers ready", "default", cfg.DefaultProvider, "providers", ps.Names())
	return ps, nil
}

// Turn is the provider the supervisor calls.
func (ps *Providers) Turn() domain.LLMProvider { return ps.turn }

// Get returns the named provider, behind its breaker when one is configured.
func (ps *Providers) Get(name string) (domain.LLMProvider, error) {
	p, ok := ps.byName[name]
	if !ok {
		return nil, domain.NewDomainError("Providers.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

func (ps *Providers) Names() []string {
	names := make([]string, 0, len(ps.byName))
	for n := range ps.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Warmup loads every local model in parallel. Failures are logged and
// leave the provider usable; it loads on its first call instead.
func (ps *Providers) Warmup(ctx context.Context) {
	var wg conc.WaitGroup
	for name, w := range ps.warmers {
		wg.Go(func() {
			if err := w.Warmup(ctx); err != nil {
				ps.logger.Warn("model warmup failed", "provider", name, "error", err)
			}
		})
	}
	wg.Wait()
}
