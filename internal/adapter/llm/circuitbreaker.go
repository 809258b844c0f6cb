package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
	"basecamp/internal/infra/metrics"
)

const (
	breakerMaxFailures uint32 = 5
	breakerOpenFor            = 30 * time.Second
	breakerWindow             = 60 * time.Second
)

var (
	_ domain.LLMProvider          = (*CircuitBreakerProvider)(nil)
	_ domain.StreamingLLMProvider = (*CircuitBreakerProvider)(nil)
)

// CircuitBreakerProvider stops sending turns to a provider that keeps
// failing. A streamed answer counts once it has finished, so a provider that
// accepts connections but dies mid-answer still trips the breaker.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner. Zero settings take the defaults.
// m may be nil.
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = breakerMaxFailures
	}
	openFor := cfg.Timeout
	if openFor == 0 {
		openFor = breakerOpenFor
	}
	window := cfg.Interval
	if window == 0 {
		window = breakerWindow
	}

	name := inner.Name()
	m.SetBreakerState(name, int(gobreaker.StateClosed))
	return &CircuitBreakerProvider{
		inner:  inner,
		logger: logger,
		breaker: gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
			Name:         name,
			MaxRequests:  1,
			Interval:     window,
			Timeout:      openFor,
			IsSuccessful: func(err error) bool { return !providerFault(err) },
			ReadyToTrip:  func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(provider string, from, to gobreaker.State) {
				logger.Warn("llm breaker state change", "provider", provider, "from", from.String(), "to", to.String())
				m.SetBreakerState(provider, int(to))
			},
		}),
	}
}

// Name implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// State reports the breaker state.
func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

// Counts reports the breaker's counters for the current window.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts { return p.breaker.Counts() }

// providerFault reports whether err says something about the provider's
// health. Cancelled turns and rejected requests do not.
func providerFault(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, domain.ErrProviderError), errors.Is(err, domain.ErrContextOverflow):
		return false
	default:
		return true
	}
}

func (p *CircuitBreakerProvider) allow() (func(error), error) {
	done, err := p.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), errors.Join(domain.ErrUpstream, err))
	}
	return done, nil
}

// Chat implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	done, err := p.allow()
	if err != nil {
		return nil, err
	}
	resp, err := p.inner.Chat(ctx, req)
	done(err)
	return resp, err
}

// ChatStream implements domain.StreamingLLMProvider. Deltas are relayed as
// they arrive; the outcome is reported when the stream ends.
func (p *CircuitBreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support streaming", p.inner.Name())
	}
	done, err := p.allow()
	if err != nil {
		return nil, err
	}
	in, err := sp.ChatStream(ctx, req)
	if err != nil {
		done(err)
		return nil, err
	}

	out := make(chan domain.StreamDelta, cap(in))
	go func() {
		defer close(out)
		var streamErr error
		defer func() { done(streamErr) }()
		for d := range in {
			if d.Err != nil {
				streamErr = d.Err
			}
			if !sendDelta(ctx, out, d) {
				streamErr = ctx.Err()
				drain(in)
				return
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan domain.StreamDelta) {
	for range ch {
	}
}
