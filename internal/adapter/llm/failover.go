package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"basecamp/internal/domain"
	"basecamp/internal/infra/tracer"
)

var (
	_ domain.LLMProvider          = (*FailoverProvider)(nil)
	_ domain.StreamingLLMProvider = (*FailoverProvider)(nil)
)

// errNoStreaming is returned when no provider in the chain can stream.
var errNoStreaming = errors.New("no streaming-capable providers available")

// FailoverProvider walks an ordered list of providers until one answers.
// The caller cancelling the turn ends the walk.
type FailoverProvider struct {
	order  []domain.LLMProvider
	logger *slog.Logger
}

func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	order := make([]domain.LLMProvider, 0, 1+len(fallbacks))
	return &FailoverProvider{order: append(append(order, primary), fallbacks...), logger: logger}
}

// Name is the primary's name with a +failover suffix.
func (f *FailoverProvider) Name() string { return f.order[0].Name() + "+failover" }

func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return walk(ctx, f, "chat", func(p domain.LLMProvider) (*domain.ChatResponse, bool, error) {
		resp, err := p.Chat(ctx, req)
		return resp, true, err
	})
}

// ChatStream fails over only while opening the stream. Providers that cannot
// stream are skipped.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return walk(ctx, f, "stream", func(p domain.LLMProvider) (<-chan domain.StreamDelta, bool, error) {
		sp, ok := p.(domain.StreamingLLMProvider)
		if !ok {
			return nil, false, nil
		}
		ch, err := sp.ChatStream(ctx, req)
		return ch, true, err
	})
}

// walk runs try against each provider in order. try reports false for a
// provider it could not use at all.
func walk[T any](ctx context.Context, f *FailoverProvider, op string, try func(domain.LLMProvider) (T, bool, error)) (T, error) {
	var zero T
	span := trace.SpanFromContext(ctx)
	var errs []error
	for i, p := range f.order {
		out, used, err := try(p)
		if !used {
			continue
		}
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "failover succeeded", "op", op, "provider", p.Name(), "attempt", i+1)
				tracer.Event(span, "llm.failover", tracer.StringAttr("provider", p.Name()), tracer.IntAttr("attempt", i+1))
			}
			return out, nil
		}
		f.logger.WarnContext(ctx, "llm provider failed", "op", op, "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return zero, errNoStreaming
	}
	return zero, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
