package llm

import (
	"context"
	"errors"
	"time"

	"basecamp/internal/domain"
	"basecamp/internal/infra/metrics"
)

var (
	_ domain.LLMProvider          = (*TimeoutProvider)(nil)
	_ domain.StreamingLLMProvider = (*TimeoutProvider)(nil)
)

// TimeoutProvider bounds every call with a per-call deadline, reports each
// call to metrics and always supports streaming: a provider without
// ChatStream is adapted by emitting its full reply as one delta.
type TimeoutProvider struct {
	inner   domain.LLMProvider
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewTimeoutProvider wraps inner. A zero timeout disables the deadline.
func NewTimeoutProvider(inner domain.LLMProvider, timeout time.Duration, m *metrics.Metrics) *TimeoutProvider {
	return &TimeoutProvider{inner: inner, timeout: timeout, metrics: m}
}

func (p *TimeoutProvider) Name() string { return p.inner.Name() }

func (p *TimeoutProvider) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Chat implements domain.LLMProvider.
func (p *TimeoutProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	callCtx, cancel := p.withDeadline(ctx)
	defer cancel()

	resp, err := p.inner.Chat(callCtx, req)
	err = p.classify(ctx, callCtx, "TimeoutProvider.Chat", err)

	var usage domain.Usage
	if resp != nil {
		usage = resp.Usage
	}
	p.metrics.RecordLLMRequest(p.inner.Name(), time.Since(start), usage.PromptTokens, usage.CompletionTokens, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ChatStream implements domain.StreamingLLMProvider. The deadline covers the
// whole stream, not just its first byte.
func (p *TimeoutProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	start := time.Now()
	callCtx, cancel := p.withDeadline(ctx)

	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		defer cancel()
		resp, err := p.inner.Chat(callCtx, req)
		err = p.classify(ctx, callCtx, "TimeoutProvider.ChatStream", err)
		if err != nil {
			p.metrics.RecordLLMRequest(p.inner.Name(), time.Since(start), 0, 0, err)
			return nil, err
		}
		p.metrics.RecordLLMRequest(p.inner.Name(), time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)
		ch := make(chan domain.StreamDelta, 1)
		usage := resp.Usage
		ch <- domain.StreamDelta{Content: resp.Message.Content, Done: true, Usage: &usage}
		close(ch)
		return ch, nil
	}

	src, err := sp.ChatStream(callCtx, req)
	if err != nil {
		cancel()
		err = p.classify(ctx, callCtx, "TimeoutProvider.ChatStream", err)
		p.metrics.RecordLLMRequest(p.inner.Name(), time.Since(start), 0, 0, err)
		return nil, err
	}

	out := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(out)
		defer cancel()

		var (
			usage     domain.Usage
			streamErr error
			done      bool
		)
		for d := range src {
			if d.Usage != nil {
				usage = *d.Usage
			}
			if d.Err != nil {
				d.Err = p.classify(ctx, callCtx, "TimeoutProvider.ChatStream", d.Err)
				streamErr = d.Err
			}
			done = done || d.Done
			select {
			case out <- d:
			case <-ctx.Done():
				p.metrics.RecordLLMRequest(p.inner.Name(), time.Since(start), usage.PromptTokens, usage.CompletionTokens, ctx.Err())
				return
			}
		}
		// The source closed without a terminal delta: the deadline fired
		// mid-stream.
		if !done && ctx.Err() == nil && callCtx.Err() != nil {
			streamErr = p.classify(ctx, callCtx, "TimeoutProvider.ChatStream", callCtx.Err())
			select {
			case out <- domain.StreamDelta{Done: true, Err: streamErr}:
			case <-ctx.Done():
			}
		}
		p.metrics.RecordLLMRequest(p.inner.Name(), time.Since(start), usage.PromptTokens, usage.CompletionTokens, streamErr)
	}()
	return out, nil
}

// classify turns expiry of this wrapper's own deadline into an llm timeout
// error. Cancellation by the caller is passed through untouched.
func (p *TimeoutProvider) classify(parent, callCtx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("llm", op, domain.ErrTimeout, p.inner.Name()+" after "+p.timeout.String())
	}
	return err
}
