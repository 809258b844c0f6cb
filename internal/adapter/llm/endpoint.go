package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"basecamp/internal/domain"
	"basecamp/internal/infra/tracer"
)

// maxResponseBody caps what is read from a non-streaming model response.
const maxResponseBody = 10 << 20

// endpoint is one provider's HTTP surface: a root URL, the headers sent on
// every call and the pooled client carrying the configured timeouts.
type endpoint struct {
	base   string
	header http.Header
	client *http.Client
}

// call sends payload as JSON (or nothing for a nil payload) and decodes a 200
// response into out. out may be nil when the body is not needed.
func (e endpoint) call(ctx context.Context, method, path string, payload, out any) error {
	resp, err := e.send(ctx, method, path, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrUpstream, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// stream posts payload and hands back the open body of a 200 response. The
// caller owns the body.
func (e endpoint) stream(ctx context.Context, path string, payload any, accept string) (io.ReadCloser, error) {
	resp, err := e.send(ctx, http.MethodPost, path, payload, accept)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (e endpoint) send(ctx context.Context, method, path string, payload any, accept string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range e.header {
		req.Header[k] = v
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, detail)
	}
	return resp, nil
}

// transportError classifies a failed round trip. Deadline expiry maps to
// ErrTimeout so callers can tell a slow model from an unreachable one.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: http request: %v", domain.ErrUpstream, err)
}

// statusError turns a non-200 answer into the domain error failover and the
// breaker classify on.
func statusError(code int, body []byte) error {
	var kind error
	switch {
	case code == http.StatusTooManyRequests:
		kind = domain.ErrRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		kind = domain.ErrAuthInvalid
	case code == http.StatusRequestEntityTooLarge:
		kind = domain.ErrContextOverflow
	case code >= 500:
		kind = domain.ErrUpstream
	default:
		kind = domain.ErrProviderError
	}
	return fmt.Errorf("%w: status %d: %s", kind, code, bytes.TrimSpace(body))
}

// startChatSpan opens the span every provider wraps a completion in.
func startChatSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.chat",
		tracer.StringAttr("llm.provider", provider),
		tracer.StringAttr("llm.model", model),
		tracer.StringAttr("tenant", domain.TenantIDFromContext(ctx)),
		tracer.StringAttr("session", domain.SessionIDFromContext(ctx)),
	)
}

// finishChat closes the completion span, recording usage on success.
func finishChat(span trace.Span, logger *slog.Logger, provider string, resp *domain.ChatResponse, err error) {
	if err == nil {
		span.SetAttributes(
			tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
			tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
		)
		logger.Debug("llm chat completed", "provider", provider, "model", resp.Model, "tokens", resp.Usage.TotalTokens)
	}
	tracer.Finish(span, err)
}
