package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecamp/internal/domain"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusInternalServerError, domain.ErrUpstream},
		{http.StatusServiceUnavailable, domain.ErrUpstream},
		{http.StatusTeapot, domain.ErrProviderError},
	}
	for _, tt := range tests {
		err := statusError(tt.status, []byte(" quota exhausted\n"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
		if !strings.HasSuffix(err.Error(), "quota exhausted") {
			t.Errorf("status %d: detail missing from %q", tt.status, err.Error())
		}
	}
	if !domain.IsRetryableError(statusError(http.StatusTooManyRequests, nil)) {
		t.Error("429 should be retryable")
	}
	if domain.IsRetryableError(statusError(http.StatusForbidden, nil)) {
		t.Error("403 should not be retryable")
	}
}

func TestTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := transportError(ctx, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancel: got %v", err)
	}
	if err := transportError(context.Background(), context.DeadlineExceeded); !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("deadline: got %v", err)
	}
	if err := transportError(context.Background(), errors.New("dial tcp: refused")); !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("dial: got %v", err)
	}
}

func TestEndpointCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/echo":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		case "/ping":
			assert.Empty(t, r.Header.Get("Content-Type"))
			w.Write([]byte(`{"ok":true}`))
		default:
			http.Error(w, "no such route", http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := endpoint{base: server.URL, header: http.Header{"X-Api-Key": {"secret"}}, client: server.Client()}
	ctx := context.Background()

	var echoed map[string]string
	require.NoError(t, api.call(ctx, http.MethodPost, "/echo", map[string]string{"tenant": "acme"}, &echoed))
	assert.Equal(t, "acme", echoed["tenant"])

	require.NoError(t, api.call(ctx, http.MethodGet, "/ping", nil, nil))

	err := api.call(ctx, http.MethodGet, "/missing", nil, nil)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "no such route")
}

func TestEndpointStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		w.Write([]byte("line one\nline two\n"))
	}))
	defer server.Close()

	api := endpoint{base: server.URL, client: server.Client()}
	body, err := api.stream(context.Background(), "/", struct{}{}, "application/x-ndjson")
	require.NoError(t, err)
	defer body.Close()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(raw))
}
