package llm

import (
	"net"
	"net/http"
	"time"

	"basecamp/internal/infra/config"
)

// An evaluation round calls the same host once per agent at the same time,
// so the pool keeps enough idle connections per host for a full round.
const (
	defaultConnTimeout      = 30 * time.Second
	defaultRespTimeout      = 120 * time.Second
	defaultIdleConns        = 20
	defaultIdleConnsPerHost = 10
	defaultConnsPerHost     = 20
	defaultIdleConnTimeout  = 2 * time.Minute
)

func positive[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

// NewPooledTransport builds the transport shared by one provider's calls.
// respTimeout bounds the wait for response headers only.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   positive(connTimeout, defaultConnTimeout),
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: positive(respTimeout, defaultRespTimeout),
		MaxIdleConns:          positive(pool.MaxIdleConns, defaultIdleConns),
		MaxIdleConnsPerHost:   positive(pool.MaxIdleConnsPerHost, defaultIdleConnsPerHost),
		MaxConnsPerHost:       positive(pool.MaxConnsPerHost, defaultConnsPerHost),
		IdleConnTimeout:       positive(pool.IdleConnTimeout, defaultIdleConnTimeout),
	}
}

// NewHTTPClient returns a client without an overall timeout; streamed
// answers take as long as they take and deadlines come from the context.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool)}
}
