// Package logger builds the service's slog logger.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
)

const redacted = "[REDACTED]"

// New returns the logger described by cfg and a func that closes the log
// file, if one was opened.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(w, cfg)), closeFn, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), ReplaceAttr: redact}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return scopeHandler{h}
}

// scopeHandler stamps records logged with a turn context with the tenant and
// session that context carries.
type scopeHandler struct{ slog.Handler }

func (h scopeHandler) Handle(ctx context.Context, r slog.Record) error {
	if tenant := domain.TenantIDFromContext(ctx); tenant != "" {
		r.AddAttrs(slog.String("tenant", tenant))
	}
	if session := domain.SessionIDFromContext(ctx); session != "" {
		r.AddAttrs(slog.String("session", session))
	}
	return h.Handler.Handle(ctx, r)
}

func (h scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return scopeHandler{h.Handler.WithAttrs(attrs)}
}

func (h scopeHandler) WithGroup(name string) slog.Handler {
	return scopeHandler{h.Handler.WithGroup(name)}
}

// redact hides credentials: api keys, tokens, passphrases and auth headers.
func redact(_ []string, a slog.Attr) slog.Attr {
	k := strings.ToLower(a.Key)
	if k == "authorization" || k == "passphrase" || k == "token" ||
		strings.HasSuffix(k, "api_key") || strings.HasSuffix(k, "secret") {
		return slog.String(a.Key, redacted)
	}
	return a
}

// Component tags l with the subsystem it logs for.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func openOutput(output string) (io.Writer, func() error, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
