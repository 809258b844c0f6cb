package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
)

func jsonLogger(buf *bytes.Buffer, level string) *slog.Logger {
	return slog.New(newHandler(buf, config.LoggerConfig{Level: level, Format: "JSON"}))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf, "info").Info("provider configured",
		"provider", "openai", "api_key", "sk-1", "embedding_api_key", "sk-2", "Authorization", "Bearer x", "client_secret", "s")

	entry := decode(t, &buf)
	assert.Equal(t, "openai", entry["provider"])
	for _, k := range []string{"api_key", "embedding_api_key", "Authorization", "client_secret"} {
		assert.Equal(t, redacted, entry[k], k)
	}
}

func TestContextScope(t *testing.T) {
	var buf bytes.Buffer
	log := Component(jsonLogger(&buf, "debug"), "llm")

	ctx := domain.ContextWithSessionID(domain.ContextWithTenantID(context.Background(), "acme"), "s-42")
	log.InfoContext(ctx, "failover succeeded", "provider", "backup")

	entry := decode(t, &buf)
	assert.Equal(t, "acme", entry["tenant"])
	assert.Equal(t, "s-42", entry["session"])
	assert.Equal(t, "llm", entry["component"])

	buf.Reset()
	log.Info("no scope")
	entry = decode(t, &buf)
	assert.NotContains(t, entry, "tenant")
	assert.NotContains(t, entry, "session")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "warn", Format: "text"}))

	log.Info("routing decided")
	log.Warn("agent evaluation degraded")

	assert.NotContains(t, buf.String(), "routing decided")
	assert.Contains(t, buf.String(), "agent evaluation degraded")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestOutputs(t *testing.T) {
	for output, want := range map[string]*os.File{"stdout": os.Stdout, "stderr": os.Stderr, "": os.Stderr} {
		w, closeFn, err := openOutput(output)
		require.NoError(t, err)
		assert.Same(t, want, w)
		assert.NoError(t, closeFn())
	}

	path := filepath.Join(t.TempDir(), "basecamp.log")
	log, closeFn, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	log.Info("agents loaded", "count", 4)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "agents loaded"))

	_, _, err = New(config.LoggerConfig{Output: "/nonexistent/dir/basecamp.log"})
	assert.Error(t, err)
}
