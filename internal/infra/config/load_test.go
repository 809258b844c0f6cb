package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// loadTree writes files under a temp dir and loads config.yaml from it.
func loadTree(t *testing.T, files map[string]string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeConfigFile(t, dir, name, content)
	}
	return Load(filepath.Join(dir, "config.yaml"))
}

func TestIncludesMerge(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "single file",
			files: map[string]string{
				"config.yaml": "includes: [llm.yaml]\n",
				"llm.yaml":    "llm:\n  providers:\n    - name: openai\n      api_key: sk-from-include\n",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.LLM.Providers, 1)
				assert.Equal(t, "sk-from-include", cfg.LLM.Providers[0].APIKey)
			},
		},
		{
			name: "glob",
			files: map[string]string{
				"config.yaml":            "includes: [\"conf.d/*.yaml\"]\n",
				"conf.d/embedding.yaml":  "embedding:\n  provider: ollama\n",
				"conf.d/supervisor.yaml": "supervisor:\n  history_window: 8\n",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "ollama", cfg.Embedding.Provider)
				assert.Equal(t, 8, cfg.Supervisor.HistoryWindow)
			},
		},
		{
			name:  "glob matching nothing",
			files: map[string]string{"config.yaml": "includes: [\"conf.d/*.yaml\"]\n"},
		},
		{
			name: "including file wins",
			files: map[string]string{
				"config.yaml": "includes: [base.yaml]\nlogger:\n  level: warn\n",
				"base.yaml":   "logger:\n  level: debug\nsupervisor:\n  history_window: 9\n",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "warn", cfg.Logger.Level)
				assert.Equal(t, 9, cfg.Supervisor.HistoryWindow, "included value survives")
			},
		},
		{
			name: "nested",
			files: map[string]string{
				"config.yaml": "includes: [mid.yaml]\n",
				"mid.yaml":    "includes: [leaf.yaml]\n",
				"leaf.yaml":   "http:\n  addr: \":9090\"\n",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9090", cfg.HTTP.Addr)
			},
		},
		{
			name: "empty include",
			files: map[string]string{
				"config.yaml": "includes: [empty.yaml]\n",
				"empty.yaml":  "",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := loadTree(t, tc.files)
			require.NoError(t, err)
			assert.Empty(t, cfg.Includes)
			if tc.check != nil {
				tc.check(t, cfg)
			}
		})
	}
}

func TestIncludesRejected(t *testing.T) {
	deep := map[string]string{"config.yaml": "includes: [level0.yaml]\n"}
	for i := 0; i <= maxIncludeDepth+1; i++ {
		deep[fmt.Sprintf("level%d.yaml", i)] = fmt.Sprintf("includes: [level%d.yaml]\n", i+1)
	}
	deep[fmt.Sprintf("level%d.yaml", maxIncludeDepth+2)] = ""

	cases := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name: "cycle",
			files: map[string]string{
				"config.yaml": "includes: [a.yaml]\n",
				"a.yaml":      "includes: [b.yaml]\n",
				"b.yaml":      "includes: [a.yaml]\n",
			},
			want: "circular include",
		},
		{
			name:  "outside the config directory",
			files: map[string]string{"config.yaml": "includes: [\"../outside.yaml\"]\n"},
			want:  "escapes config directory",
		},
		{
			name:  "missing file",
			files: map[string]string{"config.yaml": "includes: [missing.yaml]\n"},
			want:  "missing.yaml",
		},
		{name: "too deep", files: deep, want: "nested deeper"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadTree(t, tc.files)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestIncludedFilePermissions(t *testing.T) {
	dir := t.TempDir()
	inc := writeConfigFile(t, dir, "keys.yaml", "embedding:\n  api_key: sk-x\n")
	require.NoError(t, os.Chmod(inc, 0o666))
	path := writeConfigFile(t, dir, "config.yaml", "includes: [keys.yaml]\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "insecure permissions")
}
