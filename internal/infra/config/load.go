package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// Load builds the configuration in layers: defaults, included files, the
// file at path, then BASECAMP_* variables. Sealed secrets are opened with
// BASECAMP_CONFIG_KEY and the result is validated. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		l := &loader{seen: map[string]bool{abs: true}}
		if err := l.merge(cfg, abs, data, 0); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)
	if key := os.Getenv(envPrefix + "CONFIG_KEY"); key != "" {
		if err := openSecrets(cfg, key); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loader walks a tree of config files joined by their includes lists.
type loader struct {
	seen map[string]bool
}

// merge overlays the file at abs onto cfg. Its includes are applied first
// and the file itself is decoded again afterwards so it wins over them.
func (l *loader) merge(cfg *Config, abs string, data []byte, depth int) error {
	if err := checkPermissions(abs); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var head struct {
		Includes []string `yaml:"includes"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("parse %s: %w", abs, err)
	}
	if len(head.Includes) > 0 {
		if depth >= maxIncludeDepth {
			return fmt.Errorf("config includes: nested deeper than %d", maxIncludeDepth)
		}
		dir := filepath.Dir(abs)
		for _, pattern := range head.Includes {
			files, err := resolveInclude(dir, pattern)
			if err != nil {
				return err
			}
			for _, f := range files {
				if err := l.include(cfg, f, depth+1); err != nil {
					return err
				}
			}
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", abs, err)
	}
	cfg.Includes = nil
	return nil
}

func (l *loader) include(cfg *Config, abs string, depth int) error {
	if l.seen[abs] {
		return fmt.Errorf("config includes: circular include of %s", abs)
	}
	l.seen[abs] = true
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	return l.merge(cfg, abs, data, depth)
}

// resolveInclude turns one includes entry into absolute file paths. Entries
// are relative to the including file and may not leave its directory. A glob
// may match nothing; a plain path must exist.
func resolveInclude(dir, pattern string) ([]string, error) {
	p := pattern
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	if rel, err := filepath.Rel(dir, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: %q escapes config directory", pattern)
	}
	if !strings.ContainsAny(p, "*?[") {
		return []string{p}, nil
	}
	files, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %q: %w", pattern, err)
	}
	return files, nil
}

// checkPermissions rejects config files writable by group or others; they
// may carry API keys.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
