// Package embedding turns text into vectors for relevance scoring and
// passage search.
package embedding

import (
	"fmt"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
)

// New builds the configured embedder, behind an LRU cache when
// cfg.CacheSize is positive.
func New(cfg config.EmbeddingConfig) (domain.EmbeddingProvider, error) {
	var e *Embedder
	switch cfg.Provider {
	case "openai":
		e = NewOpenAI(cfg)
	case "ollama":
		e = NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	return NewCachedEmbedder(e, cfg.CacheSize), nil
}
