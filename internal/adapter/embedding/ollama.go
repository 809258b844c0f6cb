package embedding

import (
	"encoding/json"
	"strings"

	"basecamp/internal/infra/config"
)

const (
	ollamaModel = "nomic-embed-text"
	ollamaDims  = 768
	ollamaBatch = 32
)

type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Ollama truncates inputs longer than the model context instead of failing.
var ollamaWire = wireFormat{
	path: "/api/embed",
	encode: func(model string, _ int, texts []string) any {
		return ollamaEmbedRequest{Model: model, Input: texts, Truncate: true}
	},
	decode: func(raw []byte) ([][]float32, error) {
		var resp ollamaEmbedResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		return resp.Embeddings, nil
	},
}

// NewOllama returns an embedder for a local Ollama server.
func NewOllama(cfg config.EmbeddingConfig) *Embedder {
	e := &Embedder{
		name:    "ollama",
		baseURL: strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1"),
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		batch:   cfg.BatchSize,
		client:  newClient(cfg.Timeout),
		wire:    ollamaWire,
	}
	if e.baseURL == "" {
		e.baseURL = "http://localhost:11434"
	}
	if e.model == "" {
		e.model = ollamaModel
	}
	if e.dims <= 0 {
		e.dims = ollamaDims
	}
	if e.batch <= 0 {
		e.batch = ollamaBatch
	}
	return e
}
