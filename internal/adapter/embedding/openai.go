package embedding

import (
	"encoding/json"
	"slices"
	"strings"

	"basecamp/internal/infra/config"
)

// text-embedding-3-small; the API caps a request at 2048 inputs.
const (
	openaiModel = "text-embedding-3-small"
	openaiDims  = 1536
	openaiBatch = 256
)

type openaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type openaiEmbedResponse struct {
	Data []openaiEmbedData `json:"data"`
}

var openaiWire = wireFormat{
	path: "/embeddings",
	encode: func(model string, dims int, texts []string) any {
		return openaiEmbedRequest{Model: model, Input: texts, Dimensions: dims}
	},
	decode: func(raw []byte) ([][]float32, error) {
		var resp openaiEmbedResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		// Entries carry their input index and are not guaranteed to be ordered.
		slices.SortFunc(resp.Data, func(a, b openaiEmbedData) int { return a.Index - b.Index })
		vecs := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vecs[i] = d.Embedding
		}
		return vecs, nil
	},
}

// NewOpenAI returns an embedder for the OpenAI embeddings API or any server
// exposing the same /embeddings route. A configured dimension count is sent
// to the API so text-embedding-3 models shorten their vectors.
func NewOpenAI(cfg config.EmbeddingConfig) *Embedder {
	e := &Embedder{
		name:    "openai",
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		batch:   cfg.BatchSize,
		client:  newClient(cfg.Timeout),
		wire:    openaiWire,
	}
	if e.baseURL == "" {
		e.baseURL = "https://api.openai.com/v1"
	}
	if e.model == "" {
		e.model = openaiModel
	}
	if e.batch <= 0 {
		e.batch = openaiBatch
	}
	if e.dims <= 0 {
		// Zero is left out of the request, so the model's native size applies.
		e.dims = openaiDims
		e.wire.encode = func(model string, _ int, texts []string) any {
			return openaiEmbedRequest{Model: model, Input: texts}
		}
	}
	return e
}
