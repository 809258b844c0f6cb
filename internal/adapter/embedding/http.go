package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"basecamp/internal/domain"
)

const maxResponseBody = 32 << 20

var _ domain.EmbeddingProvider = (*Embedder)(nil)

// wireFormat is the request and response shape of one embeddings API.
type wireFormat struct {
	path   string
	encode func(model string, dims int, texts []string) any
	decode func(raw []byte) ([][]float32, error)
}

// Embedder calls a remote embeddings endpoint, splitting large inputs into
// batches the provider accepts.
type Embedder struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	dims    int
	batch   int
	client  *http.Client
	wire    wireFormat
}

// Name implements domain.EmbeddingProvider.
func (e *Embedder) Name() string { return e.name }

// Dimensions implements domain.EmbeddingProvider.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed implements domain.EmbeddingProvider. Vectors come back in input
// order; any failed batch fails the whole call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batch {
		end := min(start+e.batch, len(texts))
		vecs, err := e.post(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: %s returned %d vectors for %d inputs",
				domain.ErrEmbeddingFailed, e.name, len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// post sends one batch. Every failure wraps domain.ErrEmbeddingFailed except
// deadline expiry, which is reported as an embedding timeout.
func (e *Embedder) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(e.wire.encode(e.model, e.dims, texts))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrEmbeddingFailed, err)
	}
	url := e.baseURL + e.wire.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewSubSystemError("embedding", "Embedder.Embed", domain.ErrTimeout, url)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrEmbeddingFailed, e.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrEmbeddingFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s status %d: %s", domain.ErrEmbeddingFailed, e.name, resp.StatusCode, raw)
	}
	vecs, err := e.wire.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

func newClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
