package domain

import "context"

// LLMProvider answers one chat completion. Providers are shared by every
// tenant; the tenant and session travel on ctx.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// StreamDelta is one piece of a streamed answer. Err is terminal and comes
// with Done set.
type StreamDelta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}

// StreamingLLMProvider is a provider that can stream the synthesised reply.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream returns a channel closed after the last delta.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// EmbeddingProvider turns text into vectors for relevance scoring and
// passage search. Vectors come back in input order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the length of every returned vector.
	Dimensions() int
	Name() string
}
