package domain

import (
	"context"
	"strings"
)

// Passage is one unit of retrieved supporting text.
type Passage struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float32 `json:"score,omitempty"`
}

// HasContent reports whether the passage carries non-blank text.
func (p Passage) HasContent() bool {
	return strings.TrimSpace(p.Content) != ""
}

// RetrievalFilter scopes a search to one tenant plus opaque metadata
// constraints taken from the agent's configuration.
type RetrievalFilter struct {
	TenantID string
	Metadata map[string]string
}

// Retriever fetches the passages most similar to a query.
// An empty result is a valid outcome, not an error.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter RetrievalFilter, k int) ([]Passage, error)
}

// NonEmptyPassages returns the passages that have content, in order.
func NonEmptyPassages(ps []Passage) []Passage {
	out := make([]Passage, 0, len(ps))
	for _, p := range ps {
		if p.HasContent() {
			out = append(out, p)
		}
	}
	return out
}
