package embedding

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	"basecamp/internal/domain"
)

var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)

type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// CachedEmbedder keeps recently embedded texts in an LRU keyed by a hash of
// provider and text. A routing round embeds the same user input once per
// retrieval agent at the same moment, so concurrent misses on a single text
// share one upstream call. Batches only send the texts not already cached.
type CachedEmbedder struct {
	inner    domain.EmbeddingProvider
	capacity int
	inflight singleflight.Group

	mu  sync.Mutex
	lru *orderedmap.OrderedMap[uint64, []float32] // least recent first

	hits, misses atomic.Int64
}

// NewCachedEmbedder returns inner unchanged when capacity is not positive.
func NewCachedEmbedder(inner domain.EmbeddingProvider, capacity int) domain.EmbeddingProvider {
	if capacity <= 0 {
		return inner
	}
	return &CachedEmbedder{
		inner:    inner,
		capacity: capacity,
		lru:      orderedmap.New[uint64, []float32](capacity),
	}
}

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) Name() string { return c.inner.Name() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		vec, err := c.embedOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	out := make([][]float32, len(texts))
	keys := make([]uint64, len(texts))
	var missing []int
	for i, t := range texts {
		keys[i] = c.key(t)
		if vec, ok := c.lookup(keys[i]); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	todo := make([]string, len(missing))
	for j, i := range missing {
		todo[j] = texts[i]
	}
	vecs, err := c.inner.Embed(ctx, todo)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(todo) {
		return nil, domain.ErrEmbeddingFailed
	}
	for j, i := range missing {
		out[i] = vecs[j]
		c.store(keys[i], vecs[j])
	}
	return out, nil
}

func (c *CachedEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if vec, ok := c.lookup(k); ok {
		return vec, nil
	}
	v, err, _ := c.inflight.Do(strconv.FormatUint(k, 36), func() (any, error) {
		// A flight that finished since the lookup has already stored it.
		if vec, ok := c.peek(k); ok {
			return vec, nil
		}
		vecs, err := c.inner.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, domain.ErrEmbeddingFailed
		}
		c.store(k, vecs[0])
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// key includes the provider name so a model change never serves vectors
// from another space.
func (c *CachedEmbedder) key(text string) uint64 {
	return xxhash.Sum64String(c.inner.Name() + "\x00" + text)
}

func (c *CachedEmbedder) lookup(k uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.lru.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	_ = c.lru.MoveToBack(k)
	c.hits.Add(1)
	return vec, true
}

func (c *CachedEmbedder) peek(k uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(k)
}

func (c *CachedEmbedder) store(k uint64, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, present := c.lru.Set(k, vec); present {
		_ = c.lru.MoveToBack(k)
		return
	}
	for c.lru.Len() > c.capacity {
		c.lru.Delete(c.lru.Oldest().Key)
	}
}

func (c *CachedEmbedder) Stats() CacheStats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}
