package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"basecamp/internal/domain"
)

// indexedPassage is a passage plus the fields search filters on.
type indexedPassage struct {
	id       string
	tenantID string
	metadata map[string]string
	passage  domain.Passage
}

type vecEntry struct {
	p   indexedPassage
	vec []float64 // unit length
}

// vecIndex keeps every passage embedding in memory so vector search never
// scans SQLite. It is loaded lazily on the first search.
type vecIndex struct {
	mu      sync.RWMutex
	entries map[string]vecEntry
	loaded  bool
}

func newVecIndex() *vecIndex {
	return &vecIndex{entries: make(map[string]vecEntry)}
}

// unit converts v to float64 and scales it to length 1.
// It returns nil for empty or zero vectors.
func unit(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	n := floats.Norm(out, 2)
	if n == 0 {
		return nil
	}
	floats.Scale(1/n, out)
	return out
}

type scoredPassage struct {
	p     indexedPassage
	score float64
}

// search returns the limit entries most similar to q among those keep
// accepts. Entries with non-positive similarity are dropped.
func (idx *vecIndex) search(q []float64, keep func(indexedPassage) bool, limit int) []scoredPassage {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make([]scoredPassage, 0, len(idx.entries))
	for _, e := range idx.entries {
		if len(e.vec) != len(q) || !keep(e.p) {
			continue
		}
		sim := floats.Dot(q, e.vec)
		if sim <= 0 {
			continue
		}
		candidates = append(candidates, scoredPassage{p: e.p, score: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].p.id < candidates[j].p.id
	})
	return candidates[:min(limit, len(candidates))]
}

// vector returns the stored unit vector for id, or nil.
func (idx *vecIndex) vector(id string) []float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries[id].vec
}

func (idx *vecIndex) put(p indexedPassage, embedding []float32) {
	vec := unit(embedding)
	if vec == nil {
		return
	}
	idx.mu.Lock()
	idx.entries[p.id] = vecEntry{p: p, vec: vec}
	idx.mu.Unlock()
}

func (idx *vecIndex) remove(id string) {
	idx.mu.Lock()
	delete(idx.entries, id)
	idx.mu.Unlock()
}

func (idx *vecIndex) isLoaded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.loaded
}

func (idx *vecIndex) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// loadFromDB replaces the index with every embedded passage in db.
// Entries written concurrently with the load are merged in.
func (idx *vecIndex) loadFromDB(ctx context.Context, db *sql.DB) error {
	if idx.isLoaded() {
		return nil
	}

	rows, err := db.QueryContext(ctx,
		"SELECT id, tenant_id, source, content, metadata, embedding FROM passages WHERE embedding IS NOT NULL")
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[string]vecEntry)
	for rows.Next() {
		var (
			p        indexedPassage
			metaJSON string
			blob     []byte
		)
		if err := rows.Scan(&p.id, &p.tenantID, &p.passage.Source, &p.passage.Content, &metaJSON, &blob); err != nil {
			return err
		}
		vec := unit(bytesToFloat32(blob))
		if vec == nil {
			continue
		}
		if err := json.Unmarshal([]byte(metaJSON), &p.metadata); err != nil {
			continue
		}
		loaded[p.id] = vecEntry{p: p, vec: vec}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	for id, e := range idx.entries {
		loaded[id] = e
	}
	idx.entries = loaded
	idx.loaded = true
	idx.mu.Unlock()
	return nil
}
