package retrieval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"basecamp/internal/domain"
	"basecamp/internal/infra/tracer"
)

// Retrieve implements domain.Retriever. It returns at most k passages for
// query within the filter, best first. No match is an empty result.
func (s *Store) Retrieve(ctx context.Context, query string, filter domain.RetrievalFilter, k int) (_ []domain.Passage, err error) {
	ctx, span := tracer.StartSpan(ctx, "retrieval.search",
		tracer.StringAttr("retrieval.tenant", filter.TenantID),
		tracer.IntAttr("retrieval.k", k),
	)
	start := time.Now()
	defer func() {
		s.metrics.ObserveRetrieval(time.Since(start))
		tracer.Finish(span, err)
	}()

	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	fetch := k * 2

	kw, kwErr := s.keywordSearch(ctx, query, filter, fetch)
	vec, vecErr := s.vectorSearch(ctx, query, filter, fetch)
	if kwErr != nil && vecErr != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRetrievalFailed, errors.Join(kwErr, vecErr))
	}
	if vecErr != nil {
		s.logger.Warn("retrieval: vector search failed, keyword only", "tenant", filter.TenantID, "error", vecErr)
	}

	var ranked []scoredPassage
	switch {
	case len(vec) == 0:
		ranked = rankScored(kw)
	case len(kw) == 0:
		ranked = vec
	default:
		ranked = reciprocalRankFusion(kw, vec)
	}

	if s.opts.MMRDiversity > 0 {
		ranked = s.applyMMR(ranked, k, s.opts.MMRDiversity)
	}
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	// Cosine similarity is the reported score when known, so callers see
	// a value in [0,1] rather than a fused rank.
	sims := make(map[string]float64, len(vec))
	for _, v := range vec {
		sims[v.p.id] = v.score
	}
	out := make([]domain.Passage, len(ranked))
	for i, r := range ranked {
		p := r.p.passage
		if sim, ok := sims[r.p.id]; ok {
			p.Score = float32(sim)
		}
		out[i] = p
	}
	span.SetAttributes(tracer.IntAttr("retrieval.results", len(out)))
	return out, nil
}

// keywordSearch ranks passages by FTS5 bm25. A query FTS5 cannot parse
// falls back to a LIKE scan.
func (s *Store) keywordSearch(ctx context.Context, query string, filter domain.RetrievalFilter, limit int) ([]indexedPassage, error) {
	where, args := s.filterClause("p", filter)
	match := ftsQuery(query)
	if match == "" {
		return s.likeSearch(ctx, query, filter, limit)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.tenant_id, p.source, p.content, p.metadata
		 FROM passages_fts f
		 JOIN passages p ON p.rowid = f.rowid
		 WHERE passages_fts MATCH ? AND `+where+`
		 ORDER BY bm25(passages_fts), p.id
		 LIMIT ?`,
		append(append([]any{match}, args...), limit)...,
	)
	if err != nil {
		return s.likeSearch(ctx, query, filter, limit)
	}
	defer rows.Close()
	return scanPassages(rows)
}

func (s *Store) likeSearch(ctx context.Context, query string, filter domain.RetrievalFilter, limit int) ([]indexedPassage, error) {
	where, args := s.filterClause("p", filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.tenant_id, p.source, p.content, p.metadata
		 FROM passages p
		 WHERE p.content LIKE ? AND `+where+`
		 ORDER BY p.created_at DESC, p.id
		 LIMIT ?`,
		append(append([]any{"%" + query + "%"}, args...), limit)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPassages(rows)
}

// ftsQuery turns free text into an OR of quoted FTS5 terms so punctuation
// in user input never reaches the FTS5 parser.
func ftsQuery(text string) string {
	terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if len([]rune(t)) < 2 || seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// vectorSearch embeds query and ranks passages by cosine similarity using
// the in-memory index.
func (s *Store) vectorSearch(ctx context.Context, query string, filter domain.RetrievalFilter, limit int) ([]scoredPassage, error) {
	if s.embedder == nil {
		return nil, nil
	}
	if err := s.vecIdx.loadFromDB(ctx, s.db); err != nil {
		return nil, fmt.Errorf("load vector index: %w", err)
	}
	if s.vecIdx.size() == 0 {
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	q := unit(vecs[0])
	if q == nil {
		return nil, nil
	}

	tenants := s.tenants(filter)
	keep := func(p indexedPassage) bool {
		if !slices.Contains(tenants, p.tenantID) {
			return false
		}
		for k, v := range filter.Metadata {
			if p.metadata[k] != v {
				return false
			}
		}
		return true
	}
	return s.vecIdx.search(q, keep, limit), nil
}

// rankScored gives a single ranked list descending rank-based scores.
func rankScored(ps []indexedPassage) []scoredPassage {
	out := make([]scoredPassage, len(ps))
	for i, p := range ps {
		out[i] = scoredPassage{p: p, score: 1.0 / float64(i+1)}
	}
	return out
}

// reciprocalRankFusion merges the keyword and vector rankings (k=60).
func reciprocalRankFusion(kw []indexedPassage, vec []scoredPassage) []scoredPassage {
	const k = 60

	scores := make(map[string]float64, len(kw)+len(vec))
	byID := make(map[string]indexedPassage, len(kw)+len(vec))
	for rank, p := range kw {
		scores[p.id] += 1.0 / float64(k+rank+1)
		byID[p.id] = p
	}
	for rank, v := range vec {
		scores[v.p.id] += 1.0 / float64(k+rank+1)
		byID[v.p.id] = v.p
	}

	out := make([]scoredPassage, 0, len(scores))
	for id, score := range scores {
		out = append(out, scoredPassage{p: byID[id], score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].p.id < out[j].p.id
	})
	return out
}

// applyMMR re-ranks candidates by Maximal Marginal Relevance using the
// indexed embeddings. Candidates without an embedding compete on score alone.
func (s *Store) applyMMR(candidates []scoredPassage, limit int, diversity float64) []scoredPassage {
	if len(candidates) <= 1 {
		return candidates
	}
	lambda := 1.0 - diversity

	vecs := make([][]float64, len(candidates))
	for i, c := range candidates {
		vecs[i] = s.vecIdx.vector(c.p.id)
	}

	selected := make([]int, 0, min(limit, len(candidates)))
	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}

	for len(selected) < limit && len(remaining) > 0 {
		bestPos, bestScore := -1, math.Inf(-1)
		for pos, ci := range remaining {
			var maxSim float64
			if vecs[ci] != nil {
				for _, si := range selected {
					if vecs[si] == nil || len(vecs[si]) != len(vecs[ci]) {
						continue
					}
					maxSim = math.Max(maxSim, floats.Dot(vecs[ci], vecs[si]))
				}
			}
			score := lambda*candidates[ci].score - (1-lambda)*maxSim
			if score > bestScore {
				bestPos, bestScore = pos, score
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	out := make([]scoredPassage, len(selected))
	for i, ci := range selected {
		out[i] = candidates[ci]
	}
	return out
}

func scanPassages(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]indexedPassage, error) {
	var out []indexedPassage
	for rows.Next() {
		var (
			p        indexedPassage
			metaJSON string
		)
		if err := rows.Scan(&p.id, &p.tenantID, &p.passage.Source, &p.passage.Content, &metaJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &p.metadata); err != nil {
			return nil, fmt.Errorf("passage %s: corrupt metadata: %w", p.id, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// float32ToBytes converts a float32 slice to little-endian bytes.
func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32 converts little-endian bytes back to a float32 slice.
func bytesToFloat32(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
