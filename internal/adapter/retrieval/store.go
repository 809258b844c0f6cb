// Package retrieval stores supporting passages for retrieval agents and
// answers filtered top-K searches over them.
//
// Passages live in the shared SQLite database with an FTS5 shadow table.
// When an embedder is configured every passage is embedded on ingestion and
// searches fuse keyword rank with cosine rank. Embeddings are cached in an
// in-memory index that is loaded on the first search and kept current on
// every write.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"basecamp/internal/domain"
	"basecamp/internal/infra/metrics"
)

// Document is one passage offered for ingestion.
type Document struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Options tunes search. Zero values disable the corresponding feature.
type Options struct {
	// MMRDiversity in [0,1] re-ranks results away from near-duplicates.
	MMRDiversity float64
	// IncludeGlobal also searches passages ingested under the global tenant.
	IncludeGlobal bool
}

// Store implements domain.Retriever over SQLite.
type Store struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	vecIdx   *vecIndex
}

var _ domain.Retriever = (*Store)(nil)

// New returns a store over an already migrated database. A nil embedder
// gives keyword-only search. m may be nil.
func New(db *sql.DB, embedder domain.EmbeddingProvider, logger *slog.Logger, m *metrics.Metrics, opts Options) *Store {
	return &Store{
		db:       db,
		embedder: embedder,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		vecIdx:   newVecIndex(),
	}
}

// Ingest embeds and stores docs under tenantID with the given metadata,
// typically an agent's retrieval filter. Blank documents are skipped.
// It returns the ids of the stored passages in input order.
func (s *Store) Ingest(ctx context.Context, tenantID string, metadata map[string]string, docs []Document) ([]string, error) {
	const op = "retrieval.Ingest"
	if strings.TrimSpace(tenantID) == "" {
		return nil, domain.NewSubSystemError("retrieval", op, domain.ErrInvalidInput, "tenant is required")
	}

	kept := make([]Document, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Content) != "" {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return nil, domain.NewSubSystemError("retrieval", op, domain.ErrInvalidInput, "no document has content")
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal metadata: %v", domain.ErrVectorStore, err)
	}

	var vecs [][]float32
	if s.embedder != nil {
		texts := make([]string, len(kept))
		for i, d := range kept {
			texts[i] = d.Content
		}
		vecs, err = s.embedder.Embed(ctx, texts)
		if err != nil || len(vecs) != len(kept) {
			s.logger.Warn("retrieval: batch embedding failed, storing without vectors",
				"tenant", tenantID, "count", len(kept), "error", err)
			vecs = nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", domain.ErrVectorStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO passages (id, tenant_id, source, content, metadata, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare: %v", domain.ErrVectorStore, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ids := make([]string, len(kept))
	for i, d := range kept {
		ids[i] = ulid.Make().String()
		var blob []byte
		if vecs != nil {
			blob = float32ToBytes(vecs[i])
		}
		if _, err := stmt.ExecContext(ctx, ids[i], tenantID, d.Source, d.Content, string(metaJSON), blob, now); err != nil {
			return nil, fmt.Errorf("%w: insert: %v", domain.ErrVectorStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", domain.ErrVectorStore, err)
	}

	if vecs != nil {
		for i, d := range kept {
			s.vecIdx.put(indexedPassage{
				id:       ids[i],
				tenantID: tenantID,
				metadata: metadata,
				passage:  domain.Passage{Source: d.Source, Content: d.Content},
			}, vecs[i])
		}
	}
	s.logger.Debug("passages ingested", "tenant", tenantID, "count", len(ids), "embedded", vecs != nil)
	return ids, nil
}

// Delete removes one passage of a tenant.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM passages WHERE id = ? AND tenant_id = ?", id, tenantID)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrVectorStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("retrieval", "retrieval.Delete", domain.ErrNotFound, id)
	}
	s.vecIdx.remove(id)
	return nil
}

// Count returns how many passages match the filter.
func (s *Store) Count(ctx context.Context, filter domain.RetrievalFilter) (int, error) {
	where, args := s.filterClause("p", filter)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM passages p WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrVectorStore, err)
	}
	return n, nil
}

// tenants lists the tenant ids a filter searches.
func (s *Store) tenants(filter domain.RetrievalFilter) []string {
	if s.opts.IncludeGlobal && filter.TenantID != domain.GlobalTenantID {
		return []string{filter.TenantID, domain.GlobalTenantID}
	}
	return []string{filter.TenantID}
}

// filterClause renders the tenant and metadata constraints as SQL over alias.
func (s *Store) filterClause(alias string, filter domain.RetrievalFilter) (string, []any) {
	tenants := s.tenants(filter)
	var b strings.Builder
	args := make([]any, 0, len(tenants)+2*len(filter.Metadata))

	b.WriteString(alias + ".tenant_id IN (")
	for i, t := range tenants {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args = append(args, t)
	}
	b.WriteString(")")

	for _, k := range sortedKeys(filter.Metadata) {
		b.WriteString(" AND json_extract(" + alias + ".metadata, ?) = ?")
		args = append(args, jsonPath(k), filter.Metadata[k])
	}
	return b.String(), args
}

// jsonPath quotes key as a single SQLite JSON path member.
func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}
