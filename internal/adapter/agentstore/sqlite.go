// Package agentstore persists agent registrations in SQLite so that
// tenant agents survive a restart.
package agentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"basecamp/internal/domain"
)

// SQLiteStore implements domain.AgentStore on the shared database.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.AgentStore = (*SQLiteStore)(nil)

// New returns a store over an already migrated database.
func New(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const agentColumns = "tenant_id, key, name, description, prompt_template, retrieval_filter, kind, created_at, updated_at"

// Save inserts cfg or replaces the row with the same (tenant, key).
// created_at is preserved across replacements.
func (s *SQLiteStore) Save(ctx context.Context, cfg domain.AgentConfig) error {
	filter := cfg.RetrievalFilter
	if filter == nil {
		filter = map[string]string{}
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("marshal retrieval filter: %w", err)
	}
	now := time.Now().UTC()
	created := cfg.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, key) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			prompt_template = excluded.prompt_template,
			retrieval_filter = excluded.retrieval_filter,
			kind = excluded.kind,
			updated_at = excluded.updated_at`,
		cfg.TenantID, cfg.Key, cfg.Name, cfg.Description, cfg.PromptTemplate,
		string(filterJSON), cfg.Kind.String(),
		created.Format(time.RFC3339Nano), updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save agent %s/%s: %w", cfg.TenantID, cfg.Key, err)
	}
	return nil
}

// Delete removes one registration. A missing row is ErrAgentNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE tenant_id = ? AND key = ?", tenantID, key)
	if err != nil {
		return fmt.Errorf("delete agent %s/%s: %w", tenantID, key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("SQLiteStore.Delete", domain.ErrAgentNotFound, tenantID+"/"+key)
	}
	return nil
}

// Get loads one registration.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, key string) (domain.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE tenant_id = ? AND key = ?", tenantID, key)
	cfg, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentConfig{}, domain.NewDomainError("SQLiteStore.Get", domain.ErrAgentNotFound, tenantID+"/"+key)
	}
	return cfg, err
}

// List returns every registration in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY created_at, tenant_id, key")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentConfig
	for rows.Next() {
		cfg, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (domain.AgentConfig, error) {
	var (
		cfg                    domain.AgentConfig
		filterStr, kindStr     string
		createdStr, updatedStr string
	)
	if err := row.Scan(&cfg.TenantID, &cfg.Key, &cfg.Name, &cfg.Description, &cfg.PromptTemplate,
		&filterStr, &kindStr, &createdStr, &updatedStr); err != nil {
		return domain.AgentConfig{}, err
	}
	kind, err := domain.ParseAgentKind(kindStr)
	if err != nil {
		return domain.AgentConfig{}, fmt.Errorf("agent %s/%s: %w", cfg.TenantID, cfg.Key, err)
	}
	cfg.Kind = kind
	if err := json.Unmarshal([]byte(filterStr), &cfg.RetrievalFilter); err != nil {
		return domain.AgentConfig{}, fmt.Errorf("unmarshal retrieval filter: %w", err)
	}
	if len(cfg.RetrievalFilter) == 0 {
		cfg.RetrievalFilter = nil
	}
	cfg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return cfg, nil
}
