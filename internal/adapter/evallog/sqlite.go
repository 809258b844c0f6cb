// Package evallog stores the per-agent evaluation trace of every turn.
package evallog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"basecamp/internal/domain"
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 100

// timeLayout is fixed width so that created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLog implements domain.EvaluationLog on the shared database.
type SQLiteLog struct {
	db *sql.DB
}

var _ domain.EvaluationLog = (*SQLiteLog)(nil)

// New returns a log over an already migrated database.
func New(db *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: db}
}

// Record writes all records of one turn in a single transaction.
func (l *SQLiteLog) Record(ctx context.Context, records []domain.EvaluationRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO evaluations
		(turn_id, tenant_id, session_id, input, agent_key, kind, score, context, failed, route, selected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return l.wrap(err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			r.TurnID, r.TenantID, r.SessionID, r.Input, r.AgentKey, r.Kind.String(),
			r.Score, r.Context, boolToInt(r.Failed), string(r.Route), boolToInt(r.Selected),
			created.UTC().Format(timeLayout),
		); err != nil {
			return l.wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return l.wrap(err)
	}
	return nil
}

// List returns the newest records of a session, newest first.
// An empty sessionID lists the whole tenant.
func (l *SQLiteLog) List(ctx context.Context, tenantID, sessionID string, limit int) ([]domain.EvaluationRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT turn_id, tenant_id, session_id, input, agent_key, kind, score, context, failed, route, selected, created_at
		FROM evaluations WHERE tenant_id = ?`
	args := []any{tenantID}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []domain.EvaluationRecord
	for rows.Next() {
		var (
			r                  domain.EvaluationRecord
			kind, route, stamp string
			failed, selected   int
		)
		if err := rows.Scan(&r.TurnID, &r.TenantID, &r.SessionID, &r.Input, &r.AgentKey, &kind,
			&r.Score, &r.Context, &failed, &route, &selected, &stamp); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		// Unknown kinds are kept with a zero Kind rather than failing the listing.
		r.Kind, _ = domain.ParseAgentKind(kind)
		r.Route = domain.Route(route)
		r.Failed = failed != 0
		r.Selected = selected != 0
		r.CreatedAt, _ = time.Parse(timeLayout, stamp)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records created before the cutoff and reports how many went.
func (l *SQLiteLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM evaluations WHERE created_at < ?",
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune evaluations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *SQLiteLog) wrap(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrEvalLogWrite, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
