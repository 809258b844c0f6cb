package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
	"basecamp/internal/infra/metrics"
)

// Maintenance job names.
const (
	JobSessionReap  = "session-reap"
	JobEvalLogPrune = "evallog-prune"
)

// SessionReaper drops idle sessions.
type SessionReaper interface {
	Reap() int
	Len() int
}

// Maintenance owns the housekeeping jobs. EvalLog and Metrics may be nil.
type Maintenance struct {
	Sessions  SessionReaper
	EvalLog   domain.EvaluationLog
	Retention time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Register schedules the jobs cfg asks for. Pruning needs both an evaluation
// log and a positive retention.
func (m Maintenance) Register(s *Scheduler, cfg config.SchedulerConfig) error {
	if m.Now == nil {
		m.Now = time.Now
	}
	if err := s.Add(Job{Name: JobSessionReap, Schedule: cfg.SessionReap, Run: m.reapSessions}); err != nil {
		return err
	}
	if m.EvalLog == nil || m.Retention <= 0 {
		m.Logger.Info("evaluation log pruning disabled")
		return nil
	}
	return s.Add(Job{Name: JobEvalLogPrune, Schedule: cfg.EvalLogPrune, Run: m.pruneEvalLog})
}

func (m Maintenance) reapSessions(context.Context) error {
	if n := m.Sessions.Reap(); n > 0 {
		m.Logger.Debug("idle sessions dropped", "removed", n)
	}
	m.Metrics.SetActiveSessions(m.Sessions.Len())
	return nil
}

// pruneEvalLog deletes evaluation records older than the retention window.
func (m Maintenance) pruneEvalLog(ctx context.Context) error {
	cutoff := m.Now().Add(-m.Retention)
	n, err := m.EvalLog.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune evaluation log: %w", err)
	}
	if n > 0 {
		m.Logger.Info("evaluation log pruned", "removed", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return nil
}
