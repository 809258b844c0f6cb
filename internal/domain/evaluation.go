package domain

import (
	"context"
	"time"
)

// Route names the path a turn took through the supervisor.
type Route string

const (
	RouteClarify  Route = "clarify"
	RouteFallback Route = "fallback"
	RouteSingle   Route = "single"
	RouteMulti    Route = "multi"
	RouteError    Route = "error"
)

// EvaluationRecord is the persisted trace of one agent evaluation in a turn.
type EvaluationRecord struct {
	TurnID    string    `json:"turn_id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	Input     string    `json:"input"`
	AgentKey  string    `json:"agent_key"`
	Kind      AgentKind `json:"kind"`
	Score     float64   `json:"score"`
	Context   string    `json:"context"`
	Failed    bool      `json:"failed"`
	Route     Route     `json:"route"`
	Selected  bool      `json:"selected"`
	CreatedAt time.Time `json:"created_at"`
}

// EvaluationLog records every evaluation of every turn.
type EvaluationLog interface {
	Record(ctx context.Context, records []EvaluationRecord) error
	List(ctx context.Context, tenantID, sessionID string, limit int) ([]EvaluationRecord, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
