package domain

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"
)

// GlobalTenantID is the tenant whose agents are visible to every tenant
// unless shadowed by a tenant-specific agent with the same key.
const GlobalTenantID = "global"

// AgentKind is the closed set of agent behaviours a chain can be built for.
type AgentKind uint8

const (
	// KindPrompt agents answer from their instructions alone.
	KindPrompt AgentKind = iota + 1
	// KindRetrieval agents fetch supporting passages before answering.
	KindRetrieval
	// KindSystem agents are registered at startup and immutable afterwards.
	// They answer like prompt agents.
	KindSystem
)

var agentKindNames = map[AgentKind]string{
	KindPrompt:    "prompt",
	KindRetrieval: "retrieval",
	KindSystem:    "system",
}

func (k AgentKind) String() string {
	if s, ok := agentKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("AgentKind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k AgentKind) Valid() bool {
	_, ok := agentKindNames[k]
	return ok
}

// ParseAgentKind converts a kind name to an AgentKind.
func ParseAgentKind(s string) (AgentKind, error) {
	for k, name := range agentKindNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return k, nil
		}
	}
	return 0, NewSubSystemError("agent", "ParseAgentKind", ErrInvalidInput, fmt.Sprintf("unknown kind %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (k AgentKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("marshal agent kind: %w", ErrInvalidInput)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AgentKind) UnmarshalText(b []byte) error {
	parsed, err := ParseAgentKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// AgentConfig describes one specialist agent registered for a tenant.
// (TenantID, Key) is unique.
type AgentConfig struct {
	TenantID        string            `json:"tenant_id"`
	Key             string            `json:"key"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	PromptTemplate  string            `json:"prompt_template"`
	RetrievalFilter map[string]string `json:"retrieval_filter,omitempty"`
	Kind            AgentKind         `json:"kind"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Validate checks the fields a registration requires.
func (c AgentConfig) Validate() error {
	const op = "AgentConfig.Validate"
	if strings.TrimSpace(c.Key) == "" {
		return NewSubSystemError("agent", op, ErrInvalidInput, "key is required")
	}
	if !c.Kind.Valid() {
		return NewSubSystemError("agent", op, ErrInvalidInput, fmt.Sprintf("agent %q has invalid kind", c.Key))
	}
	if c.Kind == KindSystem {
		return nil
	}
	if strings.TrimSpace(c.PromptTemplate) == "" {
		return NewSubSystemError("agent", op, ErrInvalidInput, fmt.Sprintf("agent %q: prompt_template is required", c.Key))
	}
	if strings.TrimSpace(c.Description) == "" {
		return NewSubSystemError("agent", op, ErrInvalidInput, fmt.Sprintf("agent %q: description is required", c.Key))
	}
	return nil
}

// DisplayName returns Name, or Key when no name was given.
func (c AgentConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Key
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (c AgentConfig) Clone() AgentConfig {
	c.RetrievalFilter = maps.Clone(c.RetrievalFilter)
	return c
}

// AgentStore persists agent configurations across restarts.
type AgentStore interface {
	Save(ctx context.Context, cfg AgentConfig) error
	Delete(ctx context.Context, tenantID, key string) error
	List(ctx context.Context) ([]AgentConfig, error)
}
