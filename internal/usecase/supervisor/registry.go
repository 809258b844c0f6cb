// Package supervisor routes a chat turn to the tenant's specialist agents.
//
// A turn passes the clarification gate, has every registered agent scored
// for relevance concurrently, and is then answered by the fallback agent,
// a single relevant agent, or a synthesis over several relevant agents.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"basecamp/internal/domain"
)

type agentMap = orderedmap.OrderedMap[string, domain.AgentConfig]

// Registry holds agent configurations per tenant. Agents registered under
// domain.GlobalTenantID are visible to every tenant unless a tenant agent
// with the same key shadows them.
//
// Reads take a shared lock; writes are rare administrative calls and go
// through to the optional AgentStore before the in-memory map changes.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*agentMap
	sealed  bool

	store  domain.AgentStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry. store may be nil for a purely
// in-memory registry.
func NewRegistry(store domain.AgentStore, logger *slog.Logger) *Registry {
	return &Registry{
		tenants: make(map[string]*agentMap),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Load fills the registry from the store. Call it before Seed so that
// persisted tenant agents are in place when defaults are registered.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	cfgs, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range cfgs {
		if cfg.Kind == domain.KindSystem {
			continue
		}
		r.tenantLocked(cfg.TenantID).Set(cfg.Key, cfg)
	}
	r.logger.Info("agents loaded", "count", len(cfgs))
	return nil
}

// Seal freezes every system agent. After Seal, system agents can be
// neither replaced nor deleted and no new system agent can be registered.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Register upserts cfg keyed by (TenantID, Key).
func (r *Registry) Register(ctx context.Context, cfg domain.AgentConfig) error {
	return r.write(ctx, cfg, func(_ bool) error { return nil })
}

// Create registers cfg only if the tenant has no agent with that key.
// A global agent of the same key does not count; the new agent shadows it.
func (r *Registry) Create(ctx context.Context, cfg domain.AgentConfig) error {
	return r.write(ctx, cfg, func(exists bool) error {
		if exists {
			return domain.NewDomainError("Registry.Create", domain.ErrAgentDuplicate, cfg.TenantID+"/"+cfg.Key)
		}
		return nil
	})
}

// Update replaces an agent the tenant already owns.
func (r *Registry) Update(ctx context.Context, cfg domain.AgentConfig) error {
	return r.write(ctx, cfg, func(exists bool) error {
		if !exists {
			return domain.NewDomainError("Registry.Update", domain.ErrAgentNotFound, cfg.TenantID+"/"+cfg.Key)
		}
		return nil
	})
}

func (r *Registry) write(ctx context.Context, cfg domain.AgentConfig, check func(exists bool) error) error {
	cfg = cfg.Clone()
	cfg.TenantID = normaliseTenant(cfg.TenantID)
	cfg.Key = normaliseKey(cfg.Key)
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.lookupLocked(cfg.TenantID, cfg.Key)
	if err := check(exists); err != nil {
		return err
	}
	if r.sealed && (cfg.Kind == domain.KindSystem || (exists && prev.Kind == domain.KindSystem)) {
		return domain.NewDomainError("Registry.Register", domain.ErrImmutableAgent, cfg.Key)
	}

	now := r.now().UTC()
	cfg.CreatedAt = now
	if exists {
		cfg.CreatedAt = prev.CreatedAt
	}
	cfg.UpdatedAt = now

	if r.store != nil && cfg.Kind != domain.KindSystem {
		if err := r.store.Save(ctx, cfg); err != nil {
			return fmt.Errorf("persist agent: %w", err)
		}
	}
	r.tenantLocked(cfg.TenantID).Set(cfg.Key, cfg)
	r.logger.Debug("agent registered", "tenant", cfg.TenantID, "agent", cfg.Key, "kind", cfg.Kind.String())
	return nil
}

// Get resolves key for tenantID, preferring the tenant's own agent over
// the global one.
func (r *Registry) Get(tenantID, key string) (domain.AgentConfig, error) {
	tenantID, key = normaliseTenant(tenantID), normaliseKey(key)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.lookupLocked(tenantID, key); ok {
		return cfg.Clone(), nil
	}
	if cfg, ok := r.lookupLocked(domain.GlobalTenantID, key); ok {
		return cfg.Clone(), nil
	}
	return domain.AgentConfig{}, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, tenantID+"/"+key)
}

// Has reports whether key resolves for tenantID.
func (r *Registry) Has(tenantID, key string) bool {
	_, err := r.Get(tenantID, key)
	return err == nil
}

// List returns the agents visible to tenantID: global agents in
// registration order with tenant overrides in place, followed by the
// tenant's own additional agents.
func (r *Registry) List(tenantID string) []domain.AgentConfig {
	tenantID = normaliseTenant(tenantID)
	r.mu.RLock()
	defer r.mu.RUnlock()

	global := r.tenants[domain.GlobalTenantID]
	own := r.tenants[tenantID]
	if tenantID == domain.GlobalTenantID {
		own = nil
	}

	out := make([]domain.AgentConfig, 0, mapLen(global)+mapLen(own))
	if global != nil {
		for pair := global.Oldest(); pair != nil; pair = pair.Next() {
			cfg := pair.Value
			if own != nil {
				if override, ok := own.Get(pair.Key); ok {
					cfg = override
				}
			}
			out = append(out, cfg.Clone())
		}
	}
	if own != nil {
		for pair := own.Oldest(); pair != nil; pair = pair.Next() {
			if global != nil {
				if _, shadowed := global.Get(pair.Key); shadowed {
					continue
				}
			}
			out = append(out, pair.Value.Clone())
		}
	}
	return out
}

// Delete removes the tenant's own agent. Global agents are never removed
// through a tenant call.
func (r *Registry) Delete(ctx context.Context, tenantID, key string) error {
	tenantID, key = normaliseTenant(tenantID), normaliseKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.lookupLocked(tenantID, key)
	if !ok {
		return domain.NewDomainError("Registry.Delete", domain.ErrAgentNotFound, tenantID+"/"+key)
	}
	if cfg.Kind == domain.KindSystem && r.sealed {
		return domain.NewDomainError("Registry.Delete", domain.ErrImmutableAgent, key)
	}
	if r.store != nil && cfg.Kind != domain.KindSystem {
		if err := r.store.Delete(ctx, tenantID, key); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete persisted agent: %w", err)
		}
	}
	r.tenants[tenantID].Delete(key)
	r.logger.Debug("agent deleted", "tenant", tenantID, "agent", key)
	return nil
}

// Summary renders one "- name → description" line per visible agent.
func (r *Registry) Summary(tenantID string) string {
	agents := r.List(tenantID)
	if len(agents) == 0 {
		return "- (No agents registered)"
	}
	lines := make([]string, len(agents))
	for i, a := range agents {
		desc := a.Description
		if desc == "" {
			desc = noDescriptionAvailable
		}
		lines[i] = fmt.Sprintf("- %s → %s", a.DisplayName(), desc)
	}
	return strings.Join(lines, "\n")
}

func (r *Registry) lookupLocked(tenantID, key string) (domain.AgentConfig, bool) {
	m, ok := r.tenants[tenantID]
	if !ok {
		return domain.AgentConfig{}, false
	}
	return m.Get(key)
}

func (r *Registry) tenantLocked(tenantID string) *agentMap {
	m, ok := r.tenants[tenantID]
	if !ok {
		m = orderedmap.New[string, domain.AgentConfig]()
		r.tenants[tenantID] = m
	}
	return m
}

func mapLen(m *agentMap) int {
	if m == nil {
		return 0
	}
	return m.Len()
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func normaliseKey(key string) string { return strings.TrimSpace(key) }

func normaliseTenant(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.GlobalTenantID
	}
	return tenantID
}
