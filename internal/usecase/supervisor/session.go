package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"basecamp/internal/domain"
)

// SessionState is the conversation memory and routing flags of a session.
// Clarifying and ClarificationPending are always set and cleared together.
type SessionState struct {
	History              []domain.Message `json:"history"`
	Clarifying           bool             `json:"clarifying"`
	ClarificationPending string           `json:"clarification_pending,omitempty"`
	LastAgent            string           `json:"last_agent,omitempty"`
	FollowupExpected     bool             `json:"followup_expected"`
}

func (s SessionState) clone() SessionState {
	s.History = slices.Clone(s.History)
	return s
}

func (s *SessionState) startClarifying(pending string) {
	s.Clarifying = true
	s.ClarificationPending = pending
}

func (s *SessionState) stopClarifying() {
	s.Clarifying = false
	s.ClarificationPending = ""
}

type session struct {
	// sem is a one-slot semaphore serialising turns of the session.
	sem      chan struct{}
	state    SessionState
	lastSeen time.Time
	deleted  bool
}

// SessionStore keeps session state in memory. Sessions idle for longer
// than the TTL are removed by Reap.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessionStore creates a store. ttl <= 0 keeps sessions forever.
func NewSessionStore(ttl time.Duration, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

func sessionKey(tenantID, sessionID string) string {
	return tenantID + "\x00" + sessionID
}

// SessionLease is exclusive access to one session for one turn.
type SessionLease struct {
	State *SessionState

	store *SessionStore
	s     *session
	once  sync.Once
}

// Release ends the lease. It is safe to call more than once.
func (l *SessionLease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		l.s.lastSeen = l.store.now()
		l.store.mu.Unlock()
		<-l.s.sem
	})
}

// Acquire returns the session, creating it on first use, once no other
// turn holds it. It gives up when ctx ends. A session deleted while the
// caller waited is not revived; the turn starts on a fresh one.
func (st *SessionStore) Acquire(ctx context.Context, tenantID, sessionID string) (*SessionLease, error) {
	key := sessionKey(tenantID, sessionID)
	for {
		st.mu.Lock()
		s, ok := st.sessions[key]
		if !ok {
			s = &session{sem: make(chan struct{}, 1)}
			st.sessions[key] = s
		}
		s.lastSeen = st.now()
		st.mu.Unlock()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("session lock: %w", ctx.Err())
		}

		st.mu.Lock()
		if s.deleted {
			st.mu.Unlock()
			<-s.sem
			continue
		}
		// Reaped while we waited; put it back.
		if cur, ok := st.sessions[key]; !ok || cur != s {
			st.sessions[key] = s
		}
		st.mu.Unlock()
		return &SessionLease{State: &s.state, store: st, s: s}, nil
	}
}

// Snapshot returns a copy of a session's state. It waits for an in-flight
// turn of that session to finish.
func (st *SessionStore) Snapshot(ctx context.Context, tenantID, sessionID string) (SessionState, error) {
	st.mu.Lock()
	s, ok := st.sessions[sessionKey(tenantID, sessionID)]
	st.mu.Unlock()
	if !ok {
		return SessionState{}, domain.NewDomainError("SessionStore.Snapshot", domain.ErrSessionNotFound, sessionID)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return SessionState{}, fmt.Errorf("session lock: %w", ctx.Err())
	}
	defer func() { <-s.sem }()
	return s.state.clone(), nil
}

// Delete forgets a session. A turn already holding it finishes on the old
// state, which is then dropped; turns still waiting start afresh.
func (st *SessionStore) Delete(tenantID, sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := sessionKey(tenantID, sessionID)
	s, ok := st.sessions[key]
	if ok {
		s.deleted = true
		delete(st.sessions, key)
	}
	return ok
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Reap removes sessions idle for longer than the TTL and reports how many
// were removed. Sessions with a turn in flight are kept.
func (st *SessionStore) Reap() int {
	if st.ttl <= 0 {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := st.now().Add(-st.ttl)
	removed := 0
	for key, s := range st.sessions {
		if s.lastSeen.After(cutoff) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
			delete(st.sessions, key)
			<-s.sem
			removed++
		default:
		}
	}
	if removed > 0 {
		st.logger.Info("idle sessions reaped", "removed", removed, "remaining", len(st.sessions))
	}
	return removed
}
