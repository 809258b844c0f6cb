package supervisor

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"basecamp/internal/domain"
	"basecamp/internal/infra/metrics"
	"basecamp/internal/infra/tracer"
)

// evalContextPreview bounds the context text kept in the evaluation log.
const evalContextPreview = 2000

// Options tunes routing.
type Options struct {
	// Threshold is the minimum score for an agent to be routed to.
	Threshold     float64
	FallbackAgent string
}

// Deps are the collaborators of a Supervisor. EvalLog and Metrics may be nil.
type Deps struct {
	Registry    *Registry
	Builder     *ChainBuilder
	Evaluator   *Evaluator
	Gate        *ClarificationGate
	Synthesiser *Synthesiser
	Sessions    *SessionStore
	EvalLog     domain.EvaluationLog
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Supervisor routes each turn of a conversation to the agents best suited
// to answer it.
type Supervisor struct {
	Deps
	opts Options
	now  func() time.Time
}

// New creates a supervisor.
func New(deps Deps, opts Options) *Supervisor {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.7
	}
	return &Supervisor{Deps: deps, opts: opts, now: time.Now}
}

// TurnRequest is one user message.
type TurnRequest struct {
	TenantID  string
	SessionID string
	Input     string
	Profile   domain.UserProfile
}

// Turn is the response to a TurnRequest. Chunks is closed when the answer
// is complete; the session stays locked until then.
type Turn struct {
	SessionID string
	TurnID    string
	Route     domain.Route
	// Agent is the agent key that answered, or "multi_summary" for a
	// synthesised answer. Empty for clarifications and errors.
	Agent  string
	Chunks <-chan string
}

// Text drains the turn and returns the whole answer.
func (t *Turn) Text() string {
	var sb strings.Builder
	for c := range t.Chunks {
		sb.WriteString(c)
	}
	return sb.String()
}

// decision is where a turn goes after routing.
type decision struct {
	route   domain.Route
	agent   string
	score   float64
	results []EvaluationResult
	chain   Chain
}

// HandleTurn runs one turn. Routing happens before it returns; the answer
// streams through the returned Turn. Only a blank input or a context that
// ends while waiting for the session produce an error: every other failure
// reaches the caller as text.
func (s *Supervisor) HandleTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.HandleTurn", domain.ErrInvalidInput, "empty input")
	}
	tenantID := normaliseTenant(req.TenantID)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	ctx = domain.ContextWithSessionID(domain.ContextWithTenantID(ctx, tenantID), sessionID)

	ctx, span := tracer.StartSpan(ctx, "supervisor.turn",
		tracer.StringAttr("tenant", tenantID),
		tracer.StringAttr("session", sessionID),
	)

	lease, err := s.Sessions.Acquire(ctx, tenantID, sessionID)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}
	s.Metrics.SetActiveSessions(s.Sessions.Len())

	turn := &Turn{SessionID: sessionID, TurnID: uuid.NewString()}
	log := s.Logger.With("tenant", tenantID, "session", sessionID, "turn", turn.TurnID)
	log.Debug("turn received", "input_len", len(input))

	state := lease.State
	prior := slices.Clone(state.History)
	state.History = append(state.History, s.message(domain.RoleUser, input))

	effective := input
	if state.Clarifying {
		effective = strings.TrimSpace(state.ClarificationPending + " " + input)
		state.stopClarifying()
	} else if !state.FollowupExpected && !IsContinuation(input, prior) && s.Gate.IsVague(ctx, input, prior) {
		question, err := s.Gate.Clarify(ctx, tenantID, input)
		if err == nil && question != "" {
			state.startClarifying(input)
			state.History = append(state.History, s.message(domain.RoleAssistant, question))
			log.Debug("clarification requested")
			s.Metrics.RecordClarification()
			return s.finishNow(turn, lease, span, domain.RouteClarify, question), nil
		}
		log.Warn("clarifier failed, routing the input as is", "error", err)
	}
	state.FollowupExpected = false

	d, err := s.route(ctx, log, tenantID, req.Profile, effective, prior)
	if err != nil {
		log.Error("routing could not start", "error", err)
		tracer.RecordError(span, err)
		return s.finishNow(turn, lease, span, domain.RouteError, RoutingErrorText), nil
	}
	s.record(ctx, log, turn.TurnID, tenantID, sessionID, effective, d)

	turn.Route = d.route
	turn.Agent = d.agent
	span.SetAttributes(
		tracer.StringAttr("route", string(d.route)),
		tracer.StringAttr("agent", d.agent),
		tracer.Float64Attr("score", d.score),
	)
	s.Metrics.RecordTurn(string(d.route))

	out := make(chan string)
	turn.Chunks = out
	go s.respond(ctx, log, lease, span, d, effective, out)
	return turn, nil
}

// route builds and evaluates the tenant's agents and picks the answer path.
func (s *Supervisor) route(ctx context.Context, log *slog.Logger, tenantID string, profile domain.UserProfile, input string, history []domain.Message) (decision, error) {
	agents := s.Registry.List(tenantID)
	if len(agents) == 0 {
		return decision{}, domain.NewDomainError("Supervisor.route", domain.ErrNoAgents, tenantID)
	}
	if !s.Registry.Has(tenantID, s.opts.FallbackAgent) {
		return decision{}, domain.NewDomainError("Supervisor.route", domain.ErrFallbackMissing, s.opts.FallbackAgent)
	}

	framing := framingPrompt(profile, s.Registry.Summary(tenantID))
	var (
		fallback Chain
		chains   = make([]Chain, 0, len(agents))
	)
	for _, a := range agents {
		c, err := s.Builder.Build(BuildRequest{
			TenantID: tenantID,
			AgentKey: a.Key,
			History:  history,
			Framing:  framing,
		})
		if err != nil {
			return decision{}, err
		}
		if a.Key == s.opts.FallbackAgent {
			fallback = c
			continue
		}
		chains = append(chains, c)
	}
	log.Info("agents available", "count", len(agents))

	results := s.Evaluator.EvaluateAll(ctx, tenantID, input, chains)
	var selected []EvaluationResult
	for _, r := range results {
		log.Debug("agent evaluated", "agent", r.AgentKey, "score", r.Score, "failed", r.Failed)
		if r.Score >= s.opts.Threshold {
			selected = append(selected, r)
		}
	}

	d := decision{results: results}
	switch len(selected) {
	case 0:
		d.route, d.agent, d.chain = domain.RouteFallback, s.opts.FallbackAgent, fallback
	case 1:
		d.route, d.agent, d.chain, d.score = domain.RouteSingle, selected[0].AgentKey, selected[0].Chain, selected[0].Score
	default:
		d.route, d.agent = domain.RouteMulti, multiAgentSentinel
		for _, r := range selected {
			d.score = max(d.score, r.Score)
		}
	}
	log.Info("routing decided", "route", d.route, "agent", d.agent, "score", d.score, "candidates", len(selected))
	return d, nil
}

// selected returns the results that cleared the threshold.
func (s *Supervisor) selected(results []EvaluationResult) []EvaluationResult {
	out := make([]EvaluationResult, 0, len(results))
	for _, r := range results {
		if r.Score >= s.opts.Threshold {
			out = append(out, r)
		}
	}
	return out
}

// respond streams the chosen answer to out and updates the session once
// the stream ends.
func (s *Supervisor) respond(ctx context.Context, log *slog.Logger, lease *SessionLease, span trace.Span, d decision, input string, out chan<- string) {
	defer close(out)
	defer span.End()
	defer lease.Release()

	var deltas <-chan domain.StreamDelta
	var err error
	if d.route == domain.RouteMulti {
		deltas, err = s.Synthesiser.Stream(ctx, input, s.selected(d.results))
	} else {
		deltas, err = d.chain.Stream(ctx, input)
	}

	var answer strings.Builder
	if err == nil {
		err = s.forward(ctx, deltas, out, &answer)
	}

	switch {
	case ctx.Err() != nil:
		// Providers may end a cancelled stream without an error delta.
		log.Info("turn abandoned by caller", "route", d.route)
		tracer.RecordError(span, ctx.Err())
	case err == nil:
		state := lease.State
		state.History = append(state.History, s.message(domain.RoleAssistant, answer.String()))
		state.LastAgent = d.agent
		state.FollowupExpected = d.route == domain.RouteFallback
		tracer.SetOK(span)
	default:
		log.Error("response stream failed", "route", d.route, "agent", d.agent, "error", err)
		tracer.RecordError(span, err)
		send(ctx, out, streamErrorPrefix+err.Error())
	}
}

// forward copies deltas to out until the stream ends, fails, or ctx ends.
func (s *Supervisor) forward(ctx context.Context, deltas <-chan domain.StreamDelta, out chan<- string, answer *strings.Builder) error {
	for {
		select {
		case <-ctx.Done():
			go drain(deltas)
			return ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return nil
			}
			if d.Err != nil {
				go drain(deltas)
				return d.Err
			}
			if d.Content != "" {
				answer.WriteString(d.Content)
				if !send(ctx, out, d.Content) {
					go drain(deltas)
					return ctx.Err()
				}
			}
			if d.Done {
				go drain(deltas)
				return nil
			}
		}
	}
}

func send(ctx context.Context, out chan<- string, chunk string) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan domain.StreamDelta) {
	for range ch {
	}
}

// finishNow completes a turn whose whole answer is text.
func (s *Supervisor) finishNow(turn *Turn, lease *SessionLease, span trace.Span, route domain.Route, text string) *Turn {
	lease.Release()
	s.Metrics.RecordTurn(string(route))
	span.SetAttributes(tracer.StringAttr("route", string(route)))
	span.End()

	ch := make(chan string, 1)
	ch <- text
	close(ch)
	turn.Route = route
	turn.Chunks = ch
	return turn
}

// record writes one evaluation log row per evaluated agent. Failures are
// logged and never affect the turn.
func (s *Supervisor) record(ctx context.Context, log *slog.Logger, turnID, tenantID, sessionID, input string, d decision) {
	if s.EvalLog == nil || len(d.results) == 0 {
		return
	}
	now := s.now().UTC()
	records := make([]domain.EvaluationRecord, len(d.results))
	for i, r := range d.results {
		records[i] = domain.EvaluationRecord{
			TurnID:    turnID,
			TenantID:  tenantID,
			SessionID: sessionID,
			Input:     input,
			AgentKey:  r.AgentKey,
			Kind:      r.Kind,
			Score:     r.Score,
			Context:   preview(r.Context, evalContextPreview),
			Failed:    r.Failed,
			Route:     d.route,
			Selected:  isSelected(d, r, s.opts.Threshold),
			CreatedAt: now,
		}
	}
	if err := s.EvalLog.Record(ctx, records); err != nil {
		log.Warn("evaluation log write failed", "error", err)
	}
}

func isSelected(d decision, r EvaluationResult, threshold float64) bool {
	switch d.route {
	case domain.RouteSingle:
		return r.AgentKey == d.agent
	case domain.RouteMulti:
		return r.Score >= threshold
	default:
		return false
	}
}

func (s *Supervisor) message(role, content string) domain.Message {
	return domain.Message{Role: role, Content: content, Timestamp: s.now()}
}

// preview cuts s to at most n runes.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
