package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"basecamp/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM answers each request through reply. Streams are split on
// spaces; failAfter > 0 makes a stream fail after that many chunks.
type scriptedLLM struct {
	mu        sync.Mutex
	reply     func(req domain.ChatRequest) (string, error)
	failAfter int
	calls     []domain.ChatRequest
}

func (l *scriptedLLM) Name() string { return "scripted" }

func (l *scriptedLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	l.mu.Unlock()
	text, err := l.reply(req)
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: text}}, nil
}

func (l *scriptedLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	l.mu.Unlock()
	text, err := l.reply(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		words := strings.SplitAfter(text, " ")
		for i, w := range words {
			d := domain.StreamDelta{Content: w}
			if l.failAfter > 0 && i == l.failAfter {
				d = domain.StreamDelta{Err: errors.New("connection reset"), Done: true}
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
			if d.Err != nil {
				return
			}
		}
		select {
		case ch <- domain.StreamDelta{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (l *scriptedLLM) requests() []domain.ChatRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ChatRequest, len(l.calls))
	copy(out, l.calls)
	return out
}

// countMatching counts requests whose text contains marker.
func (l *scriptedLLM) countMatching(marker string) int {
	n := 0
	for _, r := range l.requests() {
		if strings.Contains(requestText(r), marker) {
			n++
		}
	}
	return n
}

// requestText joins every message of a request.
func requestText(req domain.ChatRequest) string {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func isClassifier(req domain.ChatRequest) bool {
	return strings.Contains(requestText(req), "Classify the input")
}

func isClarifier(req domain.ChatRequest) bool {
	return strings.Contains(requestText(req), "ask a clarifying question")
}

func isSelfEval(req domain.ChatRequest) bool {
	return strings.Contains(requestText(req), "On a scale from 1 to 99")
}

func isSynthesis(req domain.ChatRequest) bool {
	return strings.Contains(requestText(req), "Briefings, most relevant first")
}

// fakeRetriever returns the passages registered for the agent_id filter.
type fakeRetriever struct {
	mu       sync.Mutex
	passages map[string][]domain.Passage
	err      error
	filters  []domain.RetrievalFilter
}

func (r *fakeRetriever) Retrieve(_ context.Context, _ string, filter domain.RetrievalFilter, k int) ([]domain.Passage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, filter)
	if r.err != nil {
		return nil, r.err
	}
	ps := r.passages[filter.Metadata["agent_id"]]
	if len(ps) > k {
		ps = ps[:k]
	}
	return ps, nil
}

// keywordEmbedder puts texts mentioning "policy" on one axis and
// everything else on the other.
type keywordEmbedder struct {
	err error
}

func (e keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "policy") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (keywordEmbedder) Dimensions() int { return 2 }
func (keywordEmbedder) Name() string    { return "keyword" }

// memAgentStore is an in-memory domain.AgentStore.
type memAgentStore struct {
	mu     sync.Mutex
	agents []domain.AgentConfig
	err    error
}

func (s *memAgentStore) Save(_ context.Context, cfg domain.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for i, a := range s.agents {
		if a.TenantID == cfg.TenantID && a.Key == cfg.Key {
			s.agents[i] = cfg
			return nil
		}
	}
	s.agents = append(s.agents, cfg)
	return nil
}

func (s *memAgentStore) Delete(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.agents {
		if a.TenantID == tenantID && a.Key == key {
			s.agents = append(s.agents[:i], s.agents[i+1:]...)
			return nil
		}
	}
	return domain.ErrAgentNotFound
}

func (s *memAgentStore) List(context.Context) ([]domain.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AgentConfig(nil), s.agents...), nil
}

// memEvalLog collects evaluation records.
type memEvalLog struct {
	mu      sync.Mutex
	records []domain.EvaluationRecord
}

func (l *memEvalLog) Record(_ context.Context, records []domain.EvaluationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
	return nil
}

func (l *memEvalLog) List(_ context.Context, tenantID, sessionID string, _ int) ([]domain.EvaluationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.EvaluationRecord
	for _, r := range l.records {
		if r.TenantID == tenantID && (sessionID == "" || r.SessionID == sessionID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memEvalLog) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

func promptAgent(tenant, key, name string) domain.AgentConfig {
	return domain.AgentConfig{
		TenantID:       tenant,
		Key:            key,
		Name:           name,
		Description:    name + " description",
		PromptTemplate: "You are " + name + ".\n\nUser: {input}\n{agent_name}:",
		Kind:           domain.KindPrompt,
	}
}

func retrievalAgent(tenant, key, name string) domain.AgentConfig {
	cfg := promptAgent(tenant, key, name)
	cfg.Kind = domain.KindRetrieval
	return cfg
}
