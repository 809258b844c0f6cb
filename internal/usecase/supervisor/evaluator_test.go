package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecamp/internal/domain"
)

func TestPercentParser(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
		ok    bool
	}{
		{"82", 0.82, true},
		{"I'd say 75.", 0.75, true},
		{"Confidence: 0 then 45", 0.45, true},
		{"100", 0, false},
		{"score 7 out of 10", 0.07, true},
		{"no idea", 0, false},
		{"", 0, false},
		{"99", 0.99, true},
		{"123 then 64", 0.64, true},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			got, ok := PercentParser{}.Parse(tt.reply)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCosineAndClamp(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 3}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosine([]float64{0, 0}, []float64{1, 2}))

	assert.Equal(t, 0.0, clamp01(-0.4))
	assert.Equal(t, 1.0, clamp01(1.2))
	assert.Equal(t, 0.5, clamp01(0.5))
}

type evalFixture struct {
	registry  *Registry
	builder   *ChainBuilder
	llm       *scriptedLLM
	retriever *fakeRetriever
}

func newEvalFixture(t *testing.T, reply func(domain.ChatRequest) (string, error)) *evalFixture {
	t.Helper()
	r := NewRegistry(nil, discardLogger())
	llm := &scriptedLLM{reply: reply}
	ret := &fakeRetriever{passages: map[string][]domain.Passage{}}
	b := NewChainBuilder(r, llm, ret, BuilderOptions{HistoryWindow: 5}, discardLogger())
	return &evalFixture{registry: r, builder: b, llm: llm, retriever: ret}
}

func (f *evalFixture) chain(t *testing.T, cfg domain.AgentConfig) Chain {
	t.Helper()
	require.NoError(t, f.registry.Register(context.Background(), cfg))
	c, err := f.builder.Build(BuildRequest{TenantID: cfg.TenantID, AgentKey: cfg.Key})
	require.NoError(t, err)
	return c
}

func TestEvaluatePromptAgent(t *testing.T) {
	f := newEvalFixture(t, func(req domain.ChatRequest) (string, error) {
		if isSelfEval(req) {
			return "82", nil
		}
		return "Here is how to reset your VPN.", nil
	})
	c := f.chain(t, promptAgent("acme", "it_bot", "IT Bot"))

	e := NewEvaluator(nil, nil, EvaluatorOptions{}, nil, discardLogger())
	res := e.Evaluate(context.Background(), "acme", "vpn broken", c)

	assert.Equal(t, "it_bot", res.AgentKey)
	assert.InDelta(t, 0.82, res.Score, 1e-9)
	assert.Equal(t, "Here is how to reset your VPN.", res.Context)
	assert.False(t, res.Failed)
}

func TestEvaluatePromptAgentAnswerFailureKeepsScore(t *testing.T) {
	f := newEvalFixture(t, func(req domain.ChatRequest) (string, error) {
		if isSelfEval(req) {
			return "I am 90 percent sure", nil
		}
		return "", errors.New("model overloaded")
	})
	c := f.chain(t, promptAgent("acme", "it_bot", "IT Bot"))

	res := NewEvaluator(nil, nil, EvaluatorOptions{}, nil, discardLogger()).
		Evaluate(context.Background(), "acme", "vpn", c)
	assert.InDelta(t, 0.90, res.Score, 1e-9)
	assert.Equal(t, contextFailureText, res.Context)
	assert.True(t, res.Failed)
}

func TestEvaluatePromptAgentSelfEvalFailure(t *testing.T) {
	f := newEvalFixture(t, func(req domain.ChatRequest) (string, error) {
		if isSelfEval(req) {
			return "", errors.New("timeout")
		}
		return "answer", nil
	})
	c := f.chain(t, promptAgent("acme", "it_bot", "IT Bot"))

	res := NewEvaluator(nil, nil, EvaluatorOptions{}, nil, discardLogger()).
		Evaluate(context.Background(), "acme", "vpn", c)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, "answer", res.Context)
	assert.True(t, res.Failed)
}

func TestEvaluateRetrievalAgentMeanCosine(t *testing.T) {
	f := newEvalFixture(t, func(domain.ChatRequest) (string, error) { return "", nil })
	f.retriever.passages["compliance_bot"] = []domain.Passage{
		{Source: "policy.pdf", Content: "The travel policy requires approval."},
		{Source: "faq.md", Content: "Lunch is at noon."},
		{Source: "blank.md", Content: "   "},
	}
	c := f.chain(t, retrievalAgent(domain.GlobalTenantID, "compliance_bot", "Compliance Bot"))

	e := NewEvaluator(f.retriever, keywordEmbedder{}, EvaluatorOptions{TopK: 3}, nil, discardLogger())
	res := e.Evaluate(context.Background(), "acme", "what is the policy on travel", c)

	// One aligned passage (1.0) and one orthogonal passage (0.0).
	assert.InDelta(t, 0.5, res.Score, 1e-9)
	assert.Contains(t, res.Context, "[policy.pdf]")
	assert.Contains(t, res.Context, "[faq.md]")
	assert.NotContains(t, res.Context, "blank.md")
	assert.False(t, res.Failed)
	assert.Zero(t, len(f.llm.requests()), "retrieval evaluation never calls the model")

	require.NotEmpty(t, f.retriever.filters)
	assert.Equal(t, "acme", f.retriever.filters[0].TenantID)
	assert.Equal(t, map[string]string{"agent_id": "compliance_bot"}, f.retriever.filters[0].Metadata)
}

func TestEvaluateRetrievalAgentDegrades(t *testing.T) {
	t.Run("no documents", func(t *testing.T) {
		f := newEvalFixture(t, func(domain.ChatRequest) (string, error) { return "", nil })
		c := f.chain(t, retrievalAgent("acme", "kb", "KB"))
		res := NewEvaluator(f.retriever, keywordEmbedder{}, EvaluatorOptions{}, nil, discardLogger()).
			Evaluate(context.Background(), "acme", "anything", c)
		assert.Equal(t, 0.0, res.Score)
		assert.Equal(t, NoDocumentsText, res.Context)
		assert.False(t, res.Failed)
	})

	t.Run("retriever error", func(t *testing.T) {
		f := newEvalFixture(t, func(domain.ChatRequest) (string, error) { return "", nil })
		f.retriever.err = domain.ErrRetrievalFailed
		c := f.chain(t, retrievalAgent("acme", "kb", "KB"))
		res := NewEvaluator(f.retriever, keywordEmbedder{}, EvaluatorOptions{}, nil, discardLogger()).
			Evaluate(context.Background(), "acme", "anything", c)
		assert.Equal(t, 0.0, res.Score)
		assert.Equal(t, NoDocumentsText, res.Context)
		assert.True(t, res.Failed)
		assert.ErrorIs(t, res.Err, domain.ErrRetrievalFailed)
	})

	t.Run("embedding error", func(t *testing.T) {
		f := newEvalFixture(t, func(domain.ChatRequest) (string, error) { return "", nil })
		f.retriever.passages["kb"] = []domain.Passage{{Source: "a", Content: "policy text"}}
		c := f.chain(t, retrievalAgent("acme", "kb", "KB"))
		res := NewEvaluator(f.retriever, keywordEmbedder{err: errors.New("down")}, EvaluatorOptions{}, nil, discardLogger()).
			Evaluate(context.Background(), "acme", "policy", c)
		assert.Equal(t, 0.0, res.Score)
		assert.Contains(t, res.Context, "policy text")
		assert.True(t, res.Failed)
	})
}

// panicChain blows up on every call.
type panicChain struct{ cfg domain.AgentConfig }

func (p panicChain) Agent() domain.AgentConfig { return p.cfg }
func (p panicChain) Invoke(context.Context, string, Mode) (string, error) {
	panic("boom")
}
func (p panicChain) Stream(context.Context, string) (<-chan domain.StreamDelta, error) {
	panic("boom")
}

func TestEvaluateAllReturnsOneResultPerChain(t *testing.T) {
	f := newEvalFixture(t, func(req domain.ChatRequest) (string, error) {
		text := requestText(req)
		switch {
		case isSelfEval(req) && strings.Contains(text, "Broken Bot"):
			return "", errors.New("provider down")
		case isSelfEval(req):
			return "71", nil
		default:
			return "ok", nil
		}
	})
	chains := []Chain{
		f.chain(t, promptAgent("acme", "good", "Good Bot")),
		f.chain(t, promptAgent("acme", "broken", "Broken Bot")),
		panicChain{cfg: promptAgent("acme", "panicky", "Panicky")},
		f.chain(t, retrievalAgent("acme", "kb", "KB")),
	}

	e := NewEvaluator(f.retriever, keywordEmbedder{}, EvaluatorOptions{MaxConcurrent: 2}, nil, discardLogger())
	results := e.EvaluateAll(context.Background(), "acme", "question", chains)

	require.Len(t, results, len(chains))
	assert.Equal(t, []string{"good", "broken", "panicky", "kb"}, []string{
		results[0].AgentKey, results[1].AgentKey, results[2].AgentKey, results[3].AgentKey,
	})
	assert.InDelta(t, 0.71, results[0].Score, 1e-9)
	assert.True(t, results[1].Failed)
	assert.True(t, results[2].Failed)
	assert.Equal(t, contextFailureText, results[2].Context)
	assert.Equal(t, 0.0, results[3].Score)
}

func TestEvaluateAllLaunchesEveryAgentTogether(t *testing.T) {
	const agents = 12
	var started atomic.Int32
	allIn := make(chan struct{})
	f := newEvalFixture(t, func(req domain.ChatRequest) (string, error) {
		if !isSelfEval(req) {
			return "ok", nil
		}
		if started.Add(1) == agents {
			close(allIn)
		}
		select {
		case <-allIn:
			return "60", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("evaluations were batched")
		}
	})
	chains := make([]Chain, agents)
	for i := range chains {
		chains[i] = f.chain(t, promptAgent("acme", fmt.Sprintf("bot_%d", i), fmt.Sprintf("Bot %d", i)))
	}

	results := NewEvaluator(nil, nil, EvaluatorOptions{}, nil, discardLogger()).
		EvaluateAll(context.Background(), "acme", "question", chains)
	require.Len(t, results, agents)
	for _, r := range results {
		assert.InDelta(t, 0.60, r.Score, 1e-9, r.AgentKey)
	}
}

func TestEvaluateCallTimeout(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), promptAgent("acme", "slow", "Slow")))
	b := NewChainBuilder(r, blockingLLM{}, nil, BuilderOptions{}, discardLogger())
	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "slow"})
	require.NoError(t, err)

	e := NewEvaluator(nil, nil, EvaluatorOptions{CallTimeout: 20 * time.Millisecond}, nil, discardLogger())
	start := time.Now()
	res := e.Evaluate(context.Background(), "acme", "q", c)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, contextFailureText, res.Context)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

// blockingLLM waits for its context to end.
type blockingLLM struct{}

func (blockingLLM) Name() string { return "blocking" }
func (blockingLLM) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
