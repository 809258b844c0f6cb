package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/panics"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"basecamp/internal/domain"
	"basecamp/internal/infra/metrics"
	"basecamp/internal/infra/tracer"
)

// EvaluationResult is one agent's relevance for one turn.
type EvaluationResult struct {
	AgentKey string
	Kind     domain.AgentKind
	Chain    Chain
	Score    float64
	Context  string
	// Failed is set when a collaborator call failed and the score or
	// context is a degraded default.
	Failed bool
	Err    error
}

// ScoreParser extracts a relevance score in [0,1] from a self-rating reply.
type ScoreParser interface {
	Parse(reply string) (float64, bool)
}

// PercentParser reads the first standalone integer from 1 to 99 and
// divides it by 100.
type PercentParser struct{}

var percentPattern = regexp.MustCompile(`\b\d{1,2}\b`)

// Parse implements ScoreParser.
func (PercentParser) Parse(reply string) (float64, bool) {
	for _, m := range percentPattern.FindAllString(reply, -1) {
		n, err := strconv.Atoi(m)
		if err == nil && n >= 1 && n <= 99 {
			return float64(n) / 100, true
		}
	}
	return 0, false
}

// EvaluatorOptions tunes an Evaluator.
type EvaluatorOptions struct {
	// TopK passages are compared against the input for retrieval agents.
	TopK int
	// CallTimeout bounds every collaborator call; zero means no bound.
	CallTimeout time.Duration
	// MaxConcurrent bounds evaluations in flight; zero starts every
	// evaluation of a round at once.
	MaxConcurrent int
	Parser        ScoreParser
}

// Evaluator scores agents for an input.
type Evaluator struct {
	retriever domain.Retriever
	embedder  domain.EmbeddingProvider
	opts      EvaluatorOptions
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator. retriever and embedder may be nil,
// which scores every retrieval agent 0. m may be nil.
func NewEvaluator(retriever domain.Retriever, embedder domain.EmbeddingProvider, opts EvaluatorOptions, m *metrics.Metrics, logger *slog.Logger) *Evaluator {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.Parser == nil {
		opts.Parser = PercentParser{}
	}
	return &Evaluator{retriever: retriever, embedder: embedder, opts: opts, metrics: m, logger: logger}
}

// EvaluateAll scores every chain concurrently and waits for all of them.
// The result has one entry per chain, in chain order, whatever failed.
func (e *Evaluator) EvaluateAll(ctx context.Context, tenantID, input string, chains []Chain) []EvaluationResult {
	ctx, span := tracer.StartSpan(ctx, "supervisor.evaluate",
		tracer.StringAttr("tenant", tenantID),
		tracer.IntAttr("agents", len(chains)),
	)
	defer span.End()
	start := time.Now()

	limit := e.opts.MaxConcurrent
	if limit <= 0 || limit > len(chains) {
		limit = max(len(chains), 1)
	}
	mapper := iter.Mapper[Chain, EvaluationResult]{MaxGoroutines: limit}
	results := mapper.Map(chains, func(c *Chain) EvaluationResult {
		return e.Evaluate(ctx, tenantID, input, *c)
	})
	for _, r := range results {
		tracer.Event(span, "agent.scored",
			tracer.StringAttr("agent", r.AgentKey),
			tracer.Float64Attr("score", r.Score),
			tracer.BoolAttr("degraded", r.Failed),
		)
	}

	e.metrics.ObserveEvaluationRound(time.Since(start))
	return results
}

// Evaluate scores one chain. It never panics and never returns an error;
// failures degrade to a zero score or a placeholder context.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, input string, chain Chain) (res EvaluationResult) {
	cfg := chain.Agent()
	res = EvaluationResult{AgentKey: cfg.Key, Kind: cfg.Kind, Chain: chain}

	var pc panics.Catcher
	pc.Try(func() {
		if cfg.Kind == domain.KindRetrieval {
			res = e.evaluateRetrieval(ctx, tenantID, input, chain)
		} else {
			res = e.evaluatePrompt(ctx, input, chain)
		}
	})
	if r := pc.Recovered(); r != nil {
		res = EvaluationResult{
			AgentKey: cfg.Key,
			Kind:     cfg.Kind,
			Chain:    chain,
			Context:  contextFailureText,
			Failed:   true,
			Err:      r.AsError(),
		}
	}

	if res.Failed {
		e.logger.Warn("agent evaluation degraded", "tenant", tenantID, "agent", cfg.Key, "error", res.Err)
	}
	e.metrics.RecordEvaluation(cfg.Key, res.Score, res.Failed)
	return res
}

// evaluatePrompt asks the agent to rate itself and, concurrently, for the
// answer that would back a synthesis.
func (e *Evaluator) evaluatePrompt(ctx context.Context, input string, chain Chain) EvaluationResult {
	cfg := chain.Agent()
	res := EvaluationResult{AgentKey: cfg.Key, Kind: cfg.Kind, Chain: chain}

	var (
		wg                conc.WaitGroup
		rating, answer    string
		ratingErr, ansErr error
	)
	wg.Go(func() {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		rating, ratingErr = chain.Invoke(callCtx, input, ModeSelfEval)
	})
	wg.Go(func() {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		answer, ansErr = chain.Invoke(callCtx, input, ModeAnswer)
	})
	if r := wg.WaitAndRecover(); r != nil {
		res.Context = contextFailureText
		res.Failed = true
		res.Err = r.AsError()
		return res
	}

	if ratingErr != nil {
		res.Failed = true
		res.Err = fmt.Errorf("self evaluation: %w", ratingErr)
	} else if score, ok := e.opts.Parser.Parse(rating); ok {
		res.Score = score
	}

	if ansErr != nil {
		res.Context = contextFailureText
		res.Failed = true
		if res.Err == nil {
			res.Err = fmt.Errorf("answer: %w", ansErr)
		}
	} else {
		res.Context = answer
	}
	return res
}

// evaluateRetrieval scores the mean cosine similarity between the input
// and the agent's top passages.
func (e *Evaluator) evaluateRetrieval(ctx context.Context, tenantID, input string, chain Chain) EvaluationResult {
	cfg := chain.Agent()
	res := EvaluationResult{AgentKey: cfg.Key, Kind: cfg.Kind, Chain: chain, Context: NoDocumentsText}
	if e.retriever == nil {
		return res
	}

	callCtx, cancel := e.callContext(ctx)
	passages, err := e.retriever.Retrieve(callCtx, input, retrievalFilter(normaliseTenant(tenantID), cfg), e.opts.TopK)
	cancel()
	if err != nil {
		res.Failed = true
		res.Err = fmt.Errorf("retrieve: %w", err)
		return res
	}
	passages = domain.NonEmptyPassages(passages)
	if len(passages) == 0 {
		return res
	}
	res.Context = formatPassages(passages)

	if e.embedder == nil {
		return res
	}
	query, err := e.embedOne(ctx, input)
	if err != nil {
		res.Failed = true
		res.Err = fmt.Errorf("embed input: %w", err)
		return res
	}

	sims := make([]float64, 0, len(passages))
	var lastErr error
	for _, p := range passages {
		vec, err := e.embedOne(ctx, p.Content)
		if err != nil {
			lastErr = err
			continue
		}
		sims = append(sims, cosine(query, vec))
	}
	if len(sims) == 0 {
		res.Failed = true
		res.Err = fmt.Errorf("embed passages: %w", lastErr)
		return res
	}
	res.Score = clamp01(stat.Mean(sims, nil))
	return res
}

func (e *Evaluator) embedOne(ctx context.Context, text string) ([]float64, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	vecs, err := e.embedder.Embed(callCtx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for 1 text", domain.ErrEmbeddingFailed, len(vecs))
	}
	out := make([]float64, len(vecs[0]))
	for i, f := range vecs[0] {
		out[i] = float64(f)
	}
	return out, nil
}

func (e *Evaluator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.CallTimeout)
}

// cosine returns 0 for mismatched or zero vectors.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
