package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"basecamp/internal/domain"
)

var (
	continuationTerms = []string{"another", "again", "one more", "more", "next"}
	lightContentCues  = []string{"joke", "fun fact", "trivia", "fact", "pun"}
)

// ClarifierOptions tunes a ClarificationGate.
type ClarifierOptions struct {
	// Window is how many recent turns the classifier sees.
	Window      int
	Temperature float64
	CallTimeout time.Duration
	Model       string
}

// ClarificationGate decides whether an input is specific enough to route.
type ClarificationGate struct {
	llm      domain.LLMProvider
	registry *Registry
	opts     ClarifierOptions
	logger   *slog.Logger
}

// NewClarificationGate creates a gate.
func NewClarificationGate(llm domain.LLMProvider, registry *Registry, opts ClarifierOptions, logger *slog.Logger) *ClarificationGate {
	if opts.Window <= 0 {
		opts.Window = 6
	}
	return &ClarificationGate{llm: llm, registry: registry, opts: opts, logger: logger}
}

// IsContinuation reports whether input asks for more of the light content
// the assistant just gave, like "another one" after a joke.
func IsContinuation(input string, history []domain.Message) bool {
	lower := strings.ToLower(input)
	if !containsAny(lower, continuationTerms) {
		return false
	}
	last, ok := domain.LastMessage(history, domain.RoleAssistant)
	if !ok {
		return false
	}
	return containsAny(strings.ToLower(last.Content), lightContentCues)
}

// IsVague asks the classifier whether input is vague. Any classifier
// failure counts as clear.
func (g *ClarificationGate) IsVague(ctx context.Context, input string, history []domain.Message) bool {
	prompt := render(classifierTemplate, map[string]any{
		"history": formatHistory(domain.Tail(history, g.opts.Window)),
		"input":   input,
	})

	ctx, cancel := g.callContext(ctx)
	defer cancel()
	resp, err := g.llm.Chat(ctx, domain.ChatRequest{
		Model:    g.opts.Model,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: prompt}},
	})
	if err != nil {
		g.logger.WarnContext(ctx, "clarity classifier failed, treating input as clear", "error", err)
		return false
	}
	verdict := strings.ToLower(strings.TrimSpace(resp.Message.Content))
	verdict = strings.Trim(verdict, ".!'\"")
	g.logger.DebugContext(ctx, "clarity classified", "verdict", verdict)
	return verdict == "vague"
}

// Clarify writes one clarifying question for input, naming the tenant's
// specialist agents.
func (g *ClarificationGate) Clarify(ctx context.Context, tenantID, input string) (string, error) {
	prompt := render(clarifierTemplate, map[string]any{
		"agent_list": g.registry.Summary(tenantID),
		"input":      input,
	})

	ctx, cancel := g.callContext(ctx)
	defer cancel()
	resp, err := g.llm.Chat(ctx, domain.ChatRequest{
		Model:       g.opts.Model,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: prompt}},
		Temperature: g.opts.Temperature,
	})
	if err != nil {
		return "", domain.WrapOp("ClarificationGate.Clarify", err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (g *ClarificationGate) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.CallTimeout)
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
