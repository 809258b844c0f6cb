package supervisor

import (
	"context"
	"log/slog"
	"strings"

	"basecamp/internal/domain"
)

// Mode selects what a prompt chain is asked to do.
type Mode uint8

const (
	// ModeAnswer answers the user.
	ModeAnswer Mode = iota
	// ModeSelfEval asks the model to rate, from 1 to 99, how well it could
	// answer. The raw reply is returned for a ScoreParser.
	ModeSelfEval
)

// Chain is one agent bound to one tenant and one turn.
type Chain interface {
	Agent() domain.AgentConfig
	// Invoke returns a complete reply.
	Invoke(ctx context.Context, input string, mode Mode) (string, error)
	// Stream yields the answer incrementally. A delta with Err set ends
	// the stream.
	Stream(ctx context.Context, input string) (<-chan domain.StreamDelta, error)
}

// BuilderOptions tunes the chains a ChainBuilder produces.
type BuilderOptions struct {
	HistoryWindow   int
	RetrievalTopK   int
	OrgContextAgent string
	Model           string
}

// ChainBuilder turns registry entries into chains.
type ChainBuilder struct {
	registry  *Registry
	llm       domain.LLMProvider
	retriever domain.Retriever
	opts      BuilderOptions
	logger    *slog.Logger
}

// NewChainBuilder creates a builder. retriever may be nil, in which case
// retrieval chains always find no documents.
func NewChainBuilder(registry *Registry, llm domain.LLMProvider, retriever domain.Retriever, opts BuilderOptions, logger *slog.Logger) *ChainBuilder {
	if opts.HistoryWindow < 0 {
		opts.HistoryWindow = 0
	}
	if opts.RetrievalTopK <= 0 {
		opts.RetrievalTopK = 5
	}
	return &ChainBuilder{registry: registry, llm: llm, retriever: retriever, opts: opts, logger: logger}
}

// BuildRequest names the agent to build and the turn it is built for.
type BuildRequest struct {
	TenantID string
	AgentKey string
	// History is the conversation before the current input.
	History []domain.Message
	// Kind overrides the configured kind when non-zero.
	Kind domain.AgentKind
	// Framing, when set, is prepended as a system message to prompt chain answers.
	Framing string
}

// Build resolves the agent and returns its chain.
func (b *ChainBuilder) Build(req BuildRequest) (Chain, error) {
	cfg, err := b.registry.Get(req.TenantID, req.AgentKey)
	if err != nil {
		return nil, err
	}
	kind := cfg.Kind
	if req.Kind != 0 {
		kind = req.Kind
	}

	base := baseChain{
		cfg:     cfg,
		history: conversational(domain.Tail(req.History, b.opts.HistoryWindow)),
		llm:     b.llm,
		model:   b.opts.Model,
	}
	if cfg.Key == b.opts.OrgContextAgent && b.opts.OrgContextAgent != "" {
		base.fixedPrompt = render(orgContextTemplate, map[string]any{
			"agent_list": b.registry.Summary(req.TenantID),
		})
	}

	switch kind {
	case domain.KindRetrieval:
		return &retrievalChain{
			baseChain: base,
			retriever: b.retriever,
			filter:    retrievalFilter(normaliseTenant(req.TenantID), cfg),
			topK:      b.opts.RetrievalTopK,
			logger:    b.logger,
		}, nil
	case domain.KindPrompt, domain.KindSystem:
		return &promptChain{baseChain: base, framing: req.Framing}, nil
	default:
		return nil, domain.NewSubSystemError("agent", "ChainBuilder.Build", domain.ErrInvalidInput, "unknown kind "+kind.String())
	}
}

// retrievalFilter scopes retrieval to the tenant and the agent. Agents
// without an explicit filter are matched on agent_id.
func retrievalFilter(tenantID string, cfg domain.AgentConfig) domain.RetrievalFilter {
	meta := cfg.RetrievalFilter
	if len(meta) == 0 {
		meta = map[string]string{"agent_id": cfg.Key}
	}
	return domain.RetrievalFilter{TenantID: tenantID, Metadata: meta}
}

// conversational keeps only user and assistant turns.
func conversational(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleUser || m.Role == domain.RoleAssistant {
			out = append(out, domain.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

type baseChain struct {
	cfg         domain.AgentConfig
	history     []domain.Message
	llm         domain.LLMProvider
	model       string
	fixedPrompt string
}

func (c *baseChain) Agent() domain.AgentConfig { return c.cfg }

// systemPrompt renders the agent's template for input, with the agent's
// name available as {agent_name} for the closing turn marker.
func (c *baseChain) systemPrompt(input string) string {
	if c.fixedPrompt != "" {
		return c.fixedPrompt
	}
	if strings.TrimSpace(c.cfg.PromptTemplate) == "" {
		return defaultSystemPrompt
	}
	return render(c.cfg.PromptTemplate, map[string]any{
		"input":      input,
		"agent_name": c.cfg.DisplayName(),
	})
}

func (c *baseChain) messages(system, input string) []domain.Message {
	msgs := make([]domain.Message, 0, len(c.history)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	msgs = append(msgs, c.history...)
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: input})
}

func (c *baseChain) chat(ctx context.Context, msgs []domain.Message) (string, error) {
	resp, err := c.llm.Chat(ctx, domain.ChatRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (c *baseChain) stream(ctx context.Context, msgs []domain.Message) (<-chan domain.StreamDelta, error) {
	req := domain.ChatRequest{Model: c.model, Messages: msgs, Stream: true}
	if sp, ok := c.llm.(domain.StreamingLLMProvider); ok {
		return sp.ChatStream(ctx, req)
	}
	resp, err := c.llm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return single(resp.Message.Content), nil
}

// single returns a closed stream carrying text as one final delta.
func single(text string) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 1)
	ch <- domain.StreamDelta{Content: text, Done: true}
	close(ch)
	return ch
}

// promptChain answers from the agent's instructions alone.
type promptChain struct {
	baseChain
	framing string
}

func (c *promptChain) Invoke(ctx context.Context, input string, mode Mode) (string, error) {
	if mode == ModeSelfEval {
		return c.chat(ctx, []domain.Message{
			{Role: domain.RoleSystem, Content: c.systemPrompt(input)},
			{Role: domain.RoleUser, Content: render(selfEvalTemplate, map[string]any{"input": input})},
		})
	}
	return c.chat(ctx, c.answerMessages(input))
}

func (c *promptChain) Stream(ctx context.Context, input string) (<-chan domain.StreamDelta, error) {
	return c.stream(ctx, c.answerMessages(input))
}

func (c *promptChain) answerMessages(input string) []domain.Message {
	msgs := c.messages(c.systemPrompt(input), input)
	if c.framing == "" {
		return msgs
	}
	return append([]domain.Message{{Role: domain.RoleSystem, Content: c.framing}}, msgs...)
}

// retrievalChain grounds its answer in passages fetched for the input.
// It has no self-evaluation; mode is ignored.
type retrievalChain struct {
	baseChain
	retriever domain.Retriever
	filter    domain.RetrievalFilter
	topK      int
	logger    *slog.Logger
}

func (c *retrievalChain) Invoke(ctx context.Context, input string, _ Mode) (string, error) {
	msgs, ok := c.groundedMessages(ctx, input)
	if !ok {
		return NoDocumentsText, nil
	}
	return c.chat(ctx, msgs)
}

func (c *retrievalChain) Stream(ctx context.Context, input string) (<-chan domain.StreamDelta, error) {
	msgs, ok := c.groundedMessages(ctx, input)
	if !ok {
		return single(NoDocumentsText), nil
	}
	return c.stream(ctx, msgs)
}

// groundedMessages fetches passages and builds the prompt around them.
// It reports false when no passage has content. Retrieval errors count as
// no documents.
func (c *retrievalChain) groundedMessages(ctx context.Context, input string) ([]domain.Message, bool) {
	if c.retriever == nil {
		return nil, false
	}
	passages, err := c.retriever.Retrieve(ctx, input, c.filter, c.topK)
	if err != nil {
		c.logger.WarnContext(ctx, "retrieval failed, answering without documents", "agent", c.cfg.Key, "error", err)
		return nil, false
	}
	passages = domain.NonEmptyPassages(passages)
	if len(passages) == 0 {
		return nil, false
	}
	system := render(documentsTemplate, map[string]any{
		"prompt":    strings.TrimSpace(c.systemPrompt(input)),
		"documents": formatPassages(passages),
	})
	return c.messages(system, input), true
}
