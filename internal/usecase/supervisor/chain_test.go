package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecamp/internal/domain"
)

func collect(t *testing.T, ch <-chan domain.StreamDelta) string {
	t.Helper()
	var out string
	for d := range ch {
		require.NoError(t, d.Err)
		out += d.Content
	}
	return out
}

func TestBuildUnknownAgent(t *testing.T) {
	b := NewChainBuilder(NewRegistry(nil, discardLogger()), &scriptedLLM{}, nil, BuilderOptions{}, discardLogger())
	_, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "ghost"})
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestPromptChainAnswer(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), promptAgent("acme", "hr_bot", "HR Bot")))
	llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "You have 25 days.", nil }}
	b := NewChainBuilder(r, llm, nil, BuilderOptions{HistoryWindow: 2, Model: "m1"}, discardLogger())

	history := []domain.Message{
		{Role: domain.RoleUser, Content: "old question"},
		{Role: domain.RoleAssistant, Content: "old answer"},
		{Role: domain.RoleSystem, Content: "internal note"},
		{Role: domain.RoleUser, Content: "recent question"},
	}
	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "hr_bot", History: history, Framing: "FRAMING"})
	require.NoError(t, err)

	got, err := c.Invoke(context.Background(), "how much leave?", ModeAnswer)
	require.NoError(t, err)
	assert.Equal(t, "You have 25 days.", got)

	req := llm.requests()[0]
	assert.Equal(t, "m1", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, domain.Message{Role: domain.RoleSystem, Content: "FRAMING"}, req.Messages[0])
	assert.Equal(t, domain.RoleSystem, req.Messages[1].Role)
	assert.Contains(t, req.Messages[1].Content, "User: how much leave?\nHR Bot:")
	assert.Equal(t, "recent question", req.Messages[2].Content)
	assert.Equal(t, domain.Message{Role: domain.RoleUser, Content: "how much leave?"}, req.Messages[3])
}

func TestPromptChainSelfEval(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), promptAgent("acme", "hr_bot", "HR Bot")))
	llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "64", nil }}
	b := NewChainBuilder(r, llm, nil, BuilderOptions{}, discardLogger())

	c, err := b.Build(BuildRequest{
		TenantID: "acme",
		AgentKey: "hr_bot",
		History:  []domain.Message{{Role: domain.RoleUser, Content: "earlier"}},
		Framing:  "FRAMING",
	})
	require.NoError(t, err)
	got, err := c.Invoke(context.Background(), "leave?", ModeSelfEval)
	require.NoError(t, err)
	assert.Equal(t, "64", got)

	req := llm.requests()[0]
	require.Len(t, req.Messages, 2)
	assert.NotContains(t, requestText(req), "FRAMING")
	assert.NotContains(t, requestText(req), "earlier")
	assert.Contains(t, req.Messages[1].Content, "Question: leave?")
}

func TestPromptChainStream(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), promptAgent("acme", "hr_bot", "HR Bot")))
	llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "one two three", nil }}
	b := NewChainBuilder(r, llm, nil, BuilderOptions{}, discardLogger())
	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "hr_bot"})
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, "one two three", collect(t, ch))
	assert.True(t, llm.requests()[0].Stream)
}

// chatOnlyLLM has no streaming support.
type chatOnlyLLM struct{ text string }

func (chatOnlyLLM) Name() string { return "chat-only" }
func (l chatOnlyLLM) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Message: domain.Message{Content: l.text}}, nil
}

func TestStreamFallsBackToChat(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), promptAgent("acme", "hr_bot", "HR Bot")))
	b := NewChainBuilder(r, chatOnlyLLM{text: "whole answer"}, nil, BuilderOptions{}, discardLogger())
	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "hr_bot"})
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "whole answer", collect(t, ch))
}

func TestRetrievalChainNoDocumentsSkipsModel(t *testing.T) {
	for name, ret := range map[string]*fakeRetriever{
		"empty":  {passages: map[string][]domain.Passage{"kb": {{Source: "x", Content: " "}}}},
		"failed": {err: errors.New("index offline")},
	} {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(nil, discardLogger())
			require.NoError(t, r.Register(context.Background(), retrievalAgent("acme", "kb", "KB")))
			llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "should not be called", nil }}
			b := NewChainBuilder(r, llm, ret, BuilderOptions{}, discardLogger())
			c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "kb"})
			require.NoError(t, err)

			got, err := c.Invoke(context.Background(), "q", ModeAnswer)
			require.NoError(t, err)
			assert.Equal(t, NoDocumentsText, got)

			ch, err := c.Stream(context.Background(), "q")
			require.NoError(t, err)
			assert.Equal(t, NoDocumentsText, collect(t, ch))
			assert.Empty(t, llm.requests())
		})
	}
}

func TestRetrievalChainGroundsAnswer(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	cfg := retrievalAgent("acme", "kb", "KB")
	cfg.RetrievalFilter = map[string]string{"collection": "handbook"}
	require.NoError(t, r.Register(context.Background(), cfg))

	ret := &fakeRetriever{passages: map[string][]domain.Passage{}}
	ret.passages[""] = []domain.Passage{
		{Source: "handbook.pdf", Content: "Leave is 25 days."},
		{Content: "Untitled snippet."},
	}
	llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "25 days.", nil }}
	b := NewChainBuilder(r, llm, ret, BuilderOptions{RetrievalTopK: 7}, discardLogger())
	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "kb"})
	require.NoError(t, err)

	got, err := c.Invoke(context.Background(), "leave?", ModeSelfEval)
	require.NoError(t, err)
	assert.Equal(t, "25 days.", got)

	system := llm.requests()[0].Messages[0].Content
	assert.Contains(t, system, "Do not say you don't have the document")
	assert.Contains(t, system, "[handbook.pdf]\nLeave is 25 days.")
	assert.Contains(t, system, "[Unnamed Document]\nUntitled snippet.")
	assert.Equal(t, domain.RetrievalFilter{TenantID: "acme", Metadata: map[string]string{"collection": "handbook"}}, ret.filters[0])
}

func TestRetrievalChainSearchesRequestTenant(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), retrievalAgent(domain.GlobalTenantID, "support_bot", "Support Bot")))

	ret := &fakeRetriever{passages: map[string][]domain.Passage{
		"support_bot": {{Source: "vpn.md", Content: "Reconnect through the portal."}},
	}}
	llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "Use the portal.", nil }}
	b := NewChainBuilder(r, llm, ret, BuilderOptions{RetrievalTopK: 5}, discardLogger())

	for _, tenant := range []string{"acme", ""} {
		c, err := b.Build(BuildRequest{TenantID: tenant, AgentKey: "support_bot"})
		require.NoError(t, err)
		_, err = c.Invoke(context.Background(), "vpn drops", ModeAnswer)
		require.NoError(t, err)
	}

	require.Len(t, ret.filters, 2)
	assert.Equal(t, "acme", ret.filters[0].TenantID, "global agents search the caller's partition")
	assert.Equal(t, map[string]string{"agent_id": "support_bot"}, ret.filters[0].Metadata)
	assert.Equal(t, domain.GlobalTenantID, ret.filters[1].TenantID)
}

func TestOrgContextChainUsesLiveSummary(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, promptAgent(domain.GlobalTenantID, "org", "Org Bot")))
	require.NoError(t, r.Register(ctx, promptAgent("acme", "sales_bot", "Sales Bot")))

	llm := &scriptedLLM{reply: func(domain.ChatRequest) (string, error) { return "ok", nil }}
	b := NewChainBuilder(r, llm, nil, BuilderOptions{OrgContextAgent: "org"}, discardLogger())
	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "org"})
	require.NoError(t, err)
	_, err = c.Invoke(ctx, "what agents exist?", ModeAnswer)
	require.NoError(t, err)

	system := llm.requests()[0].Messages[0].Content
	assert.Contains(t, system, "Organisation Context Bot")
	assert.Contains(t, system, "- Sales Bot → Sales Bot description")
	assert.NotContains(t, system, "You are Org Bot.")
}

func TestBuildKindOverride(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	require.NoError(t, r.Register(context.Background(), promptAgent("acme", "hr_bot", "HR Bot")))
	b := NewChainBuilder(r, &scriptedLLM{}, nil, BuilderOptions{}, discardLogger())

	c, err := b.Build(BuildRequest{TenantID: "acme", AgentKey: "hr_bot", Kind: domain.KindRetrieval})
	require.NoError(t, err)
	assert.IsType(t, &retrievalChain{}, c)

	_, err = b.Build(BuildRequest{TenantID: "acme", AgentKey: "hr_bot", Kind: domain.AgentKind(42)})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSystemPromptRendering(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"Hi {agent_name}. User: {input}", "Hi HR Bot. User: leave?"},
		{"Literal {braces} and {input}", "Literal {braces} and leave?"},
		{"Unbalanced { brace {input}", "Unbalanced { brace leave?"},
		{"", defaultSystemPrompt},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			c := baseChain{cfg: domain.AgentConfig{Key: "hr_bot", Name: "HR Bot", PromptTemplate: tt.tmpl}}
			assert.Equal(t, tt.want, c.systemPrompt("leave?"))
		})
	}
}
