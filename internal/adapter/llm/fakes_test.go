package llm

import (
	"context"
	"io"
	"log/slog"

	"basecamp/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLLM answers Chat with whatever chat returns.
type fakeLLM struct {
	name string
	chat func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return f.chat(ctx, req)
}

type fakeStreamLLM struct {
	fakeLLM
	stream func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error)
}

func (f *fakeStreamLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return f.stream(ctx, req)
}

func replying(name, content string) *fakeLLM {
	return &fakeLLM{name: name, chat: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: content}}, nil
	}}
}

func failing(name string, err error) *fakeLLM {
	return &fakeLLM{name: name, chat: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, err
	}}
}

// untouched fails the test if it is ever called.
func untouched(t interface{ Error(...any) }, name string) *fakeLLM {
	return &fakeLLM{name: name, chat: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		t.Error(name + " should not be called")
		return nil, nil
	}}
}
