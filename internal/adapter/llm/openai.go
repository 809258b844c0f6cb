package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OpenAIProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat completions API. Any compatible server
// (vLLM, LM Studio, a gateway) works by pointing base_url at it.
type OpenAIProvider struct {
	name   string
	model  string
	api    endpoint
	logger *slog.Logger
}

func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = openaiBaseURL
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &OpenAIProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		api:    endpoint{base: base, header: header, client: NewHTTPClient(cfg)},
		logger: logger,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	User        string              `json:"user,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	// Usage only arrives on a stream when asked for.
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u completionUsage) usage() domain.Usage {
	return domain.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type completionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage completionUsage `json:"usage"`
}

// completionChunk is one data line of a streamed completion.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *completionUsage `json:"usage"`
}

// completion builds the wire request. The tenant is sent as the end-user id
// so the provider's abuse tooling sees tenants apart.
func (p *OpenAIProvider) completion(ctx context.Context, req domain.ChatRequest, stream bool) completionRequest {
	out := completionRequest{
		Model:     req.Model,
		Messages:  make([]completionMessage, len(req.Messages)),
		MaxTokens: req.MaxTokens,
		User:      domain.TenantIDFromContext(ctx),
		Stream:    stream,
	}
	if out.Model == "" {
		out.Model = p.model
	}
	for i, m := range req.Messages {
		out.Messages[i] = completionMessage{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return out
}

// Chat implements domain.LLMProvider. A reply without choices or one stopped
// by the content filter is a provider error, not an empty answer.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (result *domain.ChatResponse, err error) {
	body := p.completion(ctx, req, false)
	ctx, span := startChatSpan(ctx, p.name, body.Model)
	defer func() { finishChat(span, p.logger, p.name, result, err) }()

	var resp completionResponse
	if err := p.api.call(ctx, http.MethodPost, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", domain.ErrProviderError, p.name)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, fmt.Errorf("%w: %s withheld the reply (content_filter)", domain.ErrProviderError, p.name)
	}

	created := time.Unix(resp.Created, 0)
	role := choice.Message.Role
	if role == "" {
		role = domain.RoleAssistant
	}
	return &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Message: domain.Message{
			Role:      role,
			Content:   choice.Message.Content,
			Name:      choice.Message.Name,
			Timestamp: created,
		},
		Usage:     resp.Usage.usage(),
		CreatedAt: created,
	}, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body, err := p.api.stream(ctx, "/chat/completions", p.completion(ctx, req, true), "text/event-stream")
	if err != nil {
		return nil, err
	}
	return pump(ctx, body, sseLines(decodeChunk), false), nil
}

// decodeChunk maps one data line to a delta. finish_reason does not end the
// stream: the usage chunk follows it and [DONE] closes.
func decodeChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk completionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	var d domain.StreamDelta
	if len(chunk.Choices) > 0 {
		d.Content = chunk.Choices[0].Delta.Content
	}
	if chunk.Usage != nil {
		u := chunk.Usage.usage()
		d.Usage = &u
	}
	if d.Content == "" && d.Usage == nil {
		return nil, nil
	}
	return &d, nil
}
