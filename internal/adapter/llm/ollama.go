package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
)

// Local models load slowly on first use, so responses get a generous budget.
const (
	ollamaConnTimeout = 5 * time.Second
	ollamaRespTimeout = 5 * time.Minute
	ollamaKeepAlive   = "5m"
)

// OllamaProvider talks to the native Ollama API: /api/chat for completions
// (newline-delimited JSON when streaming), /api/tags for the local model list
// and /api/generate to load a model ahead of traffic.
type OllamaProvider struct {
	name      string
	model     string
	keepAlive string
	api       endpoint
	logger    *slog.Logger
}

// OllamaModel is one locally pulled model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllamaProvider creates an Ollama provider. A base URL ending in /v1 (the
// OpenAI-compatible mount) is accepted and trimmed to the native root.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = ollamaConnTimeout
	}
	if cfg.RespTimeout == 0 {
		cfg.RespTimeout = ollamaRespTimeout
	}
	base := strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1")
	if base == "" {
		base = "http://localhost:11434"
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = ollamaKeepAlive
	}
	return &OllamaProvider{
		name:      cfg.Name,
		model:     cfg.Model,
		keepAlive: keepAlive,
		api:       endpoint{base: base, client: NewHTTPClient(cfg)},
		logger:    logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return p.name }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Options   *ollamaOptions  `json:"options,omitempty"`
}

// ollamaChatResponse is both the complete reply and one streamed line; the
// token counts only appear on the line with done set.
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       time.Time     `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func (r ollamaChatResponse) usage() domain.Usage {
	return domain.Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

func (p *OllamaProvider) chatRequest(req domain.ChatRequest, stream bool) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := ollamaChatRequest{
		Model:     model,
		Messages:  make([]ollamaMessage, 0, len(req.Messages)),
		Stream:    stream,
		KeepAlive: p.keepAlive,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		out.Options = &ollamaOptions{NumPredict: req.MaxTokens}
		if req.Temperature > 0 {
			t := req.Temperature
			out.Options.Temperature = &t
		}
	}
	return out
}

// Chat implements domain.LLMProvider.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (result *domain.ChatResponse, err error) {
	body := p.chatRequest(req, false)
	ctx, span := startChatSpan(ctx, p.name, body.Model)
	defer func() { finishChat(span, p.logger, p.name, result, err) }()

	var resp ollamaChatResponse
	if err := p.api.call(ctx, http.MethodPost, "/api/chat", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderError, resp.Error)
	}
	return &domain.ChatResponse{
		Model: resp.Model,
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Message.Content,
			Timestamp: resp.CreatedAt,
		},
		Usage:     resp.usage(),
		CreatedAt: resp.CreatedAt,
	}, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body, err := p.api.stream(ctx, "/api/chat", p.chatRequest(req, true), "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return pump(ctx, body, ndjsonLines, true), nil
}

// ListModels returns the models pulled on the Ollama host.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]OllamaModel, error) {
	var tags struct {
		Models []OllamaModel `json:"models"`
	}
	if err := p.api.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	return tags.Models, nil
}

// hasModel reports whether name is pulled. A name without a tag matches
// any tag of that model.
func hasModel(models []OllamaModel, name string) bool {
	for _, m := range models {
		if m.Name == name {
			return true
		}
		if !strings.Contains(name, ":") && strings.HasPrefix(m.Name, name+":") {
			return true
		}
	}
	return false
}

// Warmup checks that the configured model is pulled and loads it into
// memory so the first turn does not wait for it.
func (p *OllamaProvider) Warmup(ctx context.Context) error {
	models, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("ollama at %s: %w", p.api.base, err)
	}
	if !hasModel(models, p.model) {
		return domain.NewDomainError("OllamaProvider.Warmup", domain.ErrProviderError,
			fmt.Sprintf("model %q is not pulled on %s", p.model, p.api.base))
	}

	p.logger.Info("loading ollama model", "provider", p.name, "model", p.model)
	load := map[string]string{"model": p.model, "keep_alive": p.keepAlive}
	if err := p.api.call(ctx, http.MethodPost, "/api/generate", load, nil); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	p.logger.Info("ollama model loaded", "provider", p.name, "model", p.model)
	return nil
}
