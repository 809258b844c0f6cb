package supervisor

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"basecamp/internal/domain"
)

// Synthesiser merges the findings of several relevant agents into one answer.
type Synthesiser struct {
	llm   domain.LLMProvider
	model string
}

// NewSynthesiser creates a synthesiser.
func NewSynthesiser(llm domain.LLMProvider, model string) *Synthesiser {
	return &Synthesiser{llm: llm, model: model}
}

// Stream streams one unified answer built from results, highest score first.
func (s *Synthesiser) Stream(ctx context.Context, input string, results []EvaluationResult) (<-chan domain.StreamDelta, error) {
	req := domain.ChatRequest{
		Model:    s.model,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: synthesisPrompt(input, results)}},
		Stream:   true,
	}
	if sp, ok := s.llm.(domain.StreamingLLMProvider); ok {
		return sp.ChatStream(ctx, req)
	}
	resp, err := s.llm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return single(resp.Message.Content), nil
}

func synthesisPrompt(input string, results []EvaluationResult) string {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b EvaluationResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	briefings := make([]string, len(ordered))
	for i, r := range ordered {
		briefings[i] = "Briefing " + strconv.Itoa(i+1) + ":\n" + strings.TrimSpace(r.Context)
	}
	return render(synthesisTemplate, map[string]any{
		"input":     input,
		"briefings": strings.Join(briefings, "\n\n"),
	})
}
