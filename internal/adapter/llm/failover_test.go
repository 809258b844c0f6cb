package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"basecamp/internal/domain"
)

func TestFailoverChat(t *testing.T) {
	cases := []struct {
		name      string
		primary   domain.LLMProvider
		fallbacks func(t *testing.T) []domain.LLMProvider
		want      string
	}{
		{
			name:    "primary answers",
			primary: replying("hosted", "from hosted"),
			fallbacks: func(t *testing.T) []domain.LLMProvider {
				return []domain.LLMProvider{untouched(t, "local")}
			},
			want: "from hosted",
		},
		{
			name:    "second answers",
			primary: failing("hosted", errors.New("connection refused")),
			fallbacks: func(t *testing.T) []domain.LLMProvider {
				return []domain.LLMProvider{replying("local", "from local")}
			},
			want: "from local",
		},
		{
			name:    "third answers",
			primary: failing("hosted", domain.ErrRateLimit),
			fallbacks: func(t *testing.T) []domain.LLMProvider {
				return []domain.LLMProvider{failing("local", domain.ErrTimeout), replying("backup", "from backup")}
			},
			want: "from backup",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := NewFailoverProvider(tc.primary, tc.fallbacks(t), newTestLogger())
			resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.Message.Content)
			assert.Equal(t, "hosted+failover", fp.Name())
		})
	}
}

func TestFailoverJoinsErrors(t *testing.T) {
	fp := NewFailoverProvider(failing("hosted", domain.ErrRateLimit),
		[]domain.LLMProvider{failing("local", domain.ErrUpstream)}, newTestLogger())
	_, err := fp.Chat(context.Background(), domain.ChatRequest{})

	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.ErrorContains(t, err, "hosted: ")
	assert.ErrorContains(t, err, "local: ")
}

func TestFailoverStopsWhenTurnCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &fakeLLM{name: "hosted", chat: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		cancel()
		return nil, context.Canceled
	}}
	fp := NewFailoverProvider(primary, []domain.LLMProvider{untouched(t, "local")}, newTestLogger())

	_, err := fp.Chat(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailoverStream(t *testing.T) {
	streamer := &fakeStreamLLM{
		fakeLLM: fakeLLM{name: "local"},
		stream: func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
			ch := make(chan domain.StreamDelta, 1)
			ch <- domain.StreamDelta{Content: "streamed", Done: true}
			close(ch)
			return ch, nil
		},
	}

	fp := NewFailoverProvider(replying("plain", "x"), []domain.LLMProvider{streamer}, newTestLogger())
	ch, err := fp.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "streamed", (<-ch).Content, "providers that cannot stream are skipped")

	_, err = NewFailoverProvider(replying("plain", "x"), nil, newTestLogger()).ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, errNoStreaming)
}

func TestFailoverMarksTurnSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ctx, span := tp.Tracer("test").Start(context.Background(), "supervisor.turn")

	fp := NewFailoverProvider(failing("hosted", domain.ErrUpstream),
		[]domain.LLMProvider{failing("local", domain.ErrTimeout), replying("backup", "ok")}, newTestLogger())
	_, err := fp.Chat(ctx, domain.ChatRequest{})
	require.NoError(t, err)
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	events := ended[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "llm.failover", events[0].Name)
	assert.Contains(t, events[0].Attributes, attribute.String("provider", "backup"))
	assert.Contains(t, events[0].Attributes, attribute.Int("attempt", 3))
}
