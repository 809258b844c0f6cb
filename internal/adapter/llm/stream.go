package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"basecamp/internal/domain"
)

// maxStreamLine bounds one line of a streamed body. Some OpenAI-compatible
// servers send a whole completion as a single event.
const maxStreamLine = 1 << 20

// lineDecoder turns one line of a streamed body into a delta, or nil when
// the line carries nothing.
type lineDecoder func(line []byte) *domain.StreamDelta

// pump feeds decoded deltas to the returned channel until one has Done set,
// ctx ends or the body runs out. A failed read ends the stream with an
// ErrUpstream delta; so does a clean EOF when needDone is set.
func pump(ctx context.Context, body io.ReadCloser, decode lineDecoder, needDone bool) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64<<10), maxStreamLine)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			d := decode(sc.Bytes())
			if d == nil {
				continue
			}
			if !sendDelta(ctx, ch, *d) || d.Done {
				return
			}
		}
		err := sc.Err()
		if err == nil && needDone {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			sendDelta(ctx, ch, streamFailure(fmt.Errorf("%w: %v", domain.ErrUpstream, err)))
		}
	}()
	return ch
}

func streamFailure(err error) domain.StreamDelta {
	return domain.StreamDelta{Done: true, Err: domain.WrapOp("llm.stream", err)}
}

var (
	sseData = []byte("data:")
	sseDone = []byte("[DONE]")
)

// sseLines decodes server-sent events. Only data fields are read; comments,
// other fields and payloads decode rejects are dropped.
func sseLines(decode func(data []byte) (*domain.StreamDelta, error)) lineDecoder {
	return func(line []byte) *domain.StreamDelta {
		data, ok := bytes.CutPrefix(line, sseData)
		if !ok {
			return nil
		}
		data = bytes.TrimSpace(data)
		if bytes.Equal(data, sseDone) {
			return &domain.StreamDelta{Done: true}
		}
		d, err := decode(data)
		if err != nil {
			return nil
		}
		return d
	}
}

// ndjsonLines decodes Ollama's one-object-per-line chat stream. The object
// with done set carries the usage and ends the stream.
func ndjsonLines(line []byte) *domain.StreamDelta {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	var part ollamaChatResponse
	if err := json.Unmarshal(line, &part); err != nil {
		return nil
	}
	if part.Error != "" {
		d := streamFailure(fmt.Errorf("%w: %s", domain.ErrProviderError, part.Error))
		return &d
	}
	d := domain.StreamDelta{Content: part.Message.Content, Done: part.Done}
	if part.Done {
		u := part.usage()
		d.Usage = &u
	}
	return &d
}

func sendDelta(ctx context.Context, ch chan<- domain.StreamDelta, d domain.StreamDelta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
