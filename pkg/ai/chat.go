package ai

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one conversation turn sent to a model.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatStreamer produces a completion incrementally. onDelta is called with
// each text fragment in order; an error from onDelta or ctx cancellation
// stops the stream. Stream returns the concatenated text.
type ChatStreamer interface {
	Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error)
}

// StreamerFunc adapts a function to ChatStreamer.
type StreamerFunc func(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error)

func (f StreamerFunc) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error) {
	return f(ctx, req, onDelta)
}

const defaultMaxTokens = 1024

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE calls fn for every complete event in r until EOF or fn fails.
func readSSE(ctx context.Context, r io.Reader, fn func(sseEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var ev sseEvent
	var data []string
	flush := func() error {
		if len(data) == 0 && ev.Event == "" {
			return nil
		}
		ev.Data = strings.Join(data, "\n")
		err := fn(ev)
		ev, data = sseEvent{}, data[:0]
		return err
	}
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return flush()
}

// collector accumulates fragments while forwarding them.
type collector struct {
	b       strings.Builder
	onDelta func(string) error
}

func (c *collector) add(s string) error {
	if s == "" {
		return nil
	}
	c.b.WriteString(s)
	if c.onDelta == nil {
		return nil
	}
	return c.onDelta(s)
}
