package ai

import (
	"context"
	"errors"
)

// ErrNoModel is returned when no enabled model can serve a request.
var ErrNoModel = errors.New("ai: no model available")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Chunk is one item read from a provider stream. Every stream ends with exactly
// one terminal chunk (Done on clean completion, Err on failure) and is then closed.
type Chunk struct {
	Text string
	Err  error
	Done bool
}

func (c Chunk) Terminal() bool { return c.Done || c.Err != nil }

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) <-chan Chunk
}

const streamBuffer = 16

// runStream runs produce in a goroutine and converts its result into the terminal chunk.
// send reports false once ctx is done; produce should return promptly after that.
func runStream(ctx context.Context, produce func(send func(string) bool) error) <-chan Chunk {
	out := make(chan Chunk, streamBuffer)
	go func() {
		defer close(out)
		send := func(text string) bool {
			select {
			case out <- Chunk{Text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		terminal := Chunk{Done: true}
		if err := produce(send); err != nil {
			terminal = Chunk{Err: err}
		} else if err := ctx.Err(); err != nil {
			terminal = Chunk{Err: err}
		}
		select {
		case out <- terminal:
		case <-ctx.Done():
			// Best effort: the reader watches ctx too.
			select {
			case out <- terminal:
			default:
			}
		}
	}()
	return out
}

// ChatAsStream adapts a non-streaming provider into a single-chunk stream.
func ChatAsStream(ctx context.Context, p Provider, messages []Message) <-chan Chunk {
	if sp, ok := p.(StreamProvider); ok {
		return sp.StreamChat(ctx, messages)
	}
	return runStream(ctx, func(send func(string) bool) error {
		reply, err := p.Chat(ctx, messages)
		if err != nil {
			return err
		}
		if reply != "" {
			send(reply)
		}
		return nil
	})
}
