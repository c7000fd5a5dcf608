package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/providers"
	"github.com/mwiater/imagingrag/internal/retry"
)

// EventType tags stream events.
type EventType string

const (
	EventToken EventType = "token"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is one item of an answer stream. Err carries the typed failure of
// an error event for in-process consumers.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	Answer   string    `json:"answer,omitempty"`
	Contexts []Context `json:"contexts,omitempty"`
	Model    string    `json:"model,omitempty"`
	Error    string    `json:"error,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Err      error     `json:"-"`
}

// startedError marks a failure after output was delivered. It hides the
// cause from retry classification.
type startedError struct{ err error }

func (e *startedError) Error() string { return e.err.Error() }

// Stream answers req as a sequence of token events followed by exactly one
// end or error event, after which the channel is closed. Cancelling ctx
// aborts the remote call and stops token delivery.
func (a *Answerer) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		ans, err := a.stream(ctx, req, ch)
		if err != nil {
			finish(ctx, ch, errorEvent(err))
			return
		}
		finish(ctx, ch, Event{Type: EventEnd, Answer: ans.Answer, Contexts: ans.Contexts, Model: ans.Model})
	}()
	return ch
}

func (a *Answerer) stream(ctx context.Context, req Request, ch chan<- Event) (Answer, error) {
	p, err := a.prepare(ctx, req)
	if err != nil {
		return Answer{}, err
	}

	var b strings.Builder
	var meta providers.StreamMetadata
	err = retry.Do(ctx, a.Retry, "chat stream", func(ctx context.Context) error {
		streamErr := a.Chat.Stream(ctx, p.request, providers.StreamCallbacks{
			OnChunk: func(msg providers.ChatMessage) error {
				if msg.Content == "" {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ch <- Event{Type: EventToken, Content: msg.Content}:
				}
				b.WriteString(msg.Content)
				return nil
			},
			OnComplete: func(m providers.StreamMetadata) error {
				meta = m
				return nil
			},
		})
		if streamErr != nil && b.Len() > 0 {
			return &startedError{err: streamErr}
		}
		return streamErr
	})
	var started *startedError
	if errors.As(err, &started) {
		err = started.err
	}
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}

	ans := Answer{Answer: b.String(), Contexts: p.contexts, Model: a.modelName(meta)}
	a.remember(ctx, req, ans.Answer)
	return ans, nil
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Error: err.Error(), Kind: string(apperr.KindOf(err)), Err: err}
}

// finish delivers the terminal event. A consumer that already cancelled
// only gets it if it is still receiving.
func finish(ctx context.Context, ch chan<- Event, ev Event) {
	if ctx.Err() != nil {
		select {
		case ch <- ev:
		default:
		}
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
