// internal/providers/provider.go

// Package providers defines the interfaces for talking to hosted model APIs.
// It provides a common abstraction for streamed chat completion, multimodal
// prompts and batched embeddings, regardless of the vendor behind them.
package providers

import (
	"context"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is an inline image attached to a message.
type Image struct {
	MIMEType string
	Data     []byte
}

// ChatMessage represents a single message in a chat conversation.
// It contains the role of the message sender, the text content and any
// images sent along with it.
type ChatMessage struct {
	Role    string
	Content string
	Images  []Image
}

// StreamMetadata describes a completed generation.
type StreamMetadata struct {
	Model            string
	CreatedAt        time.Time
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// StreamRequest encapsulates everything needed to run one generation.
type StreamRequest struct {
	Model            string
	SystemPrompt     string
	History          []ChatMessage
	Temperature      *float64
	DisableStreaming bool
}

// StreamCallbacks defines the callback functions invoked during a stream.
// OnChunk is called for each piece of content received, and OnComplete is
// called once when the stream is finished. Returning an error from either
// aborts the remote call.
type StreamCallbacks struct {
	OnChunk    func(ChatMessage) error
	OnComplete func(StreamMetadata) error
}

// ChatProvider runs chat and multimodal generations against a hosted API.
type ChatProvider interface {
	// Name identifies the backend in logs.
	Name() string
	// Stream sends the request and forwards output to callbacks as it arrives.
	Stream(ctx context.Context, req StreamRequest, callbacks StreamCallbacks) error
	// Close cleans up any resources used by the provider.
	Close() error
}

// Embedder produces one embedding vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Temperature returns a pointer for StreamRequest.Temperature.
func Temperature(v float64) *float64 { return &v }

// Complete runs a non-streaming generation and returns the full text.
func Complete(ctx context.Context, p ChatProvider, req StreamRequest) (string, StreamMetadata, error) {
	req.DisableStreaming = true
	var b strings.Builder
	var meta StreamMetadata
	err := p.Stream(ctx, req, StreamCallbacks{
		OnChunk: func(msg ChatMessage) error {
			b.WriteString(msg.Content)
			return nil
		},
		OnComplete: func(m StreamMetadata) error {
			meta = m
			return nil
		},
	})
	if err != nil {
		return "", StreamMetadata{}, err
	}
	if meta.Model == "" {
		meta.Model = req.Model
	}
	return b.String(), meta, nil
}
