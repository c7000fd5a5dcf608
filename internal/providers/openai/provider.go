// internal/providers/openai/provider.go
// Package openai provides a ChatProvider and Embedder backed by the OpenAI
// HTTP API or any server exposing the same endpoints.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/mwiater/imagingrag/internal/providers"
)

// Provider implements providers.ChatProvider and providers.Embedder.
type Provider struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	embedModel string
	batchSize  int
	workers    int
	timeout    time.Duration
	debug      bool
}

// New constructs a Provider configured with the application's endpoint,
// key and request timeout.
func New(cfg appconfig.Config) *Provider {
	timeout := cfg.RequestTimeout()
	return &Provider{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:    cfg.BaseURLOrDefault(),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		embedModel: cfg.EmbedModelName(),
		batchSize:  cfg.EmbedBatchSize(),
		workers:    cfg.EmbedWorkers(),
		timeout:    timeout,
		debug:      cfg.Debug,
	}
}

func (p *Provider) Name() string { return appconfig.ProviderOpenAI }

// Close releases any resources held by the provider.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Stream issues a chat completion and forwards output to the callbacks.
func (p *Provider) Stream(ctx context.Context, req providers.StreamRequest, callbacks providers.StreamCallbacks) error {
	const op = "chat completion"

	messages := req.History
	if req.SystemPrompt != "" {
		messages = append([]providers.ChatMessage{{Role: providers.RoleSystem, Content: req.SystemPrompt}}, messages...)
	}
	messages = sanitizeMessages(messages)
	if len(messages) == 0 {
		return apperr.InvalidInput(op, "no messages to send")
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": toOpenAIMessages(messages),
		"stream":   !req.DisableStreaming,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	logging.LogRequest("APP->LLM", p.hostIdentifier(), req.Model, op, body)

	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	p.setHeaders(httpReq)
	if !req.DisableStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		logging.LogRequest("LLM->APP", p.hostIdentifier(), req.Model, op, raw)
		return statusError(op, resp, raw)
	}

	if req.DisableStreaming {
		return p.handleNonStreaming(ctx, resp, req, callbacks)
	}
	return p.handleStreaming(ctx, resp, req, callbacks)
}

func (p *Provider) handleNonStreaming(ctx context.Context, resp *http.Response, req providers.StreamRequest, callbacks providers.StreamCallbacks) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(ctx, "read chat response", err)
	}
	logging.LogRequest("LLM->APP", p.hostIdentifier(), req.Model, "chat completion", body)

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apperr.Wrap(apperr.KindRemoteUnavailable, "decode chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return apperr.New(apperr.KindRemoteUnavailable, "chat completion", "response contained no choices")
	}

	content := parsed.Choices[0].Message.Content
	role := parsed.Choices[0].Message.Role
	if role == "" {
		role = providers.RoleAssistant
	}
	if callbacks.OnChunk != nil && content != "" {
		if err := callbacks.OnChunk(providers.ChatMessage{Role: role, Content: content}); err != nil {
			return err
		}
	}
	if callbacks.OnComplete != nil {
		modelName := parsed.Model
		if modelName == "" {
			modelName = req.Model
		}
		meta := providers.StreamMetadata{
			Model:            modelName,
			CreatedAt:        time.Now(),
			Done:             true,
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
		if err := callbacks.OnComplete(meta); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) handleStreaming(ctx context.Context, resp *http.Response, req providers.StreamRequest, callbacks providers.StreamCallbacks) error {
	reader := bufio.NewReader(resp.Body)
	var finalModel string
	finished := false
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chat stream: %w", err)
		}
		line, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return classifyTransportError(ctx, "read chat stream", readErr)
		}
		done, err := p.handleStreamLine(line, req, callbacks, &finalModel, &finished)
		if err != nil {
			return err
		}
		if done {
			finished = true
			break
		}
		if readErr != nil {
			break
		}
	}
	// A body that closes without [DONE] or a finish_reason was cut off.
	if !finished {
		return apperr.New(apperr.KindRemoteUnavailable, "chat stream", "upstream closed the stream before it finished")
	}

	if callbacks.OnComplete != nil {
		modelName := finalModel
		if modelName == "" {
			modelName = req.Model
		}
		meta := providers.StreamMetadata{
			Model:     modelName,
			CreatedAt: time.Now(),
			Done:      true,
		}
		if err := callbacks.OnComplete(meta); err != nil {
			return err
		}
	}
	return nil
}

// handleStreamLine processes one SSE line. It reports true on [DONE].
func (p *Provider) handleStreamLine(line string, req providers.StreamRequest, callbacks providers.StreamCallbacks, finalModel *string, finished *bool) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return false, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return true, nil
	}
	if p.debug {
		logging.LogRequest("LLM->APP", p.hostIdentifier(), req.Model, "chat stream", data)
	}

	var chunk chatStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return false, apperr.Wrap(apperr.KindRemoteUnavailable, "decode chat stream", err)
	}
	if chunk.Error != nil && chunk.Error.Message != "" {
		return false, apperr.New(apperr.KindRemoteUnavailable, "chat stream", "%s", logging.Redact(chunk.Error.Message))
	}
	if chunk.Model != "" {
		*finalModel = chunk.Model
	}
	if len(chunk.Choices) == 0 {
		return false, nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		*finished = true
	}
	content := choice.Delta.Content
	role := choice.Delta.Role
	if content == "" && choice.Message.Content != "" {
		content = choice.Message.Content
		role = choice.Message.Role
	}
	if role == "" {
		role = providers.RoleAssistant
	}
	if callbacks.OnChunk != nil && content != "" {
		if err := callbacks.OnChunk(providers.ChatMessage{Role: role, Content: content}); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type chatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func sanitizeMessages(messages []providers.ChatMessage) []providers.ChatMessage {
	sanitized := make([]providers.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		content := strings.TrimSpace(msg.Content)
		if role == "" {
			role = providers.RoleUser
		}
		if role != providers.RoleAssistant && content == "" && len(msg.Images) == 0 {
			continue
		}
		sanitized = append(sanitized, providers.ChatMessage{Role: role, Content: content, Images: msg.Images})
	}
	return sanitized
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// toOpenAIMessages renders text-only messages as plain strings and messages
// with images as content-part arrays.
func toOpenAIMessages(messages []providers.ChatMessage) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Images) == 0 {
			out = append(out, openAIMessage{Role: msg.Role, Content: msg.Content})
			continue
		}
		parts := make([]contentPart, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: msg.Content})
		}
		for _, img := range msg.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: DataURI(img)}})
		}
		out = append(out, openAIMessage{Role: msg.Role, Content: parts})
	}
	return out
}

// DataURI encodes an image as data:<mime>;base64,<payload>.
func DataURI(img providers.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// hostIdentifier returns the API host for logs.
func (p *Provider) hostIdentifier() string {
	if u, err := url.Parse(p.baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	if p.baseURL != "" {
		return p.baseURL
	}
	return "openai"
}

// statusError converts a non-200 response into a classified error carrying
// the remote message, never the request credentials.
func statusError(op string, resp *http.Response, raw []byte) error {
	kind := apperr.FromStatus(resp.StatusCode)
	msg := remoteMessage(raw)
	hint := ""
	if kind == apperr.KindRemoteRejected && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) {
		hint = " (check the API key and model name)"
	}
	return apperr.New(kind, op, "%s: %s%s", resp.Status, msg, hint)
}

func remoteMessage(raw []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Error) > 0 {
		var detailed struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &detailed); err == nil && detailed.Message != "" {
			return logging.Redact(detailed.Message)
		}
		var plain string
		if err := json.Unmarshal(payload.Error, &plain); err == nil && plain != "" {
			return logging.Redact(plain)
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 300 {
		text = text[:300] + "..."
	}
	if text == "" {
		return "empty response body"
	}
	return logging.Redact(text)
}

// classifyTransportError maps client-side failures to error kinds. A
// cancelled parent context is returned as is.
func classifyTransportError(parent context.Context, op string, err error) error {
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, op, err)
	}
	return apperr.Wrap(apperr.KindRemoteUnavailable, op, err)
}
