// Package gemini provides a ChatProvider and Embedder backed by the Google
// Gemini API through the genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/mwiater/imagingrag/internal/providers"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// maxEmbedBatch is the most contents the API accepts in one embed call.
const maxEmbedBatch = 100

// Provider implements providers.ChatProvider and providers.Embedder.
type Provider struct {
	client     *genai.Client
	embedModel string
	batchSize  int
	workers    int
	timeout    time.Duration
	debug      bool
}

// New creates a Gemini client for the configured key.
func New(ctx context.Context, cfg appconfig.Config) (*Provider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout()},
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{
		client:     client,
		embedModel: cfg.EmbedModelName(),
		batchSize:  min(cfg.EmbedBatchSize(), maxEmbedBatch),
		workers:    cfg.EmbedWorkers(),
		timeout:    cfg.RequestTimeout(),
		debug:      cfg.Debug,
	}, nil
}

func (p *Provider) Name() string { return appconfig.ProviderGemini }

func (p *Provider) Close() error { return nil }

// Stream runs a generation and forwards text as it arrives.
func (p *Provider) Stream(ctx context.Context, req providers.StreamRequest, callbacks providers.StreamCallbacks) error {
	const op = "gemini generate"

	contents := toContents(req.History)
	if len(contents) == 0 {
		return apperr.InvalidInput(op, "no messages to send")
	}
	config := generateConfig(req)
	logging.LogRequest("APP->LLM", "gemini", req.Model, op, map[string]any{"contents": len(contents), "stream": !req.DisableStreaming})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	finalModel := req.Model
	emit := func(resp *genai.GenerateContentResponse) error {
		if resp == nil {
			return nil
		}
		if resp.ModelVersion != "" {
			finalModel = resp.ModelVersion
		}
		text := resp.Text()
		if text == "" || callbacks.OnChunk == nil {
			return nil
		}
		return callbacks.OnChunk(providers.ChatMessage{Role: providers.RoleAssistant, Content: text})
	}

	if req.DisableStreaming {
		resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
		if err != nil {
			return classifyError(ctx, op, err)
		}
		if err := emit(resp); err != nil {
			return err
		}
	} else {
		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				return classifyError(ctx, op, err)
			}
			if err := emit(resp); err != nil {
				return err
			}
		}
	}

	if callbacks.OnComplete != nil {
		return callbacks.OnComplete(providers.StreamMetadata{
			Model:     finalModel,
			CreatedAt: time.Now(),
			Done:      true,
		})
	}
	return nil
}

// Embed returns one vector per text in input order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := max(p.batchSize, 1)
	out := make([][]float64, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.workers, 1))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		g.Go(func() error {
			vectors, err := p.embedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed batch %d: %w", start/size, err)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	const op = "gemini embed"
	logging.LogRequest("APP->LLM", "gemini", p.embedModel, op, map[string]any{"inputs": len(texts)})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := p.client.Models.EmbedContent(ctx, p.embedModel, contents, nil)
	if err != nil {
		return nil, classifyError(ctx, op, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, apperr.New(apperr.KindRemoteUnavailable, op, "expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	vectors := make([][]float64, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, apperr.New(apperr.KindRemoteUnavailable, op, "embedding %d missing", i)
		}
		vectors[i] = make([]float64, len(e.Values))
		for j, v := range e.Values {
			vectors[i][j] = float64(v)
		}
	}
	return vectors, nil
}

func generateConfig(req providers.StreamRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	return config
}

// toContents maps chat turns to Gemini contents. Assistant turns become the
// "model" role; system turns are folded into user turns since Gemini takes
// the system prompt separately.
func toContents(messages []providers.ChatMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" && len(msg.Images) == 0 {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if msg.Role == providers.RoleAssistant {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, len(msg.Images)+1)
		for _, img := range msg.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
		}
		if text != "" {
			parts = append(parts, genai.NewPartFromText(text))
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out
}

// classifyError maps SDK errors to error kinds.
func classifyError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, op, err)
	}
	if code, msg, ok := apiErrorDetails(err); ok {
		return apperr.New(apperr.FromStatus(code), op, "%d: %s", code, logging.Redact(msg))
	}
	return apperr.Wrap(apperr.KindRemoteUnavailable, op, err)
}

func apiErrorDetails(err error) (int, string, bool) {
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message, true
	}
	var val genai.APIError
	if errors.As(err, &val) {
		return val.Code, val.Message, true
	}
	return 0, "", false
}
