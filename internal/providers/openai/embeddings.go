package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/logging"
	"golang.org/x/sync/errgroup"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per text in input order. Texts are sent in
// batches of the configured size, several batches in flight at once. A
// failure of any batch fails the call; nothing is retried here.
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
		batch := start / size
		g.Go(func() error {
			vectors, err := p.embedBatch(gctx, ctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed batch %d: %w", batch, err)
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

func (p *Provider) embedBatch(ctx, parent context.Context, texts []string) ([][]float64, error) {
	const op = "embeddings"

	body, err := json.Marshal(embeddingRequest{Model: p.embedModel, Input: texts})
	if err != nil {
		return nil, err
	}
	logging.LogRequest("APP->LLM", p.hostIdentifier(), p.embedModel, op, map[string]any{"inputs": len(texts)})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(parent, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(parent, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.LogRequest("LLM->APP", p.hostIdentifier(), p.embedModel, op, raw)
		return nil, statusError(op, resp, raw)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteUnavailable, "decode embeddings", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperr.New(apperr.KindRemoteUnavailable, op, "expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}
	vectors := make([][]float64, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) || vectors[d.Index] != nil {
			return nil, apperr.New(apperr.KindRemoteUnavailable, op, "invalid embedding index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
