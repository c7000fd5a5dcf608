// Package answer implements retrieval-augmented question answering over the
// imaging index: embed the question, retrieve the closest chunks, assemble a
// grounded prompt and generate a reply, either whole or as a token stream.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/mwiater/imagingrag/internal/providers"
	"github.com/mwiater/imagingrag/internal/rag"
	"github.com/mwiater/imagingrag/internal/retry"
	"github.com/mwiater/imagingrag/internal/session"
)

// SystemPrompt constrains answers to the retrieved context.
const SystemPrompt = "You are a helpful assistant answering questions about medical imaging and radiology. " +
	"Use only the provided context. If the answer is not in the context, say you don't know."

const (
	defaultTopK         = 4
	defaultHistoryTurns = 6
	answerTemperature   = 0.2
)

// Request is one user question.
type Request struct {
	Message   string
	K         int
	SessionID string
}

// Context is a retrieved chunk cited by an answer.
type Context struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Answer is a completed reply.
type Answer struct {
	Answer   string    `json:"answer"`
	Contexts []Context `json:"contexts"`
	Model    string    `json:"model"`
}

// Answerer wires retrieval to generation. Indexer and Sessions are
// optional; without an Indexer an empty index is reported to the caller.
type Answerer struct {
	Index        *rag.Index
	Indexer      *rag.Indexer
	Embedder     providers.Embedder
	Chat         providers.ChatProvider
	Sessions     session.Store
	Model        string
	TopK         int
	HistoryTurns int
	Retry        retry.Policy
}

type prepared struct {
	req      Request
	contexts []Context
	request  providers.StreamRequest
}

// Ask answers req without streaming.
func (a *Answerer) Ask(ctx context.Context, req Request) (Answer, error) {
	p, err := a.prepare(ctx, req)
	if err != nil {
		return Answer{}, err
	}

	var text string
	var meta providers.StreamMetadata
	err = retry.Do(ctx, a.Retry, "chat", func(ctx context.Context) error {
		var genErr error
		text, meta, genErr = providers.Complete(ctx, a.Chat, p.request)
		return genErr
	})
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}

	ans := Answer{Answer: text, Contexts: p.contexts, Model: a.modelName(meta)}
	a.remember(ctx, req, ans.Answer)
	return ans, nil
}

// prepare runs Embedding, Retrieval and PromptAssembly.
func (a *Answerer) prepare(ctx context.Context, req Request) (*prepared, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, apperr.InvalidInput("answer", "message is empty")
	}
	k := req.K
	if k == 0 {
		k = a.TopK
		if k <= 0 {
			k = defaultTopK
		}
	}
	if k < 0 {
		return nil, apperr.InvalidInput("answer", "k must be positive, got %d", k)
	}

	var query []float64
	err := retry.Do(ctx, a.Retry, "embed query", func(ctx context.Context) error {
		vectors, embedErr := a.Embedder.Embed(ctx, []string{req.Message})
		if embedErr != nil {
			return embedErr
		}
		if len(vectors) != 1 {
			return apperr.New(apperr.KindInternal, "embed query", "expected 1 vector, got %d", len(vectors))
		}
		query = vectors[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := a.retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}

	contexts := make([]Context, len(hits))
	for i, h := range hits {
		contexts[i] = Context{Text: h.Entry.Text, Source: h.Entry.Source, Score: h.Score}
	}

	history, err := a.history(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	messages := append(history, providers.ChatMessage{
		Role:    providers.RoleUser,
		Content: BuildUserMessage(rag.FormatContext(hits), req.Message),
	})

	return &prepared{
		req:      req,
		contexts: contexts,
		request: providers.StreamRequest{
			Model:        a.Model,
			SystemPrompt: SystemPrompt,
			History:      messages,
			Temperature:  providers.Temperature(answerTemperature),
		},
	}, nil
}

// retrieve builds the index once from the default dataset when it is
// empty, then retries the lookup a single time.
func (a *Answerer) retrieve(ctx context.Context, query []float64, k int) ([]rag.ScoredEntry, error) {
	hits, err := a.Index.TopK(query, k)
	if err == nil || !errors.Is(err, apperr.ErrIndexEmpty) || a.Indexer == nil {
		return hits, err
	}
	if _, err := a.Indexer.EnsureBuilt(ctx); err != nil {
		return nil, err
	}
	return a.Index.TopK(query, k)
}

func (a *Answerer) history(ctx context.Context, id string) ([]providers.ChatMessage, error) {
	if a.Sessions == nil || id == "" {
		return nil, nil
	}
	turns, err := a.Sessions.History(ctx, id)
	if err != nil {
		return nil, err
	}
	n := a.HistoryTurns
	if n <= 0 {
		n = defaultHistoryTurns
	}
	messages := make([]providers.ChatMessage, 0, n)
	for _, t := range session.Last(filterTurns(turns), n) {
		messages = append(messages, providers.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return messages, nil
}

func filterTurns(turns []session.Turn) []session.Turn {
	out := make([]session.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == providers.RoleUser || t.Role == providers.RoleAssistant {
			out = append(out, t)
		}
	}
	return out
}

func (a *Answerer) remember(ctx context.Context, req Request, reply string) {
	if a.Sessions == nil || req.SessionID == "" {
		return
	}
	err := a.Sessions.Append(ctx, req.SessionID,
		session.Turn{Role: providers.RoleUser, Content: req.Message},
		session.Turn{Role: providers.RoleAssistant, Content: reply},
	)
	if err != nil {
		logging.LogEvent("[SESSION] append %s failed: %v", req.SessionID, err)
	}
}

func (a *Answerer) modelName(meta providers.StreamMetadata) string {
	if meta.Model != "" {
		return meta.Model
	}
	return a.Model
}

// BuildUserMessage renders the final user turn from formatted context.
func BuildUserMessage(contextText, question string) string {
	return "Context:\n" + contextText + "\n\nQuestion: " + question + "\n"
}
