package answer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/providers"
	"github.com/mwiater/imagingrag/internal/rag"
	"github.com/mwiater/imagingrag/internal/retry"
	"github.com/mwiater/imagingrag/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps text onto a tiny vocabulary so retrieval is
// predictable.
type keywordEmbedder struct {
	calls atomic.Int32
}

func (e *keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls.Add(1)
	out := make([][]float64, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		out[i] = []float64{
			float64(strings.Count(lower, "mri")),
			float64(strings.Count(lower, "x-ray")),
			0.1,
		}
	}
	return out, nil
}

// fakeChat replays tokens, optionally failing the first attempts or
// failing after the tokens were sent.
type fakeChat struct {
	mu         sync.Mutex
	tokens     []string
	failFirst  int
	failErr    error
	failAfter  error
	endless    bool
	stopped    chan struct{}
	calls      int
	lastReq    providers.StreamRequest
	stopSignal sync.Once
}

func (f *fakeChat) Name() string { return "fake" }
func (f *fakeChat) Close() error { return nil }

func (f *fakeChat) Stream(ctx context.Context, req providers.StreamRequest, cb providers.StreamCallbacks) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.lastReq = req
	f.mu.Unlock()

	if call <= f.failFirst {
		return f.failErr
	}
	if f.endless {
		for {
			if err := cb.OnChunk(providers.ChatMessage{Role: providers.RoleAssistant, Content: "tok"}); err != nil {
				f.stopSignal.Do(func() { close(f.stopped) })
				return err
			}
		}
	}
	for _, tok := range f.tokens {
		if err := cb.OnChunk(providers.ChatMessage{Role: providers.RoleAssistant, Content: tok}); err != nil {
			return err
		}
	}
	if f.failAfter != nil {
		return f.failAfter
	}
	if cb.OnComplete != nil {
		return cb.OnComplete(providers.StreamMetadata{Model: "fake-model", Done: true})
	}
	return nil
}

func (f *fakeChat) request() providers.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, Base: time.Millisecond, Cap: time.Millisecond}
}

func writeDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample_imaging.jsonl")
	body := `{"text":"MRI uses strong magnetic fields and radio waves."}` + "\n" +
		`{"text":"An X-ray passes ionizing radiation through the body."}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newAnswerer(t *testing.T, chat *fakeChat, withIndexer bool) *Answerer {
	t.Helper()
	emb := &keywordEmbedder{}
	index := rag.NewIndex(nil)
	a := &Answerer{
		Index:    index,
		Embedder: emb,
		Chat:     chat,
		Model:    "default-model",
		TopK:     4,
		Retry:    testPolicy(),
	}
	if withIndexer {
		a.Indexer = &rag.Indexer{
			Index:          index,
			Chunker:        rag.NewChunker(800, 120),
			Embedder:       emb,
			Retry:          testPolicy(),
			DefaultDataset: writeDataset(t),
		}
	}
	return a
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestAskAutoBuildsEmptyIndex(t *testing.T) {
	chat := &fakeChat{tokens: []string{"MRI uses ", "magnets."}}
	a := newAnswerer(t, chat, true)

	ans, err := a.Ask(context.Background(), Request{Message: "What is MRI?", K: 1})
	require.NoError(t, err)
	assert.Equal(t, "MRI uses magnets.", ans.Answer)
	assert.Equal(t, "fake-model", ans.Model)
	assert.Equal(t, 2, a.Index.Len())
	require.Len(t, ans.Contexts, 1)
	assert.Contains(t, ans.Contexts[0].Text, "MRI")
	assert.Equal(t, "sample_imaging.jsonl", ans.Contexts[0].Source)

	req := chat.request()
	assert.Equal(t, SystemPrompt, req.SystemPrompt)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	require.Len(t, req.History, 1)
	user := req.History[0]
	assert.Equal(t, providers.RoleUser, user.Role)
	assert.True(t, strings.HasPrefix(user.Content, "Context:\n[Source: sample_imaging.jsonl]\nMRI uses"))
	assert.True(t, strings.HasSuffix(user.Content, "\n\nQuestion: What is MRI?\n"))
}

func TestAskEmptyIndexWithoutIndexer(t *testing.T) {
	a := newAnswerer(t, &fakeChat{tokens: []string{"x"}}, false)
	_, err := a.Ask(context.Background(), Request{Message: "What is MRI?"})
	assert.True(t, errors.Is(err, apperr.ErrIndexEmpty))
}

func TestAskRejectsEmptyMessage(t *testing.T) {
	chat := &fakeChat{tokens: []string{"x"}}
	a := newAnswerer(t, chat, true)
	_, err := a.Ask(context.Background(), Request{Message: "   "})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
	assert.Equal(t, 0, chat.callCount())

	_, err = a.Ask(context.Background(), Request{Message: "q", K: -1})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestSessionHistoryFlowsIntoPrompt(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{tokens: []string{"answer"}}
	a := newAnswerer(t, chat, true)
	store := session.NewMemoryStore(10, 50, time.Hour)
	a.Sessions = store
	a.HistoryTurns = 2

	id, err := store.Create(ctx)
	require.NoError(t, err)
	for _, q := range []string{"first MRI", "second X-ray", "third MRI"} {
		_, err := a.Ask(ctx, Request{Message: q, SessionID: id})
		require.NoError(t, err)
	}

	hist, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, hist, 6)

	// Only the last two turns precede the new question.
	req := chat.request()
	require.Len(t, req.History, 3)
	assert.Equal(t, providers.RoleUser, req.History[0].Role)
	assert.Equal(t, "second X-ray", req.History[0].Content)
	assert.Equal(t, providers.RoleAssistant, req.History[1].Role)
}

func TestFailedAnswerIsNotRemembered(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{failFirst: 10, failErr: apperr.New(apperr.KindRemoteRejected, "chat", "bad model")}
	a := newAnswerer(t, chat, true)
	store := session.NewMemoryStore(10, 50, time.Hour)
	a.Sessions = store

	_, err := a.Ask(ctx, Request{Message: "MRI?", SessionID: "s1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRemoteRejected))
	assert.Equal(t, 1, chat.callCount())

	hist, _ := store.History(ctx, "s1")
	assert.Empty(t, hist)
}

func TestStreamTokensThenEnd(t *testing.T) {
	chat := &fakeChat{tokens: []string{"Hel", "lo"}}
	a := newAnswerer(t, chat, true)

	events := collect(t, a.Stream(context.Background(), Request{Message: "MRI?"}))
	require.Len(t, events, 3)
	assert.Equal(t, Event{Type: EventToken, Content: "Hel"}, events[0])
	assert.Equal(t, Event{Type: EventToken, Content: "lo"}, events[1])
	end := events[2]
	assert.Equal(t, EventEnd, end.Type)
	assert.Equal(t, "Hello", end.Answer)
	assert.Equal(t, "fake-model", end.Model)
	assert.NotEmpty(t, end.Contexts)
}

func TestStreamErrorEvent(t *testing.T) {
	chat := &fakeChat{failFirst: 10, failErr: apperr.New(apperr.KindRemoteRejected, "chat", "invalid api key (check the API key and model name)")}
	a := newAnswerer(t, chat, true)

	events := collect(t, a.Stream(context.Background(), Request{Message: "MRI?"}))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, string(apperr.KindRemoteRejected), events[0].Kind)
	assert.Contains(t, events[0].Error, "check the API key")
	assert.Equal(t, 1, chat.callCount())
}

func TestStreamRetriesBeforeFirstToken(t *testing.T) {
	chat := &fakeChat{
		tokens:    []string{"ok"},
		failFirst: 2,
		failErr:   apperr.New(apperr.KindRemoteUnavailable, "chat", "status 503"),
	}
	a := newAnswerer(t, chat, true)

	events := collect(t, a.Stream(context.Background(), Request{Message: "MRI?"}))
	require.Len(t, events, 2)
	assert.Equal(t, EventEnd, events[1].Type)
	assert.Equal(t, 3, chat.callCount())
}

func TestStreamDoesNotRetryAfterFirstToken(t *testing.T) {
	chat := &fakeChat{
		tokens:    []string{"partial"},
		failAfter: apperr.New(apperr.KindRemoteUnavailable, "chat", "connection reset"),
	}
	a := newAnswerer(t, chat, true)

	events := collect(t, a.Stream(context.Background(), Request{Message: "MRI?"}))
	require.Len(t, events, 2)
	assert.Equal(t, EventToken, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, string(apperr.KindRemoteUnavailable), events[1].Kind)
	assert.Equal(t, 1, chat.callCount())
}

func TestStreamCancellationStopsTokens(t *testing.T) {
	chat := &fakeChat{endless: true, stopped: make(chan struct{})}
	a := newAnswerer(t, chat, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := a.Stream(ctx, Request{Message: "MRI?"})
	for range 2 {
		ev := <-ch
		require.Equal(t, EventToken, ev.Type)
	}
	cancel()

	select {
	case <-chat.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was not cancelled")
	}
	after := collect(t, ch)
	tokens := 0
	for _, ev := range after {
		if ev.Type == EventToken {
			tokens++
		}
	}
	// At most one token raced the cancellation.
	assert.LessOrEqual(t, tokens, 1)
	assert.Equal(t, 1, chat.callCount())
}

func TestBuildUserMessage(t *testing.T) {
	got := BuildUserMessage("[Source: a]\ntext", "why?")
	assert.Equal(t, "Context:\n[Source: a]\ntext\n\nQuestion: why?\n", got)
}
