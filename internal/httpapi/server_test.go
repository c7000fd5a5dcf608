package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwiater/imagingrag/internal/answer"
	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/providers"
	"github.com/mwiater/imagingrag/internal/rag"
	"github.com/mwiater/imagingrag/internal/retry"
	"github.com/mwiater/imagingrag/internal/session"
	"github.com/mwiater/imagingrag/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		out[i] = []float64{float64(strings.Count(lower, "mri")), float64(strings.Count(lower, "x-ray")), 0.1}
	}
	return out, nil
}

// stubChat answers with fixed tokens, or with reply for non-streaming
// requests.
type stubChat struct {
	mu     sync.Mutex
	tokens []string
	err    error
	last   providers.StreamRequest
}

func (s *stubChat) Name() string { return "stub" }
func (s *stubChat) Close() error { return nil }

func (s *stubChat) Stream(ctx context.Context, req providers.StreamRequest, cb providers.StreamCallbacks) error {
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, tok := range s.tokens {
		if err := cb.OnChunk(providers.ChatMessage{Role: providers.RoleAssistant, Content: tok}); err != nil {
			return err
		}
	}
	return cb.OnComplete(providers.StreamMetadata{Model: "stub-model", Done: true})
}

type fixture struct {
	server *Server
	chat   *stubChat
	index  *rag.Index
	store  *session.MemoryStore
	data   string
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dataDir := t.TempDir()
	dataset := `{"text":"MRI uses strong magnetic fields."}` + "\n" + `{"text":"An X-ray uses ionizing radiation."}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "sample_imaging.jsonl"), []byte(dataset), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "extra.jsonl"), []byte(`{"text":"CT combines X-ray images."}`+"\n"), 0o644))

	cfg := appconfig.Config{APIKey: apiKey, Debug: true, RAG: appconfig.RAGConfig{DataDir: dataDir}}
	policy := retry.Policy{MaxRetries: 1, Base: time.Millisecond, Cap: time.Millisecond}
	index := rag.NewIndex(rag.NewFileStore(cfg.IndexFilePath()))
	indexer := &rag.Indexer{
		Index:          index,
		Chunker:        rag.NewChunker(cfg.ChunkSize(), cfg.ChunkOverlap()),
		Embedder:       stubEmbedder{},
		Retry:          policy,
		DefaultDataset: cfg.DefaultDatasetPath(),
	}
	chat := &stubChat{tokens: []string{"MRI ", "uses magnets."}}
	store := session.NewMemoryStore(10, 50, time.Hour)
	srv := New(Deps{
		Config:  cfg,
		Index:   index,
		Indexer: indexer,
		Answerer: &answer.Answerer{
			Index: index, Indexer: indexer, Embedder: stubEmbedder{}, Chat: chat,
			Sessions: store, Model: "stub-model", TopK: cfg.TopK(), HistoryTurns: cfg.HistoryTurns(), Retry: policy,
		},
		Sessions: store,
		Labeler:  &vision.Labeler{Chat: chat, Model: "stub-model", MaxBytes: cfg.MaxImageBytes(), Retry: policy},
	})
	return &fixture{server: srv, chat: chat, index: index, store: store, data: dataDir}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHomeAndHealth(t *testing.T) {
	f := newFixture(t, "sk-test")
	rec := f.do(t, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/chat/stream")

	rec = f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok", "entries": float64(0)}, decode(t, rec))
}

func TestIngestDefaultAndNamed(t *testing.T) {
	f := newFixture(t, "sk-test")
	rec := f.do(t, http.MethodPost, "/ingest", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["added_chunks"])
	assert.Equal(t, filepath.Join(f.data, "index.jsonl"), body["index_path"])
	assert.Equal(t, 2, f.index.Len())

	rec = f.do(t, http.MethodPost, "/ingest", []byte(`{"jsonl_name":"extra.jsonl"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["added_chunks"])
	assert.Equal(t, 1, f.index.Len())
}

func TestIngestRejectsBadNames(t *testing.T) {
	f := newFixture(t, "sk-test")
	for name, want := range map[string]int{
		"../secret.jsonl":   http.StatusBadRequest,
		"a/../../b.jsonl":   http.StatusBadRequest,
		"/etc/passwd":       http.StatusBadRequest,
		"missing.jsonl":     http.StatusNotFound,
		"nested/nope.jsonl": http.StatusNotFound,
	} {
		body, _ := json.Marshal(map[string]string{"jsonl_name": name})
		rec := f.do(t, http.MethodPost, "/ingest", body, "application/json")
		assert.Equal(t, want, rec.Code, "name %q: %s", name, rec.Body.String())
	}
	assert.Equal(t, 0, f.index.Len())
}

func TestMissingAPIKeyIsBadRequest(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/chat", []byte(`{"message":"what is MRI?"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "API key")

	rec = f.do(t, http.MethodGet, "/chat/stream?message=hi", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Sessions need no key.
	rec = f.do(t, http.MethodPost, "/session", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatBuildsIndexAndRemembersSession(t *testing.T) {
	f := newFixture(t, "sk-test")
	rec := f.do(t, http.MethodPost, "/session", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sid, _ := decode(t, rec)["session_id"].(string)
	require.NotEmpty(t, sid)

	body, _ := json.Marshal(map[string]any{"message": "What is MRI?", "k": 1, "session_id": sid})
	rec = f.do(t, http.MethodPost, "/chat", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ans answer.Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, "MRI uses magnets.", ans.Answer)
	assert.Equal(t, "stub-model", ans.Model)
	require.Len(t, ans.Contexts, 1)
	assert.Equal(t, "sample_imaging.jsonl", ans.Contexts[0].Source)
	assert.Equal(t, 2, f.index.Len())

	hist, err := f.store.History(context.Background(), sid)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestChatValidatesInput(t *testing.T) {
	f := newFixture(t, "sk-test")
	cases := map[string]string{
		"empty message": `{"message":"  "}`,
		"k negative":    `{"message":"q","k":-1}`,
		"k too large":   `{"message":"q","k":11}`,
		"bad json":      `{"message":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/chat", []byte(body), "application/json")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(apperr.KindInvalidInput), decode(t, rec)["kind"])
		})
	}
}

func TestChatZeroKUsesConfiguredTopK(t *testing.T) {
	f := newFixture(t, "sk-test")
	for _, body := range []string{`{"message":"What is MRI?","k":0}`, `{"message":"What is MRI?"}`} {
		rec := f.do(t, http.MethodPost, "/chat", []byte(body), "application/json")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var ans answer.Answer
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
		// rag.topK is 4 and the sample dataset has 2 chunks.
		assert.Len(t, ans.Contexts, 2, body)
	}

	rec := f.do(t, http.MethodGet, "/chat/stream?message=hi&k=0", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatMapsRemoteErrors(t *testing.T) {
	f := newFixture(t, "sk-test")
	f.chat.err = apperr.New(apperr.KindRemoteRejected, "chat", "status 401: invalid key sk-abcdefghijklmnop1234 (check the API key and model name)")
	rec := f.do(t, http.MethodPost, "/chat", []byte(`{"message":"What is MRI?"}`), "application/json")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(apperr.KindRemoteRejected), body["kind"])
	assert.Contains(t, body["error"], "check the API key")
	assert.NotContains(t, body["error"], "sk-abcdefghijklmnop1234")
}

func readEvents(t *testing.T, resp *http.Response) []answer.Event {
	t.Helper()
	var events []answer.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev answer.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ev))
		events = append(events, ev)
	}
	return events
}

func TestChatStreamEmitsTokensThenEnd(t *testing.T) {
	f := newFixture(t, "sk-test")
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/chat/stream?message=What+is+MRI%3F&k=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	events := readEvents(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, answer.EventToken, events[0].Type)
	assert.Equal(t, "MRI ", events[0].Content)
	assert.Equal(t, answer.EventToken, events[1].Type)
	end := events[2]
	assert.Equal(t, answer.EventEnd, end.Type)
	assert.Equal(t, "MRI uses magnets.", end.Answer)
	assert.Len(t, end.Contexts, 2)
}

func TestChatStreamReportsErrorEvent(t *testing.T) {
	f := newFixture(t, "sk-test")
	f.chat.err = apperr.New(apperr.KindRemoteRejected, "chat", "model not found")
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/chat/stream?message=What+is+MRI%3F")
	require.NoError(t, err)
	defer resp.Body.Close()
	events := readEvents(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, answer.EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "model not found")
}

func TestChatStreamValidatesK(t *testing.T) {
	f := newFixture(t, "sk-test")
	for _, q := range []string{"k=-1", "k=11", "k=abc"} {
		rec := f.do(t, http.MethodGet, "/chat/stream?message=hi&"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	rec := f.do(t, http.MethodGet, "/chat/stream", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for k, data := range files {
		part, err := w.CreateFormFile(k, k+".bin")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func TestClassifyImage(t *testing.T) {
	f := newFixture(t, "sk-test")
	f.chat.tokens = []string{"Cat."}
	body, ct := multipartBody(t, map[string]string{"few_shot": "true"}, map[string][]byte{
		"file":        pngBytes,
		"example_dog": pngBytes,
	})
	rec := f.do(t, http.MethodPost, "/classify_image", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"label": "cat", "raw": "cat."}, decode(t, rec))

	f.chat.mu.Lock()
	history := f.chat.last.History
	f.chat.mu.Unlock()
	require.Len(t, history, 3)
	assert.Equal(t, "dog", history[1].Content)
}

func TestClassifyImageRejectsBadUploads(t *testing.T) {
	f := newFixture(t, "sk-test")
	body, ct := multipartBody(t, nil, map[string][]byte{"file": []byte("not an image at all")})
	rec := f.do(t, http.MethodPost, "/classify_image", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, map[string]string{"few_shot": "false"}, nil)
	rec = f.do(t, http.MethodPost, "/classify_image", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, map[string]string{"few_shot": "maybe"}, map[string][]byte{"file": pngBytes})
	rec = f.do(t, http.MethodPost, "/classify_image", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveDataset(t *testing.T) {
	got, err := resolveDataset("data", "", "data/sample_imaging.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "data/sample_imaging.jsonl", got)

	got, err = resolveDataset("data", "sub/x.jsonl", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "sub", "x.jsonl"), got)

	_, err = resolveDataset("data", `..\x.jsonl`, "")
	assert.Error(t, err)
}
