package rag

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
	"github.com/mwiater/imagingrag/internal/retry"
)

type fakeEmbedder struct {
	calls    atomic.Int32
	failures int32
	err      error
	delay    time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= f.failures {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = []float64{float64(len(text)), 1}
	}
	return out, nil
}

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample_imaging.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func newTestIndexer(t *testing.T, emb Embedder, dataset string) *Indexer {
	t.Helper()
	return &Indexer{
		Index:          NewIndex(NewFileStore(filepath.Join(t.TempDir(), "index.jsonl"))),
		Chunker:        NewChunker(800, 120),
		Embedder:       emb,
		Retry:          retry.Policy{MaxRetries: 2, Base: time.Millisecond, Cap: time.Millisecond},
		DefaultDataset: dataset,
	}
}

func TestBuildReplacesAndPersists(t *testing.T) {
	dataset := writeDataset(t, `{"text":"X-ray imaging."}`, `{"description":"MRI imaging."}`)
	ix := newTestIndexer(t, &fakeEmbedder{}, dataset)

	for range 2 {
		res, err := ix.Build(context.Background(), "")
		if err != nil {
			t.Fatalf("Build error: %v", err)
		}
		if res.Chunks != 2 || res.Records != 2 {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if ix.Index.Len() != 2 {
		t.Fatalf("Build is replace-all; expected 2 entries, got %d", ix.Index.Len())
	}
	if _, err := os.Stat(ix.Index.Location()); err != nil {
		t.Fatalf("expected index file: %v", err)
	}
	for _, e := range ix.Index.Entries() {
		if e.ID == "" || e.Source != "sample_imaging.jsonl" {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
}

func TestPrepareAppendTwiceDoublesIndex(t *testing.T) {
	dataset := writeDataset(t, `{"text":"X-ray imaging."}`, `{"text":"CT imaging."}`, `{"text":"PET imaging."}`)
	ix := newTestIndexer(t, &fakeEmbedder{}, dataset)

	for range 2 {
		entries, _, err := ix.Prepare(context.Background(), dataset)
		if err != nil {
			t.Fatalf("Prepare error: %v", err)
		}
		if err := ix.Index.Append(entries...); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}
	if ix.Index.Len() != 6 {
		t.Fatalf("expected 6 entries after two appends, got %d", ix.Index.Len())
	}
}

func TestPrepareRetriesTransientEmbedFailures(t *testing.T) {
	dataset := writeDataset(t, `{"text":"X-ray imaging."}`)
	emb := &fakeEmbedder{failures: 2, err: apperr.New(apperr.KindRemoteUnavailable, "embed", "503")}
	ix := newTestIndexer(t, emb, dataset)

	if _, _, err := ix.Prepare(context.Background(), dataset); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if emb.calls.Load() != 3 {
		t.Fatalf("expected 3 embed calls, got %d", emb.calls.Load())
	}
}

func TestPrepareDoesNotRetryRejected(t *testing.T) {
	dataset := writeDataset(t, `{"text":"X-ray imaging."}`)
	emb := &fakeEmbedder{failures: 5, err: apperr.New(apperr.KindRemoteRejected, "embed", "401")}
	ix := newTestIndexer(t, emb, dataset)

	_, _, err := ix.Prepare(context.Background(), dataset)
	if !errors.Is(err, apperr.ErrRemoteRejected) {
		t.Fatalf("expected RemoteRejected, got %v", err)
	}
	if emb.calls.Load() != 1 {
		t.Fatalf("expected 1 embed call, got %d", emb.calls.Load())
	}
}

func TestPrepareEmptyDataset(t *testing.T) {
	dataset := writeDataset(t, `{"title":"nothing"}`)
	ix := newTestIndexer(t, &fakeEmbedder{}, dataset)
	if _, _, err := ix.Prepare(context.Background(), dataset); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestEnsureBuiltRunsOnce(t *testing.T) {
	dataset := writeDataset(t, `{"text":"X-ray imaging."}`)
	emb := &fakeEmbedder{delay: 10 * time.Millisecond}
	ix := newTestIndexer(t, emb, dataset)

	var wg sync.WaitGroup
	var built atomic.Int32
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ix.EnsureBuilt(context.Background())
			if err != nil {
				t.Errorf("EnsureBuilt error: %v", err)
			}
			if ok {
				built.Add(1)
			}
		}()
	}
	wg.Wait()

	if built.Load() != 1 || emb.calls.Load() != 1 {
		t.Fatalf("expected a single build, got %d builds and %d embed calls", built.Load(), emb.calls.Load())
	}
	if ix.Index.Len() == 0 {
		t.Fatal("expected a non-empty index after EnsureBuilt")
	}
}

// flakyStore fails the first failures saves and keeps the last saved collection.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	saves    int
	saved    []IndexEntry
}

func (s *flakyStore) Save(ctx context.Context, entries []IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saves <= s.failures {
		return errors.New("disk full")
	}
	s.saved = append([]IndexEntry(nil), entries...)
	return nil
}

func (s *flakyStore) Load(ctx context.Context) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IndexEntry(nil), s.saved...), nil
}

func (s *flakyStore) Location() string { return "flaky" }

func TestBuildKeepsPreviousIndexWhenSaveFails(t *testing.T) {
	dataset := writeDataset(t, `{"text":"new X-ray note."}`)
	store := &flakyStore{failures: 1}
	ix := newTestIndexer(t, &fakeEmbedder{}, dataset)
	ix.Index = NewIndex(store)
	if err := ix.Index.Append(IndexEntry{ID: "old", Text: "old", Embedding: []float64{1, 1}}); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	_, err := ix.Build(context.Background(), dataset)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected save error, got %v", err)
	}
	entries := ix.Index.Entries()
	if len(entries) != 1 || entries[0].ID != "old" {
		t.Fatalf("expected the previous collection to survive, got %+v", entries)
	}

	if _, err := ix.Build(context.Background(), dataset); err != nil {
		t.Fatalf("second Build error: %v", err)
	}
	entries = ix.Index.Entries()
	if len(entries) != 1 || entries[0].Text != "new X-ray note." || len(store.saved) != 1 {
		t.Fatalf("expected the new collection in memory and in the store, got %+v / %+v", entries, store.saved)
	}
}

func TestEnsureBuiltRetriesAfterFailedSave(t *testing.T) {
	dataset := writeDataset(t, `{"text":"X-ray imaging."}`)
	emb := &fakeEmbedder{}
	ix := newTestIndexer(t, emb, dataset)
	ix.Index = NewIndex(&flakyStore{failures: 1})

	if _, err := ix.EnsureBuilt(context.Background()); err == nil {
		t.Fatal("expected the first auto-build to fail")
	}
	if ix.Index.Len() != 0 {
		t.Fatalf("expected an empty index after a failed save, got %d entries", ix.Index.Len())
	}

	built, err := ix.EnsureBuilt(context.Background())
	if err != nil || !built {
		t.Fatalf("expected the second call to build, got built=%v err=%v", built, err)
	}
	if emb.calls.Load() != 2 {
		t.Fatalf("expected the dataset to be embedded again, got %d calls", emb.calls.Load())
	}
}
