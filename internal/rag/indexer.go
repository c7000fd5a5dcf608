package rag

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/retry"
)

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// BuildResult summarizes a completed build.
type BuildResult struct {
	Dataset  string
	Records  int
	Chunks   int
	Location string
}

// Indexer drives dataset -> chunks -> embeddings -> index -> store.
type Indexer struct {
	Index          *Index
	Chunker        *Chunker
	Embedder       Embedder
	Retry          retry.Policy
	DefaultDataset string

	ensureMu sync.Mutex
}

// Prepare reads, chunks and embeds a dataset without touching the index.
func (ix *Indexer) Prepare(ctx context.Context, datasetPath string) ([]IndexEntry, int, error) {
	records, err := ReadDataset(datasetPath)
	if err != nil {
		return nil, 0, err
	}
	segments := ix.Chunker.Segments(records)
	if len(segments) == 0 {
		return nil, len(records), apperr.InvalidInput("ingest", "%s contains no usable text", datasetPath)
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	var vectors [][]float64
	err = retry.Do(ctx, ix.Retry, "embed dataset", func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = ix.Embedder.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return nil, len(records), fmt.Errorf("embed %s: %w", datasetPath, err)
	}
	if len(vectors) != len(segments) {
		return nil, len(records), apperr.New(apperr.KindInternal, "ingest", "embedder returned %d vectors for %d chunks", len(vectors), len(segments))
	}

	entries := make([]IndexEntry, len(segments))
	for i, seg := range segments {
		entries[i] = IndexEntry{
			ID:        uuid.NewString(),
			Source:    seg.Source,
			Text:      seg.Text,
			Embedding: vectors[i],
		}
	}
	return entries, len(records), nil
}

// Build replaces the index with the contents of datasetPath and persists it.
// An empty path means the default dataset.
func (ix *Indexer) Build(ctx context.Context, datasetPath string) (BuildResult, error) {
	if datasetPath == "" {
		datasetPath = ix.DefaultDataset
	}
	start := time.Now()
	status := func(format string, args ...any) {
		elapsed := time.Since(start).Truncate(time.Millisecond)
		log.Printf("[%s] %s", elapsed, fmt.Sprintf(format, args...))
	}
	status("[RAG] Indexing dataset: %s", datasetPath)

	entries, records, err := ix.Prepare(ctx, datasetPath)
	if err != nil {
		return BuildResult{}, err
	}
	status("[RAG] Embedded %d chunks from %d records", len(entries), records)

	if err := ix.Index.Commit(ctx, entries); err != nil {
		return BuildResult{}, err
	}
	status("[RAG] Index written: %s", ix.Index.Location())

	return BuildResult{
		Dataset:  datasetPath,
		Records:  records,
		Chunks:   len(entries),
		Location: ix.Index.Location(),
	}, nil
}

// EnsureBuilt builds the index from the default dataset when it is empty.
// Concurrent callers wait for a single build. It reports whether a build ran.
func (ix *Indexer) EnsureBuilt(ctx context.Context) (bool, error) {
	if ix.Index.Len() > 0 {
		return false, nil
	}
	ix.ensureMu.Lock()
	defer ix.ensureMu.Unlock()
	if ix.Index.Len() > 0 {
		return false, nil
	}
	log.Printf("[RAG] Index is empty; building from %s", ix.DefaultDataset)
	if _, err := ix.Build(ctx, ix.DefaultDataset); err != nil {
		return false, fmt.Errorf("auto-build index: %w", err)
	}
	return true, nil
}
