package rag

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mwiater/imagingrag/internal/apperr"
)

type snapshot struct {
	entries []IndexEntry
	dim     int
}

// Index is the in-memory similarity index. Readers work on an immutable
// snapshot; every mutation builds a new snapshot and swaps it in, so a
// concurrent TopK sees either the old or the new collection in full.
type Index struct {
	mu    sync.Mutex // serializes writers
	snap  atomic.Pointer[snapshot]
	store Store
}

// NewIndex returns an empty index persisted through store.
func NewIndex(store Store) *Index {
	ix := &Index{store: store}
	ix.snap.Store(&snapshot{})
	return ix
}

func (ix *Index) current() *snapshot {
	return ix.snap.Load()
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.current().entries) }

// Dimension returns the embedding dimensionality, or 0 when empty.
func (ix *Index) Dimension() int { return ix.current().dim }

// Entries returns a copy of the entries in insertion order.
func (ix *Index) Entries() []IndexEntry {
	return slices.Clone(ix.current().entries)
}

// Location describes where the index is persisted.
func (ix *Index) Location() string {
	if ix.store == nil {
		return ""
	}
	return ix.store.Location()
}

// Append adds entries after the existing ones. It does not deduplicate.
func (ix *Index) Append(entries ...IndexEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.current()
	dim, err := checkDimensions(cur.dim, entries)
	if err != nil {
		return err
	}
	next := make([]IndexEntry, 0, len(cur.entries)+len(entries))
	next = append(next, cur.entries...)
	next = append(next, entries...)
	ix.snap.Store(&snapshot{entries: next, dim: dim})
	return nil
}

// Replace swaps in a new collection.
func (ix *Index) Replace(entries []IndexEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.replaceLocked(entries)
}

func (ix *Index) replaceLocked(entries []IndexEntry) error {
	dim, err := checkDimensions(0, entries)
	if err != nil {
		return err
	}
	ix.snap.Store(&snapshot{entries: slices.Clone(entries), dim: dim})
	return nil
}

// Commit saves entries through the store and then makes them the current
// collection. A failed save leaves the index unchanged.
func (ix *Index) Commit(ctx context.Context, entries []IndexEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	dim, err := checkDimensions(0, entries)
	if err != nil {
		return err
	}
	next := slices.Clone(entries)
	if ix.store != nil {
		if err := ix.store.Save(ctx, next); err != nil {
			return fmt.Errorf("persist index: %w", err)
		}
	}
	ix.snap.Store(&snapshot{entries: next, dim: dim})
	return nil
}

// TopK returns the k entries most similar to query, highest first. k larger
// than the index returns every entry.
func (ix *Index) TopK(query []float64, k int) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, apperr.InvalidInput("topk", "k must be positive, got %d", k)
	}
	cur := ix.current()
	if len(cur.entries) == 0 {
		return nil, apperr.New(apperr.KindIndexEmpty, "topk", "index is empty")
	}
	if len(query) != cur.dim {
		return nil, apperr.InvalidInput("topk", "query has %d dimensions, index has %d", len(query), cur.dim)
	}
	scored := scoreEntries(cur.entries, query)
	return scored[:min(k, len(scored))], nil
}

// Persist writes the whole collection to the store.
func (ix *Index) Persist(ctx context.Context) error {
	if ix.store == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.store.Save(ctx, ix.current().entries); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// Load replaces the in-memory collection with the stored one.
func (ix *Index) Load(ctx context.Context) error {
	if ix.store == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries, err := ix.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	return ix.replaceLocked(entries)
}

// checkDimensions verifies that every entry has dim dimensions (or, if dim
// is 0, the dimensionality of the first entry) and returns the result.
func checkDimensions(dim int, entries []IndexEntry) (int, error) {
	for i, e := range entries {
		if len(e.Embedding) == 0 {
			return 0, apperr.InvalidInput("index", "entry %d (%s) has no embedding", i, e.ID)
		}
		if dim == 0 {
			dim = len(e.Embedding)
			continue
		}
		if len(e.Embedding) != dim {
			return 0, apperr.InvalidInput("index", "entry %d (%s) has %d dimensions, index has %d; rebuild the index after changing the embedding model", i, e.ID, len(e.Embedding), dim)
		}
	}
	return dim, nil
}
