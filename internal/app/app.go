// Package app assembles the configured provider, index, sessions and
// pipelines into one object shared by the CLI commands and the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mwiater/imagingrag/internal/answer"
	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/httpapi"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/mwiater/imagingrag/internal/providerfactory"
	"github.com/mwiater/imagingrag/internal/rag"
	"github.com/mwiater/imagingrag/internal/retry"
	"github.com/mwiater/imagingrag/internal/session"
	"github.com/mwiater/imagingrag/internal/vision"
)

// App holds the wired components.
type App struct {
	Config   appconfig.Config
	Backend  providerfactory.Backend
	Index    *rag.Index
	Indexer  *rag.Indexer
	Answerer *answer.Answerer
	Sessions session.Store
	Labeler  *vision.Labeler

	closers []io.Closer
}

// Open connects every backend named by cfg and loads the persisted index.
func Open(ctx context.Context, cfg appconfig.Config) (*App, error) {
	backend, err := providerfactory.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	sessions, err := session.Open(ctx, cfg)
	if err != nil {
		_ = backend.Close()
		closeStore(store)
		return nil, err
	}

	a := Assemble(cfg, backend, store, sessions)
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if err := a.Index.Load(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load index from %s: %w", store.Location(), err)
	}
	logging.LogEvent("[RAG] Loaded %d entries from %s", a.Index.Len(), store.Location())
	return a, nil
}

// OpenStore returns the index store selected by rag.backend.
func OpenStore(ctx context.Context, cfg appconfig.Config) (rag.Store, error) {
	if cfg.IndexBackend() == appconfig.IndexBackendChroma {
		return rag.NewChromaStore(ctx, cfg.RAG.ChromaURL, cfg.ChromaCollectionName())
	}
	return rag.NewFileStore(cfg.IndexFilePath()), nil
}

// Assemble wires already constructed backends without touching the network.
func Assemble(cfg appconfig.Config, backend providerfactory.Backend, store rag.Store, sessions session.Store) *App {
	policy := Policy(cfg)
	index := rag.NewIndex(store)
	indexer := &rag.Indexer{
		Index:          index,
		Chunker:        rag.NewChunker(cfg.ChunkSize(), cfg.ChunkOverlap()),
		Embedder:       backend,
		Retry:          policy,
		DefaultDataset: cfg.DefaultDatasetPath(),
	}
	return &App{
		Config:  cfg,
		Backend: backend,
		Index:   index,
		Indexer: indexer,
		Answerer: &answer.Answerer{
			Index:        index,
			Indexer:      indexer,
			Embedder:     backend,
			Chat:         backend,
			Sessions:     sessions,
			Model:        cfg.ChatModelName(),
			TopK:         cfg.TopK(),
			HistoryTurns: cfg.HistoryTurns(),
			Retry:        policy,
		},
		Sessions: sessions,
		Labeler: &vision.Labeler{
			Chat:     backend,
			Model:    cfg.VisionModelName(),
			MaxBytes: cfg.MaxImageBytes(),
			Retry:    policy,
		},
	}
}

// Policy derives the retry policy from retryCount.
func Policy(cfg appconfig.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = uint64(cfg.RetryAttempts())
	return p
}

// HTTPDeps exposes the components to the HTTP server.
func (a *App) HTTPDeps() httpapi.Deps {
	return httpapi.Deps{
		Config:   a.Config,
		Index:    a.Index,
		Indexer:  a.Indexer,
		Answerer: a.Answerer,
		Sessions: a.Sessions,
		Labeler:  a.Labeler,
	}
}

// Close releases every backend.
func (a *App) Close() error {
	var errs []error
	if a.Sessions != nil {
		errs = append(errs, a.Sessions.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	return errors.Join(errs...)
}

func closeStore(store rag.Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}
