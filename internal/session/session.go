// Package session stores per-conversation chat history behind a bounded
// store object handed to request handlers.
package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/apperr"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store keeps conversation histories. An unknown id reads as an empty
// history; Append creates it.
type Store interface {
	Create(ctx context.Context) (string, error)
	History(ctx context.Context, id string) ([]Turn, error)
	Append(ctx context.Context, id string, turns ...Turn) error
	Close() error
}

// NewID returns a fresh opaque session identifier.
func NewID() string { return uuid.NewString() }

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.InvalidInput("session", "session id is empty")
	}
	if len(id) > 128 {
		return apperr.InvalidInput("session", "session id is too long")
	}
	return nil
}

// Last returns at most n trailing turns.
func Last(turns []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg appconfig.Config) (Store, error) {
	switch cfg.SessionBackend() {
	case appconfig.SessionBackendRedis:
		return NewRedisStore(ctx, cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB, cfg.MaxTurns(), cfg.SessionTTL())
	default:
		return NewMemoryStore(cfg.MaxSessions(), cfg.MaxTurns(), cfg.SessionTTL()), nil
	}
}
