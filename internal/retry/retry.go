// Package retry runs remote operations with bounded exponential backoff.
// Only errors apperr classifies as transient are retried.
package retry

import (
	"context"
	"time"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/logging"
	goretry "github.com/sethvargo/go-retry"
)

const (
	defaultBase = 200 * time.Millisecond
	defaultCap  = 5 * time.Second
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	MaxRetries uint64
	Base       time.Duration
	Cap        time.Duration
}

// DefaultPolicy allows three retries starting at 200ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Base: defaultBase, Cap: defaultCap}
}

func (p Policy) backoff() goretry.Backoff {
	base := p.Base
	if base <= 0 {
		base = defaultBase
	}
	limit := p.Cap
	if limit <= 0 {
		limit = defaultCap
	}
	b := goretry.NewExponential(base)
	b = goretry.WithCappedDuration(limit, b)
	return goretry.WithMaxRetries(p.MaxRetries, b)
}

// Do calls fn until it succeeds, returns a non-transient error, the retry
// budget is spent, or ctx is done. The last error fn returned is reported.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if apperr.Retryable(err) && ctx.Err() == nil {
			logging.LogEvent("[RETRY] op=%s attempt=%d err=%v", op, attempt, err)
			return goretry.RetryableError(err)
		}
		return err
	})
}
