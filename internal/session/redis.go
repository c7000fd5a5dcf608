package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "imagingrag:session:"

// RedisStore keeps each history as a Redis list trimmed to maxTurns, with
// the key expiring after ttl of inactivity.
type RedisStore struct {
	client   redis.UniversalClient
	maxTurns int
	ttl      time.Duration
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db, maxTurns int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisStore{client: client, maxTurns: maxTurns, ttl: ttl}, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context) (string, error) {
	return NewID(), nil
}

func (s *RedisStore) History(ctx context.Context, id string) ([]Turn, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	key := redisKey(id)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteUnavailable, "session history", err)
	}
	if s.ttl > 0 && len(raw) > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return decodeTurns(raw)
}

func (s *RedisStore) Append(ctx context.Context, id string, turns ...Turn) error {
	if err := validateID(id); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	values, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	key := redisKey(id)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.maxTurns > 0 {
			pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.KindRemoteUnavailable, "session append", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func encodeTurns(turns []Turn) ([]any, error) {
	values := make([]any, len(turns))
	for i, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode turn: %w", err)
		}
		values[i] = string(data)
	}
	return values, nil
}

func decodeTurns(raw []string) ([]Turn, error) {
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
