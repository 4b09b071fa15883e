// Package resultstore is the intermediate, TTL-bounded result store:
// preprocessing children write their output here under the "job-result:"
// prefix, and the parent's DependencyResolution stage reads it back by key,
// backed by go-redis's SET/GET with an expiry.
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

const KeyPrefix = "job-result:"

var ErrAbsent = errors.New("result store: key absent")

type Store interface {
	Put(ctx context.Context, key string, payload any, ttl time.Duration) error
	Get(ctx context.Context, key string, out any) error
}

type store struct {
	log *logger.Logger
	rdb *redis.Client
}

func New(log *logger.Logger, rdb *redis.Client) Store {
	return &store{log: log.With("component", "ResultStore"), rdb: rdb}
}

func (s *store) Put(ctx context.Context, key string, payload any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

// Get returns ErrAbsent (not a redis.Nil leak) when the key is missing or
// expired, so callers in DependencyResolution can treat "missing" and
// "child job failed" uniformly: log and continue.
func (s *store) Get(ctx context.Context, key string, out any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrAbsent
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
