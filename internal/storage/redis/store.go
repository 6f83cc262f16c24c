// Package redis stores aggregated results in Redis, leaving expiry to the
// server through key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
)

const defaultPrefix = "vision:result:"

type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ ports.ResultStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Store{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Save writes rec with a TTL matching its expiry. SET replaces the whole
// value, so a repeated request id keeps only the latest record.
func (s *Store) Save(ctx context.Context, rec *domain.AggregatedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.client.Del(ctx, s.key(rec.RequestID)).Err()
		}
	}
	return s.client.Set(ctx, s.key(rec.RequestID), data, ttl).Err()
}

func (s *Store) Load(ctx context.Context, requestID string) (*domain.AggregatedRecord, error) {
	raw, err := s.client.Get(ctx, s.key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	var rec domain.AggregatedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result %s: %w", requestID, err)
	}
	return &rec, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
