// Package cache remembers predictions for videos that were already
// classified by the same model.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Brownie44l1/action-api/internal/inference"
	"github.com/redis/go-redis/v9"
)

// Store is a prediction cache keyed by model digest and video hash.
type Store interface {
	Get(ctx context.Context, modelDigest, videoHash string) (*inference.Prediction, bool, error)
	Set(ctx context.Context, modelDigest, videoHash string, pred *inference.Prediction) error
	Ping(ctx context.Context) error
}

func key(modelDigest, videoHash string) string {
	return fmt.Sprintf("prediction:%s:%s", modelDigest, videoHash)
}

type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		redis: redisClient,
		ttl:   ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context, modelDigest, videoHash string) (*inference.Prediction, bool, error) {
	data, err := s.redis.Get(ctx, key(modelDigest, videoHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var pred inference.Prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, false, fmt.Errorf("invalid cached prediction: %w", err)
	}
	return &pred, true, nil
}

func (s *RedisStore) Set(ctx context.Context, modelDigest, videoHash string, pred *inference.Prediction) error {
	data, err := json.Marshal(pred)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key(modelDigest, videoHash), data, s.ttl).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Noop is used when no Redis address is configured.
type Noop struct{}

func (Noop) Get(ctx context.Context, modelDigest, videoHash string) (*inference.Prediction, bool, error) {
	return nil, false, nil
}

func (Noop) Set(ctx context.Context, modelDigest, videoHash string, pred *inference.Prediction) error {
	return nil
}

func (Noop) Ping(ctx context.Context) error { return nil }
