// Package cache stores inference results in Redis keyed by the digest of
// the uploaded bytes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Brownie44l1/curie-api/internal/config"
	"github.com/Brownie44l1/curie-api/internal/imaging"
	"github.com/Brownie44l1/curie-api/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "curie:"

// Key derives the cache key for an uploaded image.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// entry is the cached form of an InferenceResult with PNG encoded images.
type entry struct {
	Report   model.Report `json:"report"`
	Mask     []byte       `json:"mask"`
	Heatmap  []byte       `json:"heatmap"`
	Combined []byte       `json:"combined"`
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(cfg config.CacheConfig, logger *zap.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the cached result for key, or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*model.InferenceResult, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	result, err := unmarshalEntry(data)
	if err != nil {
		c.logger.Error("failed to unmarshal cached result", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, result *model.InferenceResult) error {
	data, err := marshalEntry(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func marshalEntry(result *model.InferenceResult) ([]byte, error) {
	if err := result.Validate(); err != nil {
		return nil, err
	}

	e := entry{Report: result.Report}
	var err error
	if e.Mask, err = imaging.EncodePNG(result.Mask); err != nil {
		return nil, err
	}
	if e.Heatmap, err = imaging.EncodePNG(result.Heatmap); err != nil {
		return nil, err
	}
	if e.Combined, err = imaging.EncodePNG(result.Combined); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (*model.InferenceResult, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}

	result := &model.InferenceResult{Report: e.Report}
	var err error
	if result.Mask, err = imaging.DecodePNG(e.Mask); err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}
	if result.Heatmap, err = imaging.DecodePNG(e.Heatmap); err != nil {
		return nil, fmt.Errorf("heatmap: %w", err)
	}
	if result.Combined, err = imaging.DecodePNG(e.Combined); err != nil {
		return nil, fmt.Errorf("combined: %w", err)
	}
	return result, nil
}
