/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package neighborcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/utils"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const redisKeyPrefix = "retro:neighbors:"

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// TTL expires cached entries. Zero keeps them until evicted.
	TTL time.Duration `json:"ttl,omitempty"`
}

// DefaultRedisIndexConfig returns a config for a local Redis server.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisIndex creates a new RedisIndex instance.
func NewRedisIndex(ctx context.Context, config *RedisIndexConfig) (*RedisIndex, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisIndex{
		RedisClient: redisClient,
		ttl:         config.TTL,
	}, nil
}

// RedisIndex implements the Index interface using Redis lists, one list of
// offsets per chunk key.
type RedisIndex struct {
	RedisClient *redis.Client
	ttl         time.Duration
}

var _ Index = &RedisIndex{}

func redisKey(key Key) string {
	return redisKeyPrefix + key.String()
}

// Lookup returns the cached offsets of the keys that were found.
func (r *RedisIndex) Lookup(ctx context.Context, keys []Key) (map[Key][]int, error) {
	offsetsPerKey := make(map[Key][]int)
	if len(keys) == 0 {
		return offsetsPerKey, nil
	}

	logger := klog.FromContext(ctx).WithName("neighborcache.RedisIndex.Lookup")

	// pipeline for single RTT
	pipe := r.RedisClient.Pipeline()
	results := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		results[i] = pipe.LRange(ctx, redisKey(key), 0, -1)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	for idx, cmd := range results {
		key := keys[idx]

		values, cmdErr := cmd.Result()
		if cmdErr != nil {
			if !errors.Is(cmdErr, redis.Nil) {
				logger.Error(cmdErr, "failed to get offsets for key", "key", key)
			}
			continue
		}
		if len(values) == 0 {
			logger.V(logging.TRACE).Info("key not found in cache", "key", key)
			continue
		}

		offsets, err := utils.SliceMapE(values, strconv.Atoi)
		if err != nil {
			return nil, fmt.Errorf("malformed offsets for key %s: %w", key.String(), err)
		}
		offsetsPerKey[key] = offsets
	}

	return offsetsPerKey, nil
}

// Add stores offsets[i] under keys[i], replacing previous values.
func (r *RedisIndex) Add(ctx context.Context, keys []Key, offsets [][]int) error {
	if err := validateAdd(keys, offsets); err != nil {
		return err
	}

	pipe := r.RedisClient.TxPipeline()
	for i, key := range keys {
		if len(offsets[i]) == 0 {
			continue
		}

		rk := redisKey(key)
		values := utils.SliceMap(offsets[i], func(o int) interface{} { return o })
		pipe.Del(ctx, rk)
		pipe.RPush(ctx, rk, values...)
		if r.ttl > 0 {
			pipe.Expire(ctx, rk, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to Redis: %w", err)
	}

	return nil
}

// Evict removes a key from the cache.
func (r *RedisIndex) Evict(ctx context.Context, key Key) error {
	if err := r.RedisClient.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to evict key from Redis: %w", err)
	}

	return nil
}

// Close closes the Redis client.
func (r *RedisIndex) Close() error {
	return r.RedisClient.Close()
}
