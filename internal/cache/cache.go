/*
Copyright 2024 Blnk Finance Authors.

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

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache interface provides the basic operations for a cache system.
type Cache interface {
	// Set stores a value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the value stored under key into data, which must be a pointer.
	// The boolean is false on a cache miss.
	Get(ctx context.Context, key string, data interface{}) (bool, error)

	// Delete removes the value stored under key.
	Delete(ctx context.Context, key string) error
}

// RedisCache implements the Cache interface on redis with a local TinyLFU
// layer in front. Without a redis client it is a process-local cache.
type RedisCache struct {
	cache *cache.Cache
}

// cacheSize defines the size of the local cache (in number of entries).
const cacheSize = 10000

// NewCache creates a cache over client. localTTL bounds how long an entry is
// served from the local layer before redis is consulted again.
//
// Parameters:
// - client redis.UniversalClient: The shared store, or nil for a local-only cache.
// - localTTL time.Duration: Lifetime of entries in the local layer.
//
// Returns:
// - *RedisCache: The cache.
func NewCache(client redis.UniversalClient, localTTL time.Duration) *RedisCache {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(cacheSize, localTTL),
	}
	if client != nil {
		opts.Redis = client
	}
	return &RedisCache{cache: cache.New(opts)}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) (bool, error) {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
