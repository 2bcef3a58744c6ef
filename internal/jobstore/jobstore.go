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

// Package jobstore keeps job results and the ingest counters that keep moving
// after a job has finished.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blnkfinance/prospekt/model"
)

var (
	ErrNotFound     = errors.New("job result not found")
	ErrUnknownField = errors.New("unknown ingest counter")
)

// Store persists job results.
type Store interface {
	Save(ctx context.Context, result model.ResultSet) error
	Get(ctx context.Context, jobID string) (*model.ResultSet, error)
	IncrIngest(ctx context.Context, jobID, field string) error
}

func validField(field string) bool {
	switch field {
	case model.IngestInserted, model.IngestMerged, model.IngestFailed:
		return true
	}
	return false
}

func applyCounter(r *model.ResultSet, field string, n int) {
	switch field {
	case model.IngestInserted:
		r.IngestInserted = n
	case model.IngestMerged:
		r.IngestMerged = n
	case model.IngestFailed:
		r.IngestFailed = n
	}
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu       sync.RWMutex
	results  map[string]model.ResultSet
	counters map[string]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:  make(map[string]model.ResultSet),
		counters: make(map[string]map[string]int),
	}
}

func (m *MemoryStore) Save(_ context.Context, result model.ResultSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	result.Failures = append([]model.ItemFailure(nil), result.Failures...)
	m.results[result.JobID] = result
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*model.ResultSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	r.Failures = append([]model.ItemFailure(nil), r.Failures...)
	for field, n := range m.counters[jobID] {
		applyCounter(&r, field, n)
	}
	return &r, nil
}

func (m *MemoryStore) IncrIngest(_ context.Context, jobID, field string) error {
	if !validField(field) {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[jobID]
	if !ok {
		c = make(map[string]int)
		m.counters[jobID] = c
	}
	c[field]++
	return nil
}

const resultField = "result"

// RedisStore keeps each job in a hash: the result as JSON plus one integer
// field per ingest counter, so increments from many workers stay atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed Store. A zero ttl keeps jobs forever.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(jobID string) string {
	return r.prefix + jobID
}

func (r *RedisStore) Save(ctx context.Context, result model.ResultSet) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	key := r.key(result.JobID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, resultField, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

func (r *RedisStore) Get(ctx context.Context, jobID string) (*model.ResultSet, error) {
	fields, err := r.client.HGetAll(ctx, r.key(jobID)).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := fields[resultField]
	if !ok {
		return nil, ErrNotFound
	}

	var result model.ResultSet
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	for field, v := range fields {
		if !validField(field) {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode counter %s of job %s: %w", field, jobID, err)
		}
		applyCounter(&result, field, n)
	}
	return &result, nil
}

func (r *RedisStore) IncrIngest(ctx context.Context, jobID, field string) error {
	if !validField(field) {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return r.client.HIncrBy(ctx, r.key(jobID), field, 1).Err()
}
