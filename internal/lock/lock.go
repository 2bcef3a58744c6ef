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

// Package redlock serialises work per identity key. MemoryLocker covers a
// single process; RedisLocker extends the same guarantee across workers.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a key could not be acquired within the wait.
var ErrLockTimeout = errors.New("lock wait timed out")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// KeyLocker acquires a set of keys as one critical section.
type KeyLocker interface {
	// Acquire blocks until every key is held, the wait elapses or ctx ends.
	// The returned func releases all keys and is safe to call more than once.
	Acquire(ctx context.Context, keys []string) (func(), error)
}

// Locker is a single redis lock owned by value.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

func (l *Locker) Lock(ctx context.Context, timeout time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, timeout).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("lock for key %s is already held", l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// WaitLock retries Lock with a short jittered pause until it succeeds, the
// wait timeout passes or ctx is done.
func (l *Locker) WaitLock(ctx context.Context, lockTimeout, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		err := l.Lock(ctx, lockTimeout)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(5+rand.Intn(45)) * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: failed to acquire lock for key %s within the wait timeout", ErrLockTimeout, l.key)
}

// RedisLocker holds identity keys as redis locks under a common prefix.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a KeyLocker backed by redis.
//
// Parameters:
// - client redis.UniversalClient: The redis connection.
// - prefix string: Namespace prepended to every key.
// - ttl time.Duration: Expiry of each lock, bounding how long a crashed holder blocks a key.
// - wait time.Duration: How long Acquire waits for each key.
//
// Returns:
// - *RedisLocker: The locker.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait}
}

func (r *RedisLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	owner := uuid.NewString()
	held := make([]*Locker, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// An expired lock fails to unlock; there is nothing left to release then.
			_ = held[i].Unlock(context.Background())
		}
		held = held[:0]
	}

	for _, key := range orderedKeys(keys) {
		l := NewLocker(r.client, r.prefix+key, owner)
		if err := l.WaitLock(ctx, r.ttl, r.wait); err != nil {
			release()
			return nil, err
		}
		held = append(held, l)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(append([]*Locker(nil), held...), stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			release()
		})
	}, nil
}

// keepAlive extends every held lock by the full TTL at a third of the TTL, so
// a critical section that outlives one TTL keeps its keys until released.
func (r *RedisLocker) keepAlive(locks []*Locker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, l := range locks {
				if err := l.ExtendLock(context.Background(), r.ttl); err != nil {
					logrus.WithField("key", l.key).WithError(err).Warn("failed to extend lock")
				}
			}
		}
	}
}

// MemoryLocker serialises keys inside one process.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker returns a locker whose Acquire gives up after wait.
// A zero wait means wait until ctx ends.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot), wait: wait}
}

func (m *MemoryLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	if m.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.wait)
		defer cancel()
	}

	ordered := orderedKeys(keys)
	held := make([]string, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.unlock(held[i])
		}
		held = held[:0]
	}

	for _, key := range ordered {
		s := m.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			m.unref(key)
			release()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: key %s", ErrLockTimeout, key)
			}
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *MemoryLocker) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *MemoryLocker) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[key]; ok {
		s.refs--
		if s.refs == 0 {
			delete(m.slots, key)
		}
	}
}

func (m *MemoryLocker) unlock(key string) {
	m.mu.Lock()
	s, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-s.ch
	m.unref(key)
}

// orderedKeys deduplicates and sorts keys so that every caller acquires them
// in the same order.
func orderedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
