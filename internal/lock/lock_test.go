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

package redlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectSetNX("test-key", "test-value", 5*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectSetNX("test-key", "test-value", 5*time.Second).SetVal(false)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock for key test-key is already held")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	// Simulate a successful unlock
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"test-key"}, "test-value").SetVal(int64(1))

	err := locker.Unlock(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	// Simulate a failed unlock (either lock expired or not the lock holder)
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"test-key"}, "test-value").SetVal(int64(0))

	err := locker.Unlock(context.Background())
	assert.EqualError(t, err, "unlock failed, either lock expired or you're not the lock holder for key test-key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	// Simulate successful lock extension
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	mock.ExpectEval(script, []string{"test-key"}, "test-value", "5000").SetVal(int64(1))

	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	// Simulate failed lock extension (either lock expired or not the holder)
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	mock.ExpectEval(script, []string{"test-key"}, "test-value", "5000").SetVal(int64(0))

	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock extension failed for key test-key, either lock expired or you're not the holder")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectSetNX("test-key", "test-value", 5*time.Second).SetVal(true)

	err := locker.WaitLock(context.Background(), 5*time.Second, 2*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	// Simulate failure to acquire the lock within the wait timeout
	mock.ExpectSetNX("test-key", "test-value", 5*time.Second).SetVal(false)

	err := locker.WaitLock(context.Background(), 5*time.Second, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.EqualError(t, err, "lock wait timed out: failed to acquire lock for key test-key within the wait timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLocker_SerialisesSameKey(t *testing.T) {
	locker := NewMemoryLocker(time.Second)
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, []string{"phone:+41781234567"})
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, locker.slots)
}

func TestMemoryLocker_OverlappingKeySetsDoNotDeadlock(t *testing.T) {
	locker := NewMemoryLocker(2 * time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		keys := []string{"email:a@x.ch", "phone:+41781234567"}
		if i%2 == 0 {
			keys = []string{"phone:+41781234567", "email:a@x.ch", "email:a@x.ch"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			release, err := locker.Acquire(ctx, keys)
			require.NoError(t, err)
			release()
			release()
		}(keys)
	}
	wg.Wait()
}

func TestMemoryLocker_Timeout(t *testing.T) {
	locker := NewMemoryLocker(20 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	defer release()

	_, err = locker.Acquire(ctx, []string{"k0", "k2"})
	assert.ErrorIs(t, err, ErrLockTimeout)

	// k0 was taken before k2 timed out and must have been released again.
	release0, err := locker.Acquire(ctx, []string{"k0"})
	require.NoError(t, err)
	release0()
}

func TestRedisLocker_Acquire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedisLocker(client, "lock:", time.Second, 50*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, []string{"phone:+41781234567", "email:b@x.com"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:phone:+41781234567"))
	assert.True(t, mr.Exists("lock:email:b@x.com"))

	_, err = locker.Acquire(ctx, []string{"email:b@x.com"})
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	assert.False(t, mr.Exists("lock:phone:+41781234567"))
	assert.False(t, mr.Exists("lock:email:b@x.com"))

	release2, err := locker.Acquire(ctx, []string{"email:b@x.com"})
	require.NoError(t, err)
	release2()
}

func TestRedisLocker_ExtendsHeldLocksUntilReleased(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ttl := 90 * time.Millisecond
	locker := NewRedisLocker(client, "lock:", ttl, 50*time.Millisecond)

	release, err := locker.Acquire(context.Background(), []string{"phone:+41781234567"})
	require.NoError(t, err)

	mr.FastForward(80 * time.Millisecond)
	require.True(t, mr.Exists("lock:phone:+41781234567"))
	assert.Eventually(t, func() bool {
		return mr.TTL("lock:phone:+41781234567") > 50*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	release()
	assert.False(t, mr.Exists("lock:phone:+41781234567"))

	time.Sleep(2 * ttl)
	assert.False(t, mr.Exists("lock:phone:+41781234567"))
}

func TestOrderedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, orderedKeys([]string{"c", "", "a", "b", "a"}))
}
