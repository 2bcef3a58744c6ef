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

package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/prospekt/model"
)

func stores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "prospekt:job:", time.Hour),
	}
}

func TestStore_SaveGetAndCounters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "job_1")
			assert.ErrorIs(t, err, ErrNotFound)

			// counters may arrive before the job is saved
			require.NoError(t, store.IncrIngest(ctx, "job_1", model.IngestInserted))

			result := model.ResultSet{
				JobID:     "job_1",
				Source:    "searchch",
				Status:    model.JobStatusCompleted,
				Total:     10,
				Succeeded: 7,
				Failures:  []model.ItemFailure{{Locality: "Genève", Kind: model.FailureSoft, Attempts: 3}},
				StartedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
			}
			require.NoError(t, store.Save(ctx, result))

			require.NoError(t, store.IncrIngest(ctx, "job_1", model.IngestInserted))
			require.NoError(t, store.IncrIngest(ctx, "job_1", model.IngestMerged))
			assert.ErrorIs(t, store.IncrIngest(ctx, "job_1", "succeeded"), ErrUnknownField)

			got, err := store.Get(ctx, "job_1")
			require.NoError(t, err)
			assert.Equal(t, 7, got.Succeeded)
			assert.Equal(t, 2, got.IngestInserted)
			assert.Equal(t, 1, got.IngestMerged)
			assert.Equal(t, 0, got.IngestFailed)
			assert.Len(t, got.Failures, 1)
			assert.True(t, result.StartedAt.Equal(got.StartedAt))

			// saving again keeps the counters
			result.Status = model.JobStatusStopped
			require.NoError(t, store.Save(ctx, result))
			got, err = store.Get(ctx, "job_1")
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusStopped, got.Status)
			assert.Equal(t, 2, got.IngestInserted)
		})
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "prospekt:job:", time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, model.ResultSet{JobID: "job_2"}))
	assert.Equal(t, time.Minute, mr.TTL("prospekt:job:job_2"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "job_2")
	assert.ErrorIs(t, err, ErrNotFound)
}
