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

package prospekt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/fanout"
	"github.com/blnkfinance/prospekt/internal/cache"
	"github.com/blnkfinance/prospekt/internal/jobstore"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/pool"
	"github.com/blnkfinance/prospekt/source"
)

type fakeAdapter struct {
	name     string
	requires model.ResourceKind
	search   func(ctx context.Context, req source.Request) ([]model.RawCandidate, error)

	mu    sync.Mutex
	calls []source.Request
}

func (a *fakeAdapter) Name() string                 { return a.name }
func (a *fakeAdapter) Requires() model.ResourceKind { return a.requires }

func (a *fakeAdapter) Search(ctx context.Context, req source.Request) ([]model.RawCandidate, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	return a.search(ctx, req)
}

func (a *fakeAdapter) ClassifyError(err error) model.Outcome {
	return source.ClassifyHTTP(err)
}

func (a *fakeAdapter) callsFor(locality string) []source.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []source.Request
	for _, c := range a.calls {
		if c.Locality == locality {
			out = append(out, c)
		}
	}
	return out
}

type recordingSink struct {
	mu  sync.Mutex
	got []model.RawCandidate
	err error
}

func (s *recordingSink) Submit(_ context.Context, c model.RawCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, c)
	return nil
}

func testOrchestratorConfig() config.OrchestratorConfig {
	cfg := config.Defaults().Orchestrator
	cfg.RetryBackoffMs = 1
	cfg.RetryBackoffCapMs = 2
	cfg.RequestTimeoutMs = 1000
	return cfg
}

func localities(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("Commune %d", i)
	}
	return out
}

func candidateFor(req source.Request) model.RawCandidate {
	return model.RawCandidate{Name: "Muller", City: req.Locality, Phone: "0781234567"}
}

func TestOrchestrator_PartialFailureCompletesJob(t *testing.T) {
	failing := map[string]bool{"Commune 2": true, "Commune 5": true, "Commune 8": true}
	adapter := &fakeAdapter{name: "searchch", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		if failing[req.Locality] {
			return nil, &source.StatusError{Code: http.StatusTooManyRequests, URL: "https://search.test"}
		}
		return []model.RawCandidate{candidateFor(req)}, nil
	}}

	broker := fanout.NewBroker(64)
	events := broker.Subscribe(nil)
	sink := &recordingSink{}
	o := NewOrchestrator(source.NewRegistry(adapter), nil, sink, broker, nil, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "searchch", Localities: localities(10), Query: "villa", Concurrency: 4})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, result.Status)
	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 7, result.Succeeded)
	assert.Equal(t, 3, result.SoftFailed)
	assert.Equal(t, 0, result.HardFailed)
	assert.Equal(t, 3, result.Failed())
	assert.Equal(t, 7, result.Candidates)
	require.Len(t, result.Failures, 3)
	for _, f := range result.Failures {
		assert.Equal(t, model.FailureSoft, f.Kind)
		assert.Equal(t, 3, f.Attempts)
	}
	for locality := range failing {
		assert.Len(t, adapter.callsFor(locality), 3)
	}

	progress := 0
	var last model.Event
	broker.Close()
	for e := range events.Events() {
		if e.Type == model.EventProgress {
			progress++
			assert.Equal(t, 10, e.Progress.Total)
		}
		last = e
	}
	assert.Equal(t, 10, progress)
	assert.Equal(t, model.EventJobFinished, last.Type)
	require.NotNil(t, last.Result)
	assert.Equal(t, 7, last.Result.Succeeded)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 7)
	for _, c := range sink.got {
		assert.Equal(t, result.JobID, c.JobID)
		assert.Equal(t, "searchch", c.SourceID)
		assert.True(t, strings.HasPrefix(c.CandidateID, result.JobID+"_"))
	}
}

func TestOrchestrator_ProgressCountsUpToTotal(t *testing.T) {
	adapter := &fakeAdapter{name: "s", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return nil, nil
	}}
	broker := fanout.NewBroker(64)
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, broker, nil, testOrchestratorConfig())

	job, err := o.Start(context.Background(), model.JobRequest{Source: "s", Localities: []string{"Genève", "Lausanne", "GENEVE", " ", "Sion"}})
	require.NoError(t, err)
	result := job.Wait()

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, adapter.calls, 3)
}

func TestOrchestrator_RetriesOnFreshResources(t *testing.T) {
	poolCfg := config.Defaults().Pool
	poolCfg.LeaseWaitMs = 200
	pm := pool.NewManager(poolCfg)
	for i := 1; i <= 3; i++ {
		require.NoError(t, pm.Upsert(model.ResourceEntry{ID: fmt.Sprintf("px%d", i), Kind: model.ResourceProxy, Address: fmt.Sprintf("http://10.0.0.%d:3128", i), Valid: true, Active: true}))
	}

	adapter := &fakeAdapter{name: "dir", requires: model.ResourceProxy, search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		if req.Locality == "Bern" && req.Lease.ResourceID != "px3" {
			return nil, errors.New("timeout")
		}
		return []model.RawCandidate{candidateFor(req)}, nil
	}}
	o := NewOrchestrator(source.NewRegistry(adapter), pm, &recordingSink{}, nil, nil, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "dir", Localities: []string{"Bern"}, Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	calls := adapter.callsFor("Bern")
	require.Len(t, calls, 3)
	used := map[string]bool{}
	for _, c := range calls {
		require.NotNil(t, c.Lease)
		assert.False(t, used[c.Lease.ResourceID], "resource %s reused for the same item", c.Lease.ResourceID)
		used[c.Lease.ResourceID] = true
	}

	px1, err := pm.Get("px1")
	require.NoError(t, err)
	assert.Equal(t, 1, px1.ConsecutiveFailures)
	assert.False(t, px1.InUse)
	px3, err := pm.Get("px3")
	require.NoError(t, err)
	assert.Zero(t, px3.ConsecutiveFailures)
}

func TestOrchestrator_HardFailInvalidatesResource(t *testing.T) {
	poolCfg := config.Defaults().Pool
	poolCfg.LeaseWaitMs = 20
	pm := pool.NewManager(poolCfg)
	require.NoError(t, pm.Upsert(model.ResourceEntry{ID: "banned", Kind: model.ResourceProxy, Valid: true, Active: true}))

	adapter := &fakeAdapter{name: "dir", requires: model.ResourceProxy, search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return nil, &source.StatusError{Code: http.StatusForbidden, URL: "https://dir.test"}
	}}
	o := NewOrchestrator(source.NewRegistry(adapter), pm, &recordingSink{}, nil, nil, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "dir", Localities: []string{"Bern"}})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 1, result.SoftFailed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, model.FailureExhausted, result.Failures[0].Kind)
	assert.Len(t, adapter.calls, 1)

	entry, err := pm.Get("banned")
	require.NoError(t, err)
	assert.False(t, entry.Valid)
}

func TestOrchestrator_HardFailWithoutPool(t *testing.T) {
	adapter := &fakeAdapter{name: "api", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return nil, &source.StatusError{Code: http.StatusUnauthorized, URL: "https://api.test"}
	}}
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, nil, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "api", Localities: []string{"Bern", "Thun"}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.HardFailed)
	assert.Equal(t, model.FailureHard, result.Failures[0].Kind)
	assert.Contains(t, result.Failures[0].Reason, "hard_fail")
}

func TestOrchestrator_EmptyPoolIsNotFatal(t *testing.T) {
	poolCfg := config.Defaults().Pool
	pm := pool.NewManager(poolCfg)
	adapter := &fakeAdapter{name: "dir", requires: model.ResourceProxy, search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return nil, nil
	}}
	o := NewOrchestrator(source.NewRegistry(adapter), pm, &recordingSink{}, nil, nil, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "dir", Localities: []string{"Bern", "Thun"}})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, result.Status)
	assert.Equal(t, 2, result.SoftFailed)
	assert.Equal(t, model.FailureExhausted, result.Failures[0].Kind)
	assert.Contains(t, result.Failures[0].Reason, pool.ErrPoolExhausted.Error())
	assert.Empty(t, adapter.calls)
}

func TestOrchestrator_InvalidCandidatesAreDropped(t *testing.T) {
	adapter := &fakeAdapter{name: "s", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return []model.RawCandidate{
			candidateFor(req),
			{Name: "No City"},
			{Email: "x@y.ch", SourceID: "spoofed"},
		}, nil
	}}
	sink := &recordingSink{}
	jobs := jobstore.NewMemoryStore()
	o := NewOrchestrator(source.NewRegistry(adapter), nil, sink, nil, jobs, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "s", Localities: []string{"Sion"}})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.ValidationDropped)
	assert.Equal(t, 2, result.Candidates)
	require.Len(t, sink.got, 2)
	assert.Equal(t, "s", sink.got[1].SourceID)

	stored, err := o.Result(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, result.ValidationDropped, stored.ValidationDropped)
}

func TestOrchestrator_SinkFailureCountsAsIngestFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "s", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return []model.RawCandidate{candidateFor(req)}, nil
	}}
	jobs := jobstore.NewMemoryStore()
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{err: ErrPipelineOverload}, nil, jobs, testOrchestratorConfig())

	result, err := o.Run(context.Background(), model.JobRequest{Source: "s", Localities: []string{"Sion"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)

	stored, err := o.Result(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.IngestFailed)
}

func blockingAdapter() (*fakeAdapter, chan struct{}, chan struct{}) {
	entered := make(chan struct{}, 16)
	gate := make(chan struct{})
	adapter := &fakeAdapter{name: "slow", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		entered <- struct{}{}
		<-gate
		return nil, nil
	}}
	return adapter, entered, gate
}

func TestOrchestrator_PauseAndResume(t *testing.T) {
	adapter, entered, gate := blockingAdapter()
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, nil, testOrchestratorConfig())

	job, err := o.Start(context.Background(), model.JobRequest{Source: "slow", Localities: localities(4), Concurrency: 1})
	require.NoError(t, err)
	<-entered

	require.NoError(t, o.Pause(job.ID))
	close(gate)

	time.Sleep(50 * time.Millisecond)
	snapshot := job.Snapshot()
	assert.Equal(t, model.JobStatusPaused, snapshot.Status)
	assert.Equal(t, 1, snapshot.Completed())
	assert.Len(t, adapter.calls, 1)

	require.NoError(t, o.Resume(job.ID))
	result := job.Wait()
	assert.Equal(t, model.JobStatusCompleted, result.Status)
	assert.Equal(t, 4, result.Succeeded)

	_, err = o.Get(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestOrchestrator_StopFinishesInFlightItem(t *testing.T) {
	adapter, entered, gate := blockingAdapter()
	jobs := jobstore.NewMemoryStore()
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, jobs, testOrchestratorConfig())

	job, err := o.Start(context.Background(), model.JobRequest{Source: "slow", Localities: localities(5), Concurrency: 1})
	require.NoError(t, err)
	<-entered

	require.NoError(t, o.Stop(job.ID))
	close(gate)
	result := job.Wait()

	assert.Equal(t, model.JobStatusStopped, result.Status)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 5, result.Total)
	assert.ErrorIs(t, job.Pause(), ErrJobStopped)

	stored, err := o.Result(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusStopped, stored.Status)
}

func TestOrchestrator_RunStopsOnContextCancel(t *testing.T) {
	adapter, entered, gate := blockingAdapter()
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, nil, testOrchestratorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()

	result, err := o.Run(ctx, model.JobRequest{Source: "slow", Localities: localities(3), Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusStopped, result.Status)
	assert.Less(t, result.Completed(), 3)
}

func TestOrchestrator_SourceConcurrencyCeiling(t *testing.T) {
	var inFlight, peak int32
	adapter := &fakeAdapter{name: "fragile", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}}

	cfg := testOrchestratorConfig()
	cfg.Sources["fragile"] = config.SourceLimit{Concurrency: 2}
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, nil, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(context.Background(), model.JobRequest{Source: "fragile", Localities: localities(6), Concurrency: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestOrchestrator_StartRejectsBadJobs(t *testing.T) {
	proxyAdapter := &fakeAdapter{name: "dir", requires: model.ResourceProxy}
	o := NewOrchestrator(source.NewRegistry(proxyAdapter), nil, &recordingSink{}, nil, nil, testOrchestratorConfig())

	_, err := o.Start(context.Background(), model.JobRequest{Source: "dir"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = o.Start(context.Background(), model.JobRequest{Source: "nope", Localities: []string{"Bern"}})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = o.Start(context.Background(), model.JobRequest{Source: "dir", Localities: []string{"Bern"}})
	assert.ErrorIs(t, err, ErrInvalidJob)

	assert.ErrorIs(t, o.Stop("job_missing"), ErrJobNotFound)
}

func TestWorkItems(t *testing.T) {
	items := workItems(model.JobRequest{Query: "q", Localities: []string{"Genève", "geneve", "", "Zug", "Basel"}, Limit: 4})
	require.Len(t, items, 4)
	assert.False(t, items[0].skip)
	assert.True(t, items[1].skip)
	assert.True(t, items[2].skip)
	assert.False(t, items[3].skip)
	assert.Equal(t, "q", items[3].Query)
	assert.Equal(t, 3, items[3].Index)
}

func TestOrchestrator_SearchCacheSkipsRepeatedSearch(t *testing.T) {
	adapter := &fakeAdapter{name: "s", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		return []model.RawCandidate{candidateFor(req)}, nil
	}}
	cfg := testOrchestratorConfig()
	cfg.SearchCacheTTLSec = 60
	sink := &recordingSink{}
	o := NewOrchestrator(source.NewRegistry(adapter), nil, sink, nil, nil, cfg, WithSearchCache(cache.NewCache(nil, time.Minute)))

	first, err := o.Run(context.Background(), model.JobRequest{Source: "s", Query: "Muller", Localities: []string{"Sion"}})
	require.NoError(t, err)
	second, err := o.Run(context.Background(), model.JobRequest{Source: "s", Query: "muller", Localities: []string{"SION"}})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Candidates)
	assert.Equal(t, 1, second.Candidates)
	assert.Len(t, adapter.callsFor("Sion"), 1)
	assert.Empty(t, adapter.callsFor("SION"))
	assert.Len(t, sink.got, 2)
}

func TestOrchestrator_ZeroConfigTakesDefaults(t *testing.T) {
	adapter := &fakeAdapter{name: "s", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		if req.Locality == "Sion" {
			return nil, &source.StatusError{Code: http.StatusServiceUnavailable, URL: "https://search.test"}
		}
		return []model.RawCandidate{candidateFor(req)}, nil
	}}
	cfg := config.OrchestratorConfig{RetryBackoffMs: 1, RetryBackoffCapMs: 2}
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, nil, cfg)

	result, err := o.Run(context.Background(), model.JobRequest{Source: "s", Localities: []string{"Sion", "Bern"}})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.SoftFailed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 3, result.Failures[0].Attempts)
	assert.NotEmpty(t, result.Failures[0].Reason)
}

func TestOrchestrator_StopInterruptsRetryPause(t *testing.T) {
	called := make(chan struct{}, 8)
	adapter := &fakeAdapter{name: "s", search: func(_ context.Context, req source.Request) ([]model.RawCandidate, error) {
		called <- struct{}{}
		return nil, &source.StatusError{Code: http.StatusTooManyRequests, URL: "https://search.test"}
	}}
	cfg := testOrchestratorConfig()
	cfg.RetryBackoffMs = 10000
	cfg.RetryBackoffCapMs = 10000
	o := NewOrchestrator(source.NewRegistry(adapter), nil, &recordingSink{}, nil, nil, cfg)

	job, err := o.Start(context.Background(), model.JobRequest{Source: "s", Localities: []string{"Sion"}})
	require.NoError(t, err)
	<-called

	started := time.Now()
	job.Stop()
	result := job.Wait()

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 1, result.SoftFailed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 1, result.Failures[0].Attempts)
	assert.Len(t, adapter.callsFor("Sion"), 1)
}
