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
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/fanout"
	"github.com/blnkfinance/prospekt/internal/cache"
	"github.com/blnkfinance/prospekt/internal/jobstore"
	"github.com/blnkfinance/prospekt/internal/normalize"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/source"
)

var orchestratorTracer = otel.Tracer("prospekt.orchestrator")

// ResourcePool is the lease contract the orchestrator runs work items under.
type ResourcePool interface {
	Lease(ctx context.Context, kind model.ResourceKind, exclude ...string) (*model.Lease, error)
	Release(lease *model.Lease, outcome model.Outcome)
}

// Orchestrator runs scraping jobs: bounded workers per job, a concurrency
// ceiling and request rate per source, retries on fresh resources.
type Orchestrator struct {
	registry  *source.Registry
	pool      ResourcePool
	sink      CandidateSink
	publisher fanout.Publisher
	jobs      jobstore.Store
	cfg       config.OrchestratorConfig
	now       func() time.Time
	results   cache.Cache

	mu       sync.Mutex
	running  map[string]*Job
	limiters map[string]*rate.Limiter
	slots    map[string]chan struct{}
}

type OrchestratorOption func(*Orchestrator)

// WithSearchCache serves repeated searches from c for the configured
// search cache TTL instead of calling the source again.
func WithSearchCache(c cache.Cache) OrchestratorOption {
	return func(o *Orchestrator) {
		o.results = c
	}
}

// NewOrchestrator creates an orchestrator. The pool is only consulted for
// adapters that require a resource.
func NewOrchestrator(registry *source.Registry, pool ResourcePool, sink CandidateSink, publisher fanout.Publisher, jobs jobstore.Store, cfg config.OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if jobs == nil {
		jobs = jobstore.NewMemoryStore()
	}
	o := &Orchestrator{
		registry:  registry,
		pool:      pool,
		sink:      sink,
		publisher: publisher,
		jobs:      jobs,
		cfg:       cfg.WithDefaults(),
		now:       time.Now,
		running:   make(map[string]*Job),
		limiters:  make(map[string]*rate.Limiter),
		slots:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// workItem is a work list entry. Blank and repeated localities stay in the
// list as skipped items so that progress still adds up to the total.
type workItem struct {
	model.WorkItem
	skip bool
}

func workItems(req model.JobRequest) []workItem {
	localities := req.Localities
	if req.Limit > 0 && len(localities) > req.Limit {
		localities = localities[:req.Limit]
	}

	seen := make(map[string]bool, len(localities))
	items := make([]workItem, 0, len(localities))
	for i, locality := range localities {
		key := normalize.Text(locality)
		items = append(items, workItem{
			WorkItem: model.WorkItem{Index: i, Query: req.Query, Locality: locality},
			skip:     key == "" || seen[key],
		})
		seen[key] = true
	}
	return items
}

// Start validates req and launches the job in the background. The job runs
// until its work list is done or it is stopped; ctx only carries values.
//
// Parameters:
// - ctx context.Context: Context whose values the job inherits.
// - req model.JobRequest: The job to run.
//
// Returns:
// - *Job: A handle to control and await the job.
// - error: ErrInvalidJob or ErrUnknownSource when the job cannot start.
func (o *Orchestrator) Start(ctx context.Context, req model.JobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	adapter, ok := o.registry.Get(req.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, req.Source)
	}
	if adapter.Requires() != model.ResourceNone && o.pool == nil {
		return nil, fmt.Errorf("%w: source %s needs a %s pool", ErrInvalidJob, req.Source, adapter.Requires())
	}

	items := workItems(req)
	job := newJob(model.GenerateUUIDWithSuffix("job"), req)
	job.result = model.ResultSet{
		JobID:     job.ID,
		Source:    adapter.Name(),
		Status:    model.JobStatusRunning,
		Total:     len(items),
		StartedAt: o.now(),
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.jobs.Save(ctx, job.Snapshot()); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.running[job.ID] = job
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{"job_id": job.ID, "source": req.Source, "total": len(items)}).Info("job started")
	o.publish(model.Event{Type: model.EventJobStarted, JobID: job.ID, Progress: &model.ProgressEvent{
		JobID:   job.ID,
		Source:  adapter.Name(),
		Total:   len(items),
		Message: "job started",
	}})

	go o.run(ctx, job, adapter, items)
	return job, nil
}

// Run starts a job and waits for it. Cancelling ctx stops the job the same
// way Stop does.
func (o *Orchestrator) Run(ctx context.Context, req model.JobRequest) (model.ResultSet, error) {
	job, err := o.Start(ctx, req)
	if err != nil {
		return model.ResultSet{}, err
	}
	select {
	case <-job.Done():
	case <-ctx.Done():
		job.Stop()
	}
	return job.Wait(), nil
}

// Get returns a running job.
func (o *Orchestrator) Get(jobID string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.running[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Result returns the latest result of a running or finished job.
func (o *Orchestrator) Result(ctx context.Context, jobID string) (*model.ResultSet, error) {
	result, err := o.jobs.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return result, err
}

// Running lists the ids of jobs that have not finished.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// Stop asks a running job to stop after its in-flight items.
func (o *Orchestrator) Stop(jobID string) error {
	job, err := o.Get(jobID)
	if err != nil {
		return err
	}
	job.Stop()
	return nil
}

// Pause holds a running job between items.
func (o *Orchestrator) Pause(jobID string) error {
	job, err := o.Get(jobID)
	if err != nil {
		return err
	}
	return job.Pause()
}

// Resume releases a paused job.
func (o *Orchestrator) Resume(jobID string) error {
	job, err := o.Get(jobID)
	if err != nil {
		return err
	}
	return job.Resume()
}

func (o *Orchestrator) run(ctx context.Context, job *Job, adapter source.Adapter, items []workItem) {
	defer close(job.done)

	workers := o.workerCount(job.Request, adapter.Name(), len(items))
	queue := make(chan workItem)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				if !job.proceed() {
					continue
				}
				o.handle(ctx, job, adapter, item)
			}
		}()
	}

feed:
	for _, item := range items {
		if !job.proceed() {
			break
		}
		select {
		case queue <- item:
		case <-job.stop:
			break feed
		}
	}
	close(queue)
	wg.Wait()

	job.finish(o.now())
	result := job.Snapshot()
	if err := o.jobs.Save(ctx, result); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed to save job result")
	}

	o.mu.Lock()
	delete(o.running, job.ID)
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"job_id":             job.ID,
		"status":             result.Status,
		"succeeded":          result.Succeeded,
		"soft_failed":        result.SoftFailed,
		"hard_failed":        result.HardFailed,
		"validation_dropped": result.ValidationDropped,
	}).Info("job finished")
	o.publish(model.Event{Type: model.EventJobFinished, JobID: job.ID, Result: &result})
}

func (o *Orchestrator) workerCount(req model.JobRequest, sourceName string, items int) int {
	n := o.cfg.SourceLimitFor(sourceName).Concurrency
	if req.Concurrency > 0 && req.Concurrency < n {
		n = req.Concurrency
	}
	return max(1, min(n, items))
}

// handle runs one work item to a terminal state and reports progress.
func (o *Orchestrator) handle(ctx context.Context, job *Job, adapter source.Adapter, item workItem) {
	fields := logrus.Fields{"job_id": job.ID, "source": adapter.Name(), "locality": item.Locality}

	var message string
	switch {
	case item.skip:
		job.record(func(r *model.ResultSet) { r.Skipped++ })
		message = fmt.Sprintf("%q skipped", item.Locality)
	default:
		candidates, failure := o.cachedAttempt(ctx, job, adapter, item)
		if failure != nil {
			logrus.WithFields(fields).WithField("attempts", failure.Attempts).Warn(failure.Reason)
			job.record(func(r *model.ResultSet) {
				if failure.Kind == model.FailureHard {
					r.HardFailed++
				} else {
					r.SoftFailed++
				}
				r.Failures = append(r.Failures, *failure)
			})
			message = fmt.Sprintf("%s failed: %s", item.Locality, failure.Kind)
			break
		}
		submitted := o.forward(ctx, job, adapter, item, candidates)
		job.record(func(r *model.ResultSet) { r.Succeeded++ })
		message = fmt.Sprintf("%s: %d candidates", item.Locality, submitted)
	}

	snapshot := job.Snapshot()
	if err := o.jobs.Save(ctx, snapshot); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("failed to save job progress")
	}
	o.publish(model.Event{Type: model.EventProgress, JobID: job.ID, Progress: &model.ProgressEvent{
		JobID:     job.ID,
		Source:    adapter.Name(),
		Progress:  snapshot.Completed(),
		Total:     snapshot.Total,
		Message:   message,
		Timestamp: o.now(),
	}})
}

// searchResult is the cached form of one successful search.
type searchResult struct {
	Candidates []model.RawCandidate
}

func searchCacheKey(sourceName string, item workItem) string {
	return fmt.Sprintf("search:%s:%s:%s", sourceName, normalize.Text(item.Query), normalize.Text(item.Locality))
}

// cachedAttempt answers a work item from the search cache when it can and
// caches what attempt finds otherwise. Cache failures only cost a search.
func (o *Orchestrator) cachedAttempt(ctx context.Context, job *Job, adapter source.Adapter, item workItem) ([]model.RawCandidate, *model.ItemFailure) {
	if o.results == nil || o.cfg.SearchCacheTTLSec <= 0 {
		return o.attempt(ctx, job, adapter, item)
	}

	key := searchCacheKey(adapter.Name(), item)
	var cached searchResult
	hit, err := o.results.Get(ctx, key, &cached)
	if err != nil {
		logrus.WithField("key", key).WithError(err).Warn("search cache read failed")
	}
	if hit {
		return cached.Candidates, nil
	}

	candidates, failure := o.attempt(ctx, job, adapter, item)
	if failure == nil {
		ttl := time.Duration(o.cfg.SearchCacheTTLSec) * time.Second
		if err := o.results.Set(ctx, key, searchResult{Candidates: candidates}, ttl); err != nil {
			logrus.WithField("key", key).WithError(err).Warn("search cache write failed")
		}
	}
	return candidates, failure
}

// attempt searches one work item, each attempt on a freshly leased resource
// that excludes the ones that already failed it.
func (o *Orchestrator) attempt(ctx context.Context, job *Job, adapter source.Adapter, item workItem) ([]model.RawCandidate, *model.ItemFailure) {
	ctx, span := orchestratorTracer.Start(ctx, "ProcessWorkItem")
	defer span.End()

	kind := adapter.Requires()
	pause := o.retryBackoff()
	var (
		failedResources []string
		lastErr         error
		lastKind        = model.FailureSoft
		attempts        int
	)

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && !waitRetry(ctx, job, pause.NextBackOff()) {
			break
		}
		attempts = attempt

		var lease *model.Lease
		if kind != model.ResourceNone {
			var err error
			lease, err = o.pool.Lease(ctx, kind, failedResources...)
			if err != nil {
				lastErr, lastKind = err, model.FailureExhausted
				continue
			}
		}

		candidates, err := o.search(ctx, adapter, source.Request{
			JobID:    job.ID,
			Query:    item.Query,
			Locality: item.Locality,
			Lease:    lease,
		})
		if err == nil {
			if lease != nil {
				o.pool.Release(lease, model.OutcomeSuccess)
			}
			return candidates, nil
		}

		outcome := adapter.ClassifyError(err)
		if lease != nil {
			o.pool.Release(lease, outcome)
			failedResources = append(failedResources, lease.ResourceID)
		}
		lastErr = &AdapterError{Source: adapter.Name(), Outcome: outcome, Err: err}
		lastKind = model.FailureSoft
		if outcome == model.OutcomeHardFail {
			lastKind = model.FailureHard
		}
		span.RecordError(lastErr)
	}

	reason := "no attempt was made"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return nil, &model.ItemFailure{
		Locality: item.Locality,
		Kind:     lastKind,
		Attempts: attempts,
		Reason:   reason,
	}
}

// waitRetry pauses before the next attempt. It reports false when the job is
// stopped or ctx ends first.
func waitRetry(ctx context.Context, job *Job, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-job.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// search calls the adapter inside the source's concurrency ceiling and rate.
func (o *Orchestrator) search(ctx context.Context, adapter source.Adapter, req source.Request) ([]model.RawCandidate, error) {
	release, err := o.acquireSlot(ctx, adapter.Name())
	if err != nil {
		return nil, err
	}
	defer release()

	if limiter := o.limiter(adapter.Name()); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, config.Ms(o.cfg.RequestTimeoutMs))
	defer cancel()
	return adapter.Search(reqCtx, req)
}

// forward validates and stamps candidates and hands the valid ones to the sink.
func (o *Orchestrator) forward(ctx context.Context, job *Job, adapter source.Adapter, item workItem, candidates []model.RawCandidate) int {
	submitted := 0
	for i, c := range candidates {
		c.JobID = job.ID
		c.SourceID = adapter.Name()
		if c.CandidateID == "" {
			c.CandidateID = fmt.Sprintf("%s_%d_%d", job.ID, item.Index, i)
		}

		if err := c.Validate(); err != nil {
			verr := &ValidationError{CandidateID: c.CandidateID, Reason: "invalid candidate", Err: err}
			job.record(func(r *model.ResultSet) {
				r.ValidationDropped++
				r.Failures = append(r.Failures, model.ItemFailure{Locality: item.Locality, Kind: model.FailureValidation, Reason: verr.Error()})
			})
			o.publish(model.Event{Type: model.EventCandidateDropped, JobID: job.ID, Merge: &model.MergeEvent{
				JobID:       job.ID,
				CandidateID: c.CandidateID,
				Error:       verr.Error(),
			}})
			continue
		}

		if err := o.sink.Submit(ctx, c); err != nil {
			logrus.WithFields(logrus.Fields{"job_id": job.ID, "candidate_id": c.CandidateID}).WithError(err).Error("failed to hand candidate to ingest")
			if err := o.jobs.IncrIngest(ctx, job.ID, model.IngestFailed); err != nil {
				logrus.WithField("job_id", job.ID).WithError(err).Warn("failed to update ingest counter")
			}
			continue
		}
		submitted++
	}
	job.record(func(r *model.ResultSet) { r.Candidates += submitted })
	return submitted
}

func (o *Orchestrator) retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.Ms(o.cfg.RetryBackoffMs)
	b.MaxInterval = config.Ms(o.cfg.RetryBackoffCapMs)
	b.MaxElapsedTime = 0
	return b
}

func (o *Orchestrator) acquireSlot(ctx context.Context, sourceName string) (func(), error) {
	o.mu.Lock()
	slot, ok := o.slots[sourceName]
	if !ok {
		slot = make(chan struct{}, o.cfg.SourceLimitFor(sourceName).Concurrency)
		o.slots[sourceName] = slot
	}
	o.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) limiter(sourceName string) *rate.Limiter {
	rps := o.cfg.SourceLimitFor(sourceName).RequestsPerSecond
	if rps <= 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[sourceName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
		o.limiters[sourceName] = l
	}
	return l
}

func (o *Orchestrator) publish(event model.Event) {
	if o.publisher != nil {
		o.publisher.Publish(event)
	}
}

// Job is the handle of a running job.
type Job struct {
	ID      string
	Request model.JobRequest

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	gate   chan struct{}
	paused bool
	result model.ResultSet
}

func newJob(id string, req model.JobRequest) *Job {
	gate := make(chan struct{})
	close(gate)
	return &Job{
		ID:      id,
		Request: req,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		gate:    gate,
	}
}

// Stop asks the job to stop. Items already being worked on are finished.
func (j *Job) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Job) stopped() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

// Pause holds the job before its next item.
func (j *Job) Pause() error {
	if j.stopped() {
		return ErrJobStopped
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.paused {
		j.paused = true
		j.gate = make(chan struct{})
		j.result.Status = model.JobStatusPaused
	}
	return nil
}

// Resume lets a paused job continue.
func (j *Job) Resume() error {
	if j.stopped() {
		return ErrJobStopped
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.paused {
		j.paused = false
		close(j.gate)
		j.result.Status = model.JobStatusRunning
	}
	return nil
}

// proceed blocks while the job is paused and reports whether the next item
// may start.
func (j *Job) proceed() bool {
	j.mu.Lock()
	gate := j.gate
	j.mu.Unlock()

	select {
	case <-gate:
	case <-j.stop:
		return false
	}
	return !j.stopped()
}

func (j *Job) record(update func(r *model.ResultSet)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	update(&j.result)
}

func (j *Job) finish(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result.FinishedAt = at
	j.result.Status = model.JobStatusCompleted
	if j.stopped() && j.result.Completed() < j.result.Total {
		j.result.Status = model.JobStatusStopped
	}
}

// Snapshot returns a copy of the job's current result.
func (j *Job) Snapshot() model.ResultSet {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.result
	r.Failures = append([]model.ItemFailure(nil), j.result.Failures...)
	return r
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job has finished and returns its result.
func (j *Job) Wait() model.ResultSet {
	<-j.done
	return j.Snapshot()
}
