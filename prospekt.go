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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/database"
	"github.com/blnkfinance/prospekt/fanout"
	"github.com/blnkfinance/prospekt/internal/cache"
	"github.com/blnkfinance/prospekt/internal/jobstore"
	redlock "github.com/blnkfinance/prospekt/internal/lock"
	redis_db "github.com/blnkfinance/prospekt/internal/redis-db"
	"github.com/blnkfinance/prospekt/pool"
	"github.com/blnkfinance/prospekt/source"
	"github.com/blnkfinance/prospekt/source/directory"
)

const (
	lockKeyPrefix = "prospekt:lock:"
	jobKeyPrefix  = "prospekt:job:"
	jobResultTTL  = 7 * 24 * time.Hour

	searchCacheLocalTTL = time.Minute
)

// Prospekt holds the wired ingestion pipeline: pools, orchestrator, merge
// engine, fanout and the job scheduler.
type Prospekt struct {
	datasource   database.IDataSource
	redis        redis.UniversalClient
	pool         *pool.Manager
	broker       *fanout.Broker
	bridge       *fanout.RedisBridge
	jobs         jobstore.Store
	engine       *MergeEngine
	pipeline     *Pipeline
	queue        *Queue
	sink         CandidateSink
	registry     *source.Registry
	orchestrator *Orchestrator
	scheduler    *Scheduler
}

type Option func(*Prospekt)

// WithRedisClient uses client instead of connecting to the configured redis.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(p *Prospekt) {
		p.redis = client
	}
}

// WithQueue makes jobs hand their candidates to the ingest queue instead of
// the in-process pipeline.
func WithQueue(q *Queue) Option {
	return func(p *Prospekt) {
		p.queue = q
	}
}

// WithAdapters registers adapters next to the configured directory sources.
func WithAdapters(adapters ...source.Adapter) Option {
	return func(p *Prospekt) {
		for _, a := range adapters {
			if err := p.registry.Register(a); err != nil {
				logrus.WithError(err).Warn("adapter not registered")
			}
		}
	}
}

// WithPool replaces the empty resource pool the instance starts with.
func WithPool(m *pool.Manager) Option {
	return func(p *Prospekt) {
		p.pool = m
	}
}

// NewProspekt wires a new instance around the given data source.
// When redis is configured, merge locks, job results and events are shared
// through it; otherwise they stay in this process.
//
// Parameters:
// - db database.IDataSource: The prospect store.
// - opts ...Option: Optional overrides.
//
// Returns:
// - *Prospekt: The wired instance.
// - error: An error if the configuration, redis or a directory source is invalid.
func NewProspekt(db database.IDataSource, opts ...Option) (*Prospekt, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	p := &Prospekt{datasource: db, registry: source.NewRegistry()}
	for _, d := range cfg.Directories {
		adapter, err := directory.New(d)
		if err != nil {
			return nil, fmt.Errorf("directory source %s: %w", d.Name, err)
		}
		if err := p.registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.redis == nil && cfg.Redis.Dns != "" {
		p.redis, err = redis_db.NewRedisClient(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		p.pool = pool.NewManager(cfg.Pool)
	}

	var locker redlock.KeyLocker
	p.broker = fanout.NewBroker(cfg.Fanout.SubscriberBuffer)
	if p.redis != nil {
		locker = redlock.NewRedisLocker(p.redis, lockKeyPrefix, config.Ms(cfg.Merge.LockTTLMs), config.Ms(cfg.Merge.LockWaitMs))
		p.jobs = jobstore.NewRedisStore(p.redis, jobKeyPrefix, jobResultTTL)
		p.bridge = fanout.NewRedisBridge(p.broker, p.redis, cfg.Fanout.RedisChannel)
	} else {
		locker = redlock.NewMemoryLocker(config.Ms(cfg.Merge.LockWaitMs))
		p.jobs = jobstore.NewMemoryStore()
	}

	p.engine = NewMergeEngine(db, locker, p.broker, cfg.Merge, WithJobStore(p.jobs))
	p.pipeline = NewPipeline(p.engine, cfg.Merge.PipelineWorkers, cfg.Merge.PipelineBuffer)
	p.sink = p.pipeline
	if p.queue != nil {
		p.sink = p.queue
	}
	var orchestratorOpts []OrchestratorOption
	if cfg.Orchestrator.SearchCacheTTLSec > 0 {
		orchestratorOpts = append(orchestratorOpts, WithSearchCache(cache.NewCache(p.redis, searchCacheLocalTTL)))
	}
	p.orchestrator = NewOrchestrator(p.registry, p.pool, p.sink, p.broker, p.jobs, cfg.Orchestrator, orchestratorOpts...)
	p.scheduler = NewScheduler(db, p.orchestrator, p.registry, locker, cfg.Scheduler)
	return p, nil
}

// Start runs the in-process pipeline and, with redis, the event bridge.
func (p *Prospekt) Start(ctx context.Context) {
	p.pipeline.Start(ctx)
	if p.bridge != nil {
		go func() {
			if err := p.bridge.Run(ctx); err != nil {
				logrus.WithError(err).Error("event bridge stopped")
			}
		}()
	}
}

// Shutdown stops accepting candidates, drains the pipeline and closes the
// fanout and connections.
func (p *Prospekt) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.pipeline.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pipeline: %w", err))
	}
	p.broker.Close()
	if p.queue != nil {
		errs = append(errs, p.queue.Close())
	}
	if p.redis != nil {
		errs = append(errs, p.redis.Close())
	}
	return errors.Join(errs...)
}

func (p *Prospekt) DataSource() database.IDataSource { return p.datasource }
func (p *Prospekt) Pool() *pool.Manager              { return p.pool }
func (p *Prospekt) Broker() *fanout.Broker           { return p.broker }
func (p *Prospekt) Jobs() jobstore.Store             { return p.jobs }
func (p *Prospekt) Engine() *MergeEngine             { return p.engine }
func (p *Prospekt) Sink() CandidateSink              { return p.sink }
func (p *Prospekt) Registry() *source.Registry       { return p.registry }
func (p *Prospekt) Orchestrator() *Orchestrator      { return p.orchestrator }
func (p *Prospekt) Scheduler() *Scheduler            { return p.scheduler }
