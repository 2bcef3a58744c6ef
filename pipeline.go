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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/scoring"
)

// IngestSLA bounds the time from a candidate being submitted to its outcome
// being visible in the store. It is also the per-candidate ingest deadline.
const IngestSLA = 10 * time.Second

// CandidateSink receives raw candidates and reconciles them asynchronously.
type CandidateSink interface {
	Submit(ctx context.Context, c model.RawCandidate) error
}

// Ingester reconciles one scored candidate.
type Ingester interface {
	Ingest(ctx context.Context, sc model.ScoredCandidate) (*IngestResult, error)
}

// Pipeline is the in-process scoring and merge stage: a bounded buffer drained
// by a fixed set of workers.
type Pipeline struct {
	ingester Ingester
	workers  int
	queue    chan model.RawCandidate

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline. Call Start before submitting.
func NewPipeline(ingester Ingester, workers, buffer int) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Pipeline{
		ingester: ingester,
		workers:  workers,
		queue:    make(chan model.RawCandidate, buffer),
	}
}

// Start launches the workers. Candidates already buffered when ctx is
// cancelled are still ingested; use Stop to drain and wait.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	base := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(base)
	}
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for c := range p.queue {
		p.process(ctx, c)
	}
}

func (p *Pipeline) process(ctx context.Context, c model.RawCandidate) {
	ctx, cancel := context.WithTimeout(ctx, IngestSLA)
	defer cancel()

	sc := scoring.ScoreCandidate(c)
	if _, err := p.ingester.Ingest(ctx, sc); err != nil {
		logrus.WithFields(logrus.Fields{"candidate_id": c.CandidateID, "job_id": c.JobID}).WithError(err).Debug("pipeline ingest failed")
	}
}

// Submit buffers c for scoring and merging. It blocks while the buffer is full
// and gives up with ErrPipelineOverload when ctx ends first.
func (p *Pipeline) Submit(ctx context.Context, c model.RawCandidate) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineStopped
	}

	select {
	case p.queue <- c:
		return nil
	case <-ctx.Done():
		return ErrPipelineOverload
	}
}

// Pending is the number of buffered candidates not yet picked up.
func (p *Pipeline) Pending() int {
	return len(p.queue)
}

// Stop refuses new submissions, lets the workers drain the buffer and waits
// for them or for ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
