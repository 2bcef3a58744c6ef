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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/prospekt/config"
	redis_db "github.com/blnkfinance/prospekt/internal/redis-db"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/scoring"
)

// Queue is the cross-process CandidateSink. Candidates are enqueued on one of
// several ingest queues chosen by hashing their primary identity key, so that
// candidates sharing that key land on the same queue.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cfg       config.QueueConfig
}

// NewQueue initializes a Queue from the redis and queue configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the redis DNS cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		cfg:       conf.Queue,
	}, nil
}

// Submit enqueues a candidate for scoring and merging by a worker. The
// candidate id is the task id, so a candidate still waiting in a queue is not
// enqueued twice.
func (q *Queue) Submit(ctx context.Context, c model.RawCandidate) error {
	ctx, span := ingestTracer.Start(ctx, "Enqueue Candidate")
	defer span.End()

	if c.CandidateID == "" {
		c.CandidateID = model.GenerateUUIDWithSuffix("cnd")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}

	info, err := q.Client.EnqueueContext(ctx, q.ingestTask(c, payload))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{"candidate_id": c.CandidateID, "queue": info.Queue}).Debug("candidate enqueued")
	return nil
}

func (q *Queue) ingestTask(c model.RawCandidate, payload []byte) *asynq.Task {
	queueName := q.QueueFor(identityOf(c).primary())
	return asynq.NewTask(queueName, payload,
		asynq.TaskID(c.CandidateID),
		asynq.Queue(queueName),
		asynq.MaxRetry(q.cfg.MaxRetry),
	)
}

// QueueFor names the ingest queue that owns an identity key.
func (q *Queue) QueueFor(key string) string {
	return ingestQueueName(q.cfg, hashKey(key)%q.cfg.NumberOfQueues)
}

// Close releases the queue's redis connections.
func (q *Queue) Close() error {
	return errors.Join(q.Client.Close(), q.Inspector.Close())
}

func ingestQueueName(cfg config.QueueConfig, index int) string {
	return fmt.Sprintf("%s_%d", cfg.IngestQueue, index+1)
}

// IngestQueues lists every ingest queue with its asynq priority.
func IngestQueues(cfg config.QueueConfig) map[string]int {
	queues := make(map[string]int, cfg.NumberOfQueues)
	for i := 0; i < cfg.NumberOfQueues; i++ {
		queues[ingestQueueName(cfg, i)] = 1
	}
	return queues
}

// hashKey returns a consistent hash value for an identity key.
func hashKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}

// RegisterIngestHandlers routes every ingest queue to the ingester.
func RegisterIngestHandlers(mux *asynq.ServeMux, cfg config.QueueConfig, ingester Ingester) {
	handler := IngestTaskHandler(ingester)
	for name := range IngestQueues(cfg) {
		mux.HandleFunc(name, handler)
	}
}

// IngestTaskHandler scores and ingests one queued candidate. Validation
// failures and refused merges are not retried; storage failures are.
func IngestTaskHandler(ingester Ingester) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("prospekt.ingest.worker").Start(ctx, "Process Candidate From Redis Queue")
		defer span.End()

		var c model.RawCandidate
		if err := json.Unmarshal(t.Payload(), &c); err != nil {
			logrus.Error(err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		result, err := ingester.Ingest(ctx, scoring.ScoreCandidate(c))
		if err != nil {
			if IsValidationError(err) || IsInvariantViolation(err) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			logrus.Infof("Candidate %s pushed back for retry due to error: %v", c.CandidateID, err)
			return err
		}

		logrus.WithFields(logrus.Fields{"candidate_id": c.CandidateID, "outcome": result.Outcome}).Info(" [*] Candidate processed")
		return nil
	}
}
