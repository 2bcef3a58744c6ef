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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/database"
	redlock "github.com/blnkfinance/prospekt/internal/lock"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/source"
)

var (
	ErrScheduleNotFound = database.ErrScheduleNotFound
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// ScheduleStore is the persistence the scheduler needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]model.Schedule, error)
	UpdateSchedule(ctx context.Context, s *model.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error)
}

// JobStarter launches scraping jobs. *Orchestrator is one.
type JobStarter interface {
	Start(ctx context.Context, req model.JobRequest) (*Job, error)
}

// Scheduler fires scraping jobs from stored schedules. Several processes may
// poll the same store: firing a schedule happens under its key lock and
// re-checks the stored next run, so a due schedule starts one job.
type Scheduler struct {
	store    ScheduleStore
	starter  JobStarter
	registry *source.Registry
	locker   redlock.KeyLocker
	cfg      config.SchedulerConfig
	loc      *time.Location
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewScheduler(store ScheduleStore, starter JobStarter, registry *source.Registry, locker redlock.KeyLocker, cfg config.SchedulerConfig) *Scheduler {
	cfg = cfg.WithDefaults()
	if locker == nil {
		locker = redlock.NewMemoryLocker(5 * time.Second)
	}
	return &Scheduler{
		store:    store,
		starter:  starter,
		registry: registry,
		locker:   locker,
		cfg:      cfg,
		loc:      cfg.Location(),
		now:      time.Now,
	}
}

func scheduleLockKey(id string) string {
	return "schedule:" + id
}

func (s *Scheduler) clock() time.Time {
	return s.now().In(s.loc)
}

func (s *Scheduler) validate(sch model.Schedule) error {
	if err := sch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if s.registry != nil {
		if _, ok := s.registry.Get(sch.Job.Source); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSource, sch.Job.Source)
		}
	}
	return nil
}

// Create stores a new schedule and computes its first run.
func (s *Scheduler) Create(ctx context.Context, sch model.Schedule) (*model.Schedule, error) {
	if sch.Status == "" {
		sch.Status = model.ScheduleActive
	}
	if err := s.validate(sch); err != nil {
		return nil, err
	}
	now := s.clock()
	sch.ID = model.GenerateUUIDWithSuffix("sch")
	sch.NextRun = sch.NextAfter(now)
	sch.LastRun, sch.LastResult = nil, nil
	sch.TotalRuns, sch.TotalCandidates, sch.SuccessRate = 0, 0, 100
	sch.CreatedAt = now
	if err := s.store.CreateSchedule(ctx, &sch); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"schedule_id": sch.ID, "next_run": sch.NextRun}).Info("schedule created")
	return &sch, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*model.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, activeOnly bool) ([]model.Schedule, error) {
	return s.store.ListSchedules(ctx, activeOnly)
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// Update replaces the editable fields of a schedule. The next run is
// recomputed when the timing changes or the schedule is reactivated.
func (s *Scheduler) Update(ctx context.Context, id string, changes model.Schedule) (*model.Schedule, error) {
	var updated *model.Schedule
	err := s.withSchedule(ctx, id, func(sch *model.Schedule) error {
		retimed := sch.Frequency != changes.Frequency ||
			sch.Hour != changes.Hour ||
			sch.Minute != changes.Minute ||
			sch.IntervalMinutes != changes.IntervalMinutes ||
			!sameDays(sch.DaysOfWeek, changes.DaysOfWeek)
		wasActive := sch.IsActive()

		sch.Name = changes.Name
		sch.Description = changes.Description
		sch.Job = changes.Job
		sch.Frequency = changes.Frequency
		sch.Hour = changes.Hour
		sch.Minute = changes.Minute
		sch.DaysOfWeek = changes.DaysOfWeek
		sch.IntervalMinutes = changes.IntervalMinutes
		if changes.Status != "" {
			sch.Status = changes.Status
		}
		if err := s.validate(*sch); err != nil {
			return err
		}
		if retimed || (!wasActive && sch.IsActive()) {
			sch.NextRun = sch.NextAfter(s.clock())
		}
		updated = sch
		return nil
	})
	return updated, err
}

// SetStatus pauses or resumes a schedule. A resumed schedule skips the runs
// it missed while paused.
func (s *Scheduler) SetStatus(ctx context.Context, id string, status model.ScheduleStatus) (*model.Schedule, error) {
	var updated *model.Schedule
	err := s.withSchedule(ctx, id, func(sch *model.Schedule) error {
		if status != model.ScheduleActive && status != model.SchedulePaused {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidSchedule, status)
		}
		if status == model.ScheduleActive && !sch.IsActive() {
			sch.NextRun = sch.NextAfter(s.clock())
		}
		sch.Status = status
		updated = sch
		return nil
	})
	return updated, err
}

func sameDays(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// withSchedule reads, changes and writes a schedule under its key lock.
func (s *Scheduler) withSchedule(ctx context.Context, id string, change func(sch *model.Schedule) error) error {
	release, err := s.locker.Acquire(ctx, []string{scheduleLockKey(id)})
	if err != nil {
		return err
	}
	defer release()

	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := change(sch); err != nil {
		return err
	}
	return s.store.UpdateSchedule(ctx, sch)
}

// RunNow fires a schedule immediately, whatever its status. Its next run is
// left alone. A job that fails to start is still recorded as a failed run.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*Job, error) {
	var (
		job      *Job
		startErr error
	)
	err := s.withSchedule(ctx, id, func(sch *model.Schedule) error {
		job, startErr = s.fire(ctx, sch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, startErr
}

// Tick fires every due schedule once and returns how many jobs it started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.store.DueSchedules(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, candidate := range due {
		started := false
		err := s.withSchedule(ctx, candidate.ID, func(sch *model.Schedule) error {
			now := s.clock()
			if !sch.IsDue(now) {
				return errScheduleSkipped
			}
			sch.NextRun = sch.NextAfter(now)
			job, err := s.fire(ctx, sch)
			if err != nil {
				logrus.WithError(err).WithField("schedule_id", sch.ID).Warn("scheduled job did not start")
			}
			started = job != nil
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, errScheduleSkipped), errors.Is(err, redlock.ErrLockTimeout), errors.Is(err, ErrScheduleNotFound):
			// another process fired, edited or removed it
			logrus.WithField("schedule_id", candidate.ID).Debug("schedule skipped")
		default:
			logrus.WithError(err).WithField("schedule_id", candidate.ID).Error("failed to fire schedule")
		}
		if started {
			fired++
		}
	}
	return fired, nil
}

var errScheduleSkipped = errors.New("schedule no longer due")

// fire starts the schedule's job. A job that fails to start is recorded as a
// failed run straight away; a started job is recorded once it finishes.
func (s *Scheduler) fire(ctx context.Context, sch *model.Schedule) (*Job, error) {
	startedAt := s.now()
	job, err := s.starter.Start(ctx, sch.Job)
	if err != nil {
		sch.RecordRun(model.ScheduleRun{Error: err.Error(), ExecutedAt: startedAt})
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"schedule_id": sch.ID, "job_id": job.ID, "next_run": sch.NextRun}).Info("scheduled job started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.track(context.WithoutCancel(ctx), sch.ID, job, startedAt)
	}()
	return job, nil
}

// track waits for a fired job and folds its result into the schedule.
func (s *Scheduler) track(ctx context.Context, id string, job *Job, startedAt time.Time) {
	res := job.Wait()
	run := model.ScheduleRun{
		JobID:      job.ID,
		Success:    res.Total == 0 || res.Failed() < res.Total,
		Candidates: res.Candidates,
		DurationMS: s.now().Sub(startedAt).Milliseconds(),
		ExecutedAt: startedAt,
	}
	if !run.Success {
		run.Error = fmt.Sprintf("all %d work items failed", res.Total)
	}
	err := s.withSchedule(ctx, id, func(sch *model.Schedule) error {
		sch.RecordRun(run)
		return nil
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"schedule_id": id, "job_id": job.ID}).Error("failed to record scheduled run")
		return
	}
	logrus.WithFields(logrus.Fields{"schedule_id": id, "job_id": job.ID, "candidates": run.Candidates, "success": run.Success}).Info("scheduled run recorded")
}

// Run polls for due schedules until ctx ends. Runs still being tracked are
// recorded when their jobs finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()
	logrus.WithFields(logrus.Fields{"poll_interval_sec": s.cfg.PollIntervalSec, "timezone": s.loc.String()}).Info("scheduler started")

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until every tracked run has been recorded.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
