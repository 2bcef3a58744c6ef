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
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/blnkfinance/prospekt/model"
)

var scheduleColumns = []string{
	"id", "name", "description", "job", "frequency", "hour", "minute", "days_of_week",
	"interval_minutes", "status", "next_run", "last_run", "last_result",
	"total_runs", "total_candidates", "success_rate", "created_by", "created_at", "updated_at",
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	s := &model.Schedule{}
	var (
		jobJSON, daysJSON, resultJSON []byte
		frequency, status             string
		lastRun                       sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &jobJSON, &frequency, &s.Hour, &s.Minute, &daysJSON,
		&s.IntervalMinutes, &status, &s.NextRun, &lastRun, &resultJSON,
		&s.TotalRuns, &s.TotalCandidates, &s.SuccessRate, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Frequency = model.ScheduleFrequency(frequency)
	s.Status = model.ScheduleStatus(status)
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	if err := json.Unmarshal(jobJSON, &s.Job); err != nil {
		return nil, err
	}
	if len(daysJSON) > 0 {
		if err := json.Unmarshal(daysJSON, &s.DaysOfWeek); err != nil {
			return nil, err
		}
	}
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		s.LastResult = &model.ScheduleRun{}
		if err := json.Unmarshal(resultJSON, s.LastResult); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type scheduleDocs struct {
	job, days, result []byte
}

func marshalSchedule(s *model.Schedule) (scheduleDocs, error) {
	var (
		docs scheduleDocs
		err  error
	)
	if docs.job, err = json.Marshal(s.Job); err != nil {
		return docs, err
	}
	if docs.days, err = json.Marshal(s.DaysOfWeek); err != nil {
		return docs, err
	}
	if docs.result, err = json.Marshal(s.LastResult); err != nil {
		return docs, err
	}
	return docs, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateSchedule inserts a new schedule.
func (d Datasource) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	docs, err := marshalSchedule(s)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = s.CreatedAt

	query, args, err := psql.Insert("schedules").
		Columns(scheduleColumns...).
		Values(
			s.ID, s.Name, s.Description, docs.job, string(s.Frequency), s.Hour, s.Minute, docs.days,
			s.IntervalMinutes, string(s.Status), s.NextRun, nullableTime(s.LastRun), docs.result,
			s.TotalRuns, s.TotalCandidates, s.SuccessRate, s.CreatedBy, s.CreatedAt, s.UpdatedAt,
		).ToSql()
	if err != nil {
		return err
	}
	_, err = d.Conn.ExecContext(ctx, query, args...)
	return classify(err)
}

// GetSchedule retrieves a schedule by id.
func (d Datasource) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	query, args, err := psql.Select(scheduleColumns...).
		From("schedules").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	s, err := scanSchedule(d.Conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// ListSchedules lists schedules ordered by name.
func (d Datasource) ListSchedules(ctx context.Context, activeOnly bool) ([]model.Schedule, error) {
	q := psql.Select(scheduleColumns...).From("schedules").OrderBy("name ASC", "id ASC")
	if activeOnly {
		q = q.Where(sq.Eq{"status": string(model.ScheduleActive)})
	}
	return d.querySchedules(ctx, q)
}

// DueSchedules lists the active schedules whose next run is not after now.
func (d Datasource) DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	q := psql.Select(scheduleColumns...).
		From("schedules").
		Where(sq.Eq{"status": string(model.ScheduleActive)}).
		Where(sq.LtOrEq{"next_run": now}).
		OrderBy("next_run ASC", "id ASC")
	return d.querySchedules(ctx, q)
}

func (d Datasource) querySchedules(ctx context.Context, q sq.SelectBuilder) ([]model.Schedule, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []model.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, classify(rows.Err())
}

// UpdateSchedule rewrites every mutable column of a schedule.
func (d Datasource) UpdateSchedule(ctx context.Context, s *model.Schedule) error {
	docs, err := marshalSchedule(s)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now()

	query, args, err := psql.Update("schedules").
		SetMap(map[string]interface{}{
			"name":             s.Name,
			"description":      s.Description,
			"job":              docs.job,
			"frequency":        string(s.Frequency),
			"hour":             s.Hour,
			"minute":           s.Minute,
			"days_of_week":     docs.days,
			"interval_minutes": s.IntervalMinutes,
			"status":           string(s.Status),
			"next_run":         s.NextRun,
			"last_run":         nullableTime(s.LastRun),
			"last_result":      docs.result,
			"total_runs":       s.TotalRuns,
			"total_candidates": s.TotalCandidates,
			"success_rate":     s.SuccessRate,
			"updated_at":       s.UpdatedAt,
		}).
		Where(sq.Eq{"id": s.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return d.execSchedule(ctx, query, args)
}

// DeleteSchedule removes a schedule.
func (d Datasource) DeleteSchedule(ctx context.Context, id string) error {
	query, args, err := psql.Delete("schedules").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	return d.execSchedule(ctx, query, args)
}

func (d Datasource) execSchedule(ctx context.Context, query string, args []interface{}) error {
	res, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}
