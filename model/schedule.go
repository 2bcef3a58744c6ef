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
package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ScheduleFrequency selects how the next run of a schedule is computed.
type ScheduleFrequency string

const (
	FrequencyHourly ScheduleFrequency = "hourly"
	FrequencyDaily  ScheduleFrequency = "daily"
	FrequencyWeekly ScheduleFrequency = "weekly"
	FrequencyCustom ScheduleFrequency = "custom"
)

type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// DefaultScheduleInterval is used by custom schedules that carry no interval.
const DefaultScheduleInterval = 24 * 60

// ScheduleRun is the outcome of one job fired by a schedule.
type ScheduleRun struct {
	JobID      string    `json:"job_id,omitempty"`
	Success    bool      `json:"success"`
	Candidates int       `json:"candidates"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Schedule fires a scraping job on a recurring basis.
//
// Hour and Minute are read in the scheduler's time zone. DaysOfWeek holds
// time.Weekday values, 0 being Sunday, and only applies to weekly schedules.
type Schedule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Job             JobRequest        `json:"job"`
	Frequency       ScheduleFrequency `json:"frequency"`
	Hour            int               `json:"hour"`
	Minute          int               `json:"minute"`
	DaysOfWeek      []int             `json:"days_of_week,omitempty"`
	IntervalMinutes int               `json:"interval_minutes,omitempty"`
	Status          ScheduleStatus    `json:"status"`
	NextRun         time.Time         `json:"next_run"`
	LastRun         *time.Time        `json:"last_run,omitempty"`
	LastResult      *ScheduleRun      `json:"last_result,omitempty"`
	TotalRuns       int               `json:"total_runs"`
	TotalCandidates int               `json:"total_candidates"`
	SuccessRate     int               `json:"success_rate"`
	CreatedBy       string            `json:"created_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s Schedule) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.Job),
		validation.Field(&s.Frequency, validation.Required, validation.In(FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyCustom)),
		validation.Field(&s.Hour, validation.Min(0), validation.Max(23)),
		validation.Field(&s.Minute, validation.Min(0), validation.Max(59)),
		validation.Field(&s.DaysOfWeek, validation.Each(validation.Min(0), validation.Max(6))),
		validation.Field(&s.IntervalMinutes, validation.Min(0)),
		validation.Field(&s.Status, validation.In(ScheduleActive, SchedulePaused)),
	)
}

func (s Schedule) IsActive() bool {
	return s.Status == ScheduleActive
}

// IsDue reports whether an active schedule should fire at now.
func (s Schedule) IsDue(now time.Time) bool {
	return s.IsActive() && !s.NextRun.After(now)
}

// NextAfter returns the first firing time strictly after now, in now's location.
// Weekly schedules without days fire on Mondays.
func (s Schedule) NextAfter(now time.Time) time.Time {
	loc := now.Location()
	y, m, d := now.Date()
	switch s.Frequency {
	case FrequencyHourly:
		next := time.Date(y, m, d, now.Hour(), s.Minute, 0, 0, loc)
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next
	case FrequencyDaily:
		next := time.Date(y, m, d, s.Hour, s.Minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+1, s.Hour, s.Minute, 0, 0, loc)
		}
		return next
	case FrequencyWeekly:
		days := s.DaysOfWeek
		if len(days) == 0 {
			days = []int{int(time.Monday)}
		}
		for offset := 0; offset <= 7; offset++ {
			next := time.Date(y, m, d+offset, s.Hour, s.Minute, 0, 0, loc)
			if next.After(now) && containsDay(days, next.Weekday()) {
				return next
			}
		}
		return time.Date(y, m, d+7, s.Hour, s.Minute, 0, 0, loc)
	default:
		interval := s.IntervalMinutes
		if interval <= 0 {
			interval = DefaultScheduleInterval
		}
		return now.Add(time.Duration(interval) * time.Minute)
	}
}

func containsDay(days []int, day time.Weekday) bool {
	for _, d := range days {
		if d == int(day) {
			return true
		}
	}
	return false
}

// RecordRun folds a run into the schedule's counters. The success rate is a
// running integer percentage over all runs.
func (s *Schedule) RecordRun(run ScheduleRun) {
	s.TotalRuns++
	s.TotalCandidates += run.Candidates
	hit := 0
	if run.Success {
		hit = 100
	}
	s.SuccessRate = (s.SuccessRate*(s.TotalRuns-1) + hit) / s.TotalRuns
	executed := run.ExecutedAt
	s.LastRun = &executed
	s.LastResult = &run
}
