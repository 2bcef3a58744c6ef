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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_NextAfter(t *testing.T) {
	// Wednesday
	now := time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule Schedule
		want     time.Time
	}{
		{
			name:     "hourly later this hour",
			schedule: Schedule{Frequency: FrequencyHourly, Minute: 45},
			want:     time.Date(2025, 3, 12, 10, 45, 0, 0, time.UTC),
		},
		{
			name:     "hourly minute already passed",
			schedule: Schedule{Frequency: FrequencyHourly, Minute: 15},
			want:     time.Date(2025, 3, 12, 11, 15, 0, 0, time.UTC),
		},
		{
			name:     "hourly exactly now moves on",
			schedule: Schedule{Frequency: FrequencyHourly, Minute: 30},
			want:     time.Date(2025, 3, 12, 11, 30, 0, 0, time.UTC),
		},
		{
			name:     "daily later today",
			schedule: Schedule{Frequency: FrequencyDaily, Hour: 18},
			want:     time.Date(2025, 3, 12, 18, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily tomorrow",
			schedule: Schedule{Frequency: FrequencyDaily, Hour: 6},
			want:     time.Date(2025, 3, 13, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily across month end",
			schedule: Schedule{Frequency: FrequencyDaily, Hour: 6},
			want:     time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "weekly later the same day",
			schedule: Schedule{Frequency: FrequencyWeekly, Hour: 12, DaysOfWeek: []int{int(time.Wednesday)}},
			want:     time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "weekly same day already passed",
			schedule: Schedule{Frequency: FrequencyWeekly, Hour: 6, DaysOfWeek: []int{int(time.Wednesday)}},
			want:     time.Date(2025, 3, 19, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "weekly picks nearest listed day",
			schedule: Schedule{Frequency: FrequencyWeekly, Hour: 6, DaysOfWeek: []int{int(time.Monday), int(time.Friday)}},
			want:     time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "weekly defaults to monday",
			schedule: Schedule{Frequency: FrequencyWeekly, Hour: 6},
			want:     time.Date(2025, 3, 17, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "custom interval",
			schedule: Schedule{Frequency: FrequencyCustom, IntervalMinutes: 90},
			want:     time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "custom without interval waits a day",
			schedule: Schedule{Frequency: FrequencyCustom},
			want:     time.Date(2025, 3, 13, 10, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from := now
			if tt.name == "daily across month end" {
				from = time.Date(2025, 3, 31, 7, 0, 0, 0, time.UTC)
			}
			assert.Equal(t, tt.want, tt.schedule.NextAfter(from))
		})
	}
}

func TestSchedule_NextAfterKeepsWallClockAcrossDST(t *testing.T) {
	zurich, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)

	// Clocks move forward on the night of 2025-03-30.
	now := time.Date(2025, 3, 29, 7, 0, 0, 0, zurich)
	s := Schedule{Frequency: FrequencyDaily, Hour: 6}

	next := s.NextAfter(now)
	assert.Equal(t, time.Date(2025, 3, 30, 6, 0, 0, 0, zurich), next)
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 22*time.Hour, next.Sub(now))
}

func TestSchedule_IsDue(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)

	s := Schedule{Status: ScheduleActive, NextRun: now}
	assert.True(t, s.IsDue(now))

	s.NextRun = now.Add(time.Second)
	assert.False(t, s.IsDue(now))

	s.NextRun = now.Add(-time.Hour)
	s.Status = SchedulePaused
	assert.False(t, s.IsDue(now))
}

func TestSchedule_RecordRun(t *testing.T) {
	executed := time.Date(2025, 3, 12, 6, 0, 0, 0, time.UTC)
	s := Schedule{SuccessRate: 100}

	s.RecordRun(ScheduleRun{JobID: "job_1", Success: true, Candidates: 12, ExecutedAt: executed})
	assert.Equal(t, 1, s.TotalRuns)
	assert.Equal(t, 12, s.TotalCandidates)
	assert.Equal(t, 100, s.SuccessRate)
	require.NotNil(t, s.LastRun)
	assert.Equal(t, executed, *s.LastRun)

	s.RecordRun(ScheduleRun{JobID: "job_2", Error: "unknown source", ExecutedAt: executed.Add(time.Hour)})
	assert.Equal(t, 2, s.TotalRuns)
	assert.Equal(t, 12, s.TotalCandidates)
	assert.Equal(t, 50, s.SuccessRate)
	assert.Equal(t, "job_2", s.LastResult.JobID)

	s.RecordRun(ScheduleRun{Success: true, Candidates: 3, ExecutedAt: executed.Add(2 * time.Hour)})
	assert.Equal(t, 66, s.SuccessRate)
	assert.Equal(t, 15, s.TotalCandidates)
}

func TestSchedule_Validate(t *testing.T) {
	valid := Schedule{
		Name:      "Valais nightly",
		Job:       JobRequest{Source: "searchch", Localities: []string{"Sion"}},
		Frequency: FrequencyDaily,
		Hour:      6,
		Status:    ScheduleActive,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(s *Schedule)
	}{
		{name: "missing name", mutate: func(s *Schedule) { s.Name = "" }},
		{name: "unknown frequency", mutate: func(s *Schedule) { s.Frequency = "monthly" }},
		{name: "hour out of range", mutate: func(s *Schedule) { s.Hour = 24 }},
		{name: "minute out of range", mutate: func(s *Schedule) { s.Minute = 60 }},
		{name: "bad weekday", mutate: func(s *Schedule) { s.DaysOfWeek = []int{7} }},
		{name: "negative interval", mutate: func(s *Schedule) { s.IntervalMinutes = -1 }},
		{name: "unknown status", mutate: func(s *Schedule) { s.Status = "archived" }},
		{name: "job without localities", mutate: func(s *Schedule) { s.Job.Localities = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}
