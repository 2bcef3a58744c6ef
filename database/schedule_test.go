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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/prospekt/model"
)

func scheduleRows() *sqlmock.Rows {
	return sqlmock.NewRows(scheduleColumns)
}

func addScheduleRow(rows *sqlmock.Rows, id string, nextRun time.Time, lastResult interface{}) *sqlmock.Rows {
	return rows.AddRow(
		id, "Valais nightly", "", []byte(`{"source":"searchch","localities":["Sion","Sierre"],"query":"","limit":0,"concurrency":0}`),
		"weekly", 6, 30, []byte(`[1,5]`),
		0, "active", nextRun, nil, lastResult,
		3, 42, 66, "ops", nextRun.Add(-time.Hour), nextRun.Add(-time.Hour),
	)
}

func TestCreateSchedule_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	s := &model.Schedule{
		ID:        "sch_1",
		Name:      "Valais nightly",
		Job:       model.JobRequest{Source: "searchch", Localities: []string{"Sion"}},
		Frequency: model.FrequencyDaily,
		Hour:      6,
		Status:    model.ScheduleActive,
		NextRun:   time.Date(2025, 3, 13, 6, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO schedules").
		WithArgs(anyArgs(len(scheduleColumns))...).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, ds.CreateSchedule(context.Background(), s))
	assert.False(t, s.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSchedule_DecodesDocuments(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	next := time.Date(2025, 3, 14, 6, 30, 0, 0, time.UTC)
	result := []byte(`{"job_id":"job_9","success":true,"candidates":14,"duration_ms":1200,"executed_at":"2025-03-12T06:30:00Z"}`)

	mock.ExpectQuery("SELECT (.+) FROM schedules WHERE id = \\$1").
		WithArgs("sch_1").
		WillReturnRows(addScheduleRow(scheduleRows(), "sch_1", next, result))

	s, err := ds.GetSchedule(context.Background(), "sch_1")
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyWeekly, s.Frequency)
	assert.Equal(t, []string{"Sion", "Sierre"}, s.Job.Localities)
	assert.Equal(t, []int{1, 5}, s.DaysOfWeek)
	assert.Nil(t, s.LastRun)
	require.NotNil(t, s.LastResult)
	assert.Equal(t, "job_9", s.LastResult.JobID)
	assert.Equal(t, 14, s.LastResult.Candidates)
	assert.Equal(t, 66, s.SuccessRate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSchedule_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM schedules").
		WithArgs("sch_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetSchedule(context.Background(), "sch_missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestDueSchedules_FiltersActiveAndDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Date(2025, 3, 14, 7, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM schedules WHERE status = \\$1 AND next_run <= \\$2 ORDER BY next_run ASC, id ASC").
		WithArgs("active", now).
		WillReturnRows(addScheduleRow(scheduleRows(), "sch_1", now.Add(-time.Minute), nil))

	due, err := ds.DueSchedules(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sch_1", due[0].ID)
	assert.Nil(t, due[0].LastResult)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSchedules_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM schedules ORDER BY name ASC, id ASC").
		WillReturnRows(scheduleRows())

	out, err := ds.ListSchedules(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestUpdateSchedule_MissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE schedules SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateSchedule(context.Background(), &model.Schedule{ID: "sch_missing"})
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("DELETE FROM schedules WHERE id = \\$1").
		WithArgs("sch_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM schedules WHERE id = \\$1").
		WithArgs("sch_1").
		WillReturnError(errors.New("connection reset by peer"))

	require.NoError(t, ds.DeleteSchedule(context.Background(), "sch_1"))
	assert.Error(t, ds.DeleteSchedule(context.Background(), "sch_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore_Schedules(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Date(2025, 3, 14, 7, 0, 0, 0, time.UTC)

	due := &model.Schedule{ID: "sch_due", Name: "b", Status: model.ScheduleActive, NextRun: now.Add(-time.Minute), Job: model.JobRequest{Localities: []string{"Sion"}}}
	later := &model.Schedule{ID: "sch_later", Name: "a", Status: model.ScheduleActive, NextRun: now.Add(time.Hour)}
	paused := &model.Schedule{ID: "sch_paused", Name: "c", Status: model.SchedulePaused, NextRun: now.Add(-time.Hour)}
	for _, s := range []*model.Schedule{due, later, paused} {
		require.NoError(t, m.CreateSchedule(ctx, s))
	}
	assert.ErrorIs(t, m.CreateSchedule(ctx, due), ErrDuplicate)

	out, err := m.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "sch_due", out[0].ID)

	// callers get copies
	out[0].Job.Localities[0] = "Sierre"
	got, err := m.GetSchedule(ctx, "sch_due")
	require.NoError(t, err)
	assert.Equal(t, "Sion", got.Job.Localities[0])

	all, err := m.ListSchedules(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sch_later", all[0].ID)
	active, err := m.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	got.NextRun = now.Add(24 * time.Hour)
	require.NoError(t, m.UpdateSchedule(ctx, got))
	out, err = m.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, m.DeleteSchedule(ctx, "sch_due"))
	_, err = m.GetSchedule(ctx, "sch_due")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	assert.ErrorIs(t, m.DeleteSchedule(ctx, "sch_due"), ErrScheduleNotFound)
	assert.ErrorIs(t, m.UpdateSchedule(ctx, &model.Schedule{ID: "sch_due"}), ErrScheduleNotFound)
}
