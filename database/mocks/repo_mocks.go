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

package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/blnkfinance/prospekt/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Prospect methods

func (m *MockDataSource) InsertProspect(ctx context.Context, p *model.CanonicalProspect) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDataSource) UpdateProspect(ctx context.Context, p *model.CanonicalProspect) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDataSource) GetProspect(ctx context.Context, id string) (*model.CanonicalProspect, error) {
	args := m.Called(ctx, id)
	if p, ok := args.Get(0).(*model.CanonicalProspect); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) FindByExactKey(ctx context.Context, key model.ExactKey) (*model.CanonicalProspect, error) {
	args := m.Called(ctx, key)
	if p, ok := args.Get(0).(*model.CanonicalProspect); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) FindByFuzzyKey(ctx context.Context, key string) (*model.CanonicalProspect, error) {
	args := m.Called(ctx, key)
	if p, ok := args.Get(0).(*model.CanonicalProspect); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

// Merge log methods

func (m *MockDataSource) RecordMergeLog(ctx context.Context, entry *model.MergeLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetMergeLogs(ctx context.Context, targetID string) ([]model.MergeLog, error) {
	args := m.Called(ctx, targetID)
	if logs, ok := args.Get(0).([]model.MergeLog); ok {
		return logs, args.Error(1)
	}
	return nil, args.Error(1)
}

// Duplicate candidate methods

func (m *MockDataSource) RecordDuplicateCandidate(ctx context.Context, d *model.DuplicateCandidate) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDataSource) GetDuplicateCandidates(ctx context.Context, prospectID string) ([]model.DuplicateCandidate, error) {
	args := m.Called(ctx, prospectID)
	if out, ok := args.Get(0).([]model.DuplicateCandidate); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

// Schedule methods

func (m *MockDataSource) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockDataSource) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	args := m.Called(ctx, id)
	if s, ok := args.Get(0).(*model.Schedule); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) ListSchedules(ctx context.Context, activeOnly bool) ([]model.Schedule, error) {
	args := m.Called(ctx, activeOnly)
	if out, ok := args.Get(0).([]model.Schedule); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) UpdateSchedule(ctx context.Context, s *model.Schedule) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockDataSource) DeleteSchedule(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	args := m.Called(ctx, now)
	if out, ok := args.Get(0).([]model.Schedule); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}
