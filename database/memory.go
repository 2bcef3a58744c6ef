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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/prospekt/model"
)

// MemoryStore is an IDataSource kept in process memory. It backs the scan
// command and tests, and is used by the server when no data source is set.
type MemoryStore struct {
	mu         sync.RWMutex
	prospects  map[string]*model.CanonicalProspect
	mergeLogs  map[string]model.MergeLog
	duplicates map[string]model.DuplicateCandidate
	schedules  map[string]model.Schedule
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prospects:  make(map[string]*model.CanonicalProspect),
		mergeLogs:  make(map[string]model.MergeLog),
		duplicates: make(map[string]model.DuplicateCandidate),
		schedules:  make(map[string]model.Schedule),
		now:        time.Now,
	}
}

func cloneProspect(p *model.CanonicalProspect) *model.CanonicalProspect {
	c := *p
	c.Tags = append([]string(nil), p.Tags...)
	if p.MergedIntoID != nil {
		id := *p.MergedIntoID
		c.MergedIntoID = &id
	}
	if p.MetaData != nil {
		c.MetaData = make(map[string]interface{}, len(p.MetaData))
		for k, v := range p.MetaData {
			c.MetaData[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) InsertProspect(_ context.Context, p *model.CanonicalProspect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prospects[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	m.prospects[p.ID] = cloneProspect(p)
	return nil
}

func (m *MemoryStore) UpdateProspect(_ context.Context, p *model.CanonicalProspect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.prospects[p.ID]
	if !ok || !existing.IsLive() {
		return fmt.Errorf("%w: %s", ErrNotLive, p.ID)
	}
	p.UpdatedAt = m.now()
	updated := cloneProspect(p)
	// identity of the row is owned by the store
	updated.SourceID = existing.SourceID
	updated.CreatedAt = existing.CreatedAt
	updated.MergedIntoID = nil
	m.prospects[p.ID] = updated
	return nil
}

func (m *MemoryStore) GetProspect(_ context.Context, id string) (*model.CanonicalProspect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prospects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProspect(p), nil
}

func (m *MemoryStore) FindByExactKey(_ context.Context, key model.ExactKey) (*model.CanonicalProspect, error) {
	var match func(*model.CanonicalProspect) bool
	switch key.Kind {
	case model.ExactKeyPhone:
		match = func(p *model.CanonicalProspect) bool { return p.PhoneNorm == key.Value }
	case model.ExactKeyEmail:
		match = func(p *model.CanonicalProspect) bool { return p.EmailNorm == key.Value }
	default:
		return nil, fmt.Errorf("unsupported exact key kind %q", key.Kind)
	}
	if key.Value == "" {
		return nil, ErrNotFound
	}
	return m.findBest(match)
}

func (m *MemoryStore) FindByFuzzyKey(_ context.Context, key string) (*model.CanonicalProspect, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	return m.findBest(func(p *model.CanonicalProspect) bool { return p.FuzzyKey == key })
}

// findBest mirrors the Postgres ordering: live rows first, then oldest.
func (m *MemoryStore) findBest(match func(*model.CanonicalProspect) bool) (*model.CanonicalProspect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.CanonicalProspect
	for _, p := range m.prospects {
		if !match(p) {
			continue
		}
		if best == nil || better(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneProspect(best), nil
}

func better(a, b *model.CanonicalProspect) bool {
	if a.IsLive() != b.IsLive() {
		return a.IsLive()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) RecordMergeLog(_ context.Context, entry *model.MergeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mergeLogs[entry.ID]; ok {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.mergeLogs[entry.ID] = *entry
	return nil
}

func (m *MemoryStore) GetMergeLogs(_ context.Context, targetID string) ([]model.MergeLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.MergeLog
	for _, l := range m.mergeLogs {
		if l.TargetID == targetID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) RecordDuplicateCandidate(_ context.Context, dc *model.DuplicateCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dc.CreatedAt.IsZero() {
		dc.CreatedAt = m.now()
	}
	key := dc.ProspectID + "|" + dc.CandidateID
	// The reason describes the match that produced the stored confidence.
	if existing, ok := m.duplicates[key]; ok && existing.Confidence > dc.Confidence {
		return nil
	}
	m.duplicates[key] = *dc
	return nil
}

func (m *MemoryStore) GetDuplicateCandidates(_ context.Context, prospectID string) ([]model.DuplicateCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.DuplicateCandidate
	for _, d := range m.duplicates {
		if d.ProspectID == prospectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out, nil
}

// Count returns the number of stored prospects.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prospects)
}

// All returns every stored prospect ordered by creation.
func (m *MemoryStore) All() []model.CanonicalProspect {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CanonicalProspect, 0, len(m.prospects))
	for _, p := range m.prospects {
		out = append(out, *cloneProspect(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneSchedule(s model.Schedule) model.Schedule {
	s.Job.Localities = append([]string(nil), s.Job.Localities...)
	s.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	if s.LastRun != nil {
		t := *s.LastRun
		s.LastRun = &t
	}
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	s.UpdatedAt = s.CreatedAt
	m.schedules[s.ID] = cloneSchedule(*s)
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	c := cloneSchedule(s)
	return &c, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, activeOnly bool) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if activeOnly && !s.IsActive() {
			continue
		}
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	s.UpdatedAt = m.now()
	m.schedules[s.ID] = cloneSchedule(*s)
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) DueSchedules(_ context.Context, now time.Time) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if s.IsDue(now) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
