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

// Package pool rotates network identities (proxies and outbound email
// accounts) across scraping tasks. Entries are only mutated through the
// Manager in response to lease outcomes or explicit administration calls.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/model"
)

var (
	ErrPoolExhausted = errors.New("resource pool exhausted")
	ErrEntryNotFound = errors.New("resource entry not found")
	ErrInvalidEntry  = errors.New("resource entry needs an id and a kind")
)

// Manager owns the proxy and email pools.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*model.ResourceEntry
	leases  map[string]*model.Lease
	changed chan struct{}

	backoffBase   time.Duration
	backoffFactor float64
	backoffCap    time.Duration
	leaseWait     time.Duration
	pollInterval  time.Duration
	now           func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for cooldowns and fairness.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an empty pool manager governed by cfg.
//
// Parameters:
// - cfg config.PoolConfig: Backoff and lease wait settings.
// - opts ...Option: Optional overrides such as a fixed clock.
//
// Returns:
// - *Manager: A manager with no entries.
func NewManager(cfg config.PoolConfig, opts ...Option) *Manager {
	m := &Manager{
		entries:       make(map[string]*model.ResourceEntry),
		leases:        make(map[string]*model.Lease),
		changed:       make(chan struct{}),
		backoffBase:   config.Ms(cfg.BackoffBaseMs),
		backoffFactor: cfg.BackoffFactor,
		backoffCap:    config.Ms(cfg.BackoffCapMs),
		leaseWait:     config.Ms(cfg.LeaseWaitMs),
		pollInterval:  config.Ms(cfg.PollIntervalMs),
		now:           time.Now,
	}
	if m.backoffFactor < 1 {
		m.backoffFactor = 1
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 250 * time.Millisecond
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease hands out the best eligible entry of the given kind. Entries listed in
// exclude are skipped, which lets a retry avoid the resource that just failed.
// When nothing is eligible Lease waits for a release or a cooldown to elapse,
// up to the configured lease wait, and then returns ErrPoolExhausted.
func (m *Manager) Lease(ctx context.Context, kind model.ResourceKind, exclude ...string) (*model.Lease, error) {
	var deadline <-chan time.Time
	if m.leaseWait > 0 {
		timer := time.NewTimer(m.leaseWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		entry, waitable := m.pick(kind, exclude)
		if entry != nil {
			lease := m.acquire(entry)
			m.mu.Unlock()
			return lease, nil
		}
		changed := m.changed
		m.mu.Unlock()

		if !waitable || deadline == nil {
			return nil, fmt.Errorf("%w: no eligible %s entry", ErrPoolExhausted, kind)
		}

		poll := time.NewTimer(m.pollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline:
			poll.Stop()
			return nil, fmt.Errorf("%w: no %s entry became eligible within %s", ErrPoolExhausted, kind, m.leaseWait)
		case <-changed:
		case <-poll.C:
		}
		poll.Stop()
	}
}

// pick returns the preferred eligible entry. The second result reports whether
// some entry that is busy or cooling down could still become eligible.
// Callers must hold m.mu.
func (m *Manager) pick(kind model.ResourceKind, exclude []string) (*model.ResourceEntry, bool) {
	now := m.now()
	var eligible []*model.ResourceEntry
	waitable := false

	for _, e := range m.entries {
		if e.Kind != kind || !e.Valid || !e.Active || quotaReached(e) || slices.Contains(exclude, e.ID) {
			continue
		}
		if e.InUse || e.CooldownUntil.After(now) {
			waitable = true
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return nil, waitable
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures < b.ConsecutiveFailures
		}
		if a.LatencyMS != b.LatencyMS {
			return a.LatencyMS < b.LatencyMS
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	return eligible[0], true
}

func (m *Manager) acquire(e *model.ResourceEntry) *model.Lease {
	now := m.now()
	e.InUse = true
	e.LastUsedAt = now
	lease := &model.Lease{
		ID:         model.GenerateUUIDWithSuffix("lse"),
		ResourceID: e.ID,
		Kind:       e.Kind,
		Address:    e.Address,
		AcquiredAt: now,
	}
	m.leases[lease.ID] = lease
	return lease
}

// Release returns a leased entry to the pool and applies the task outcome to
// it. Releasing an unknown or already released lease is a no-op.
func (m *Manager) Release(lease *model.Lease, outcome model.Outcome) {
	if lease == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[lease.ID]; !ok {
		return
	}
	delete(m.leases, lease.ID)

	e, ok := m.entries[lease.ResourceID]
	if !ok {
		m.broadcast()
		return
	}
	e.InUse = false

	switch outcome {
	case model.OutcomeSuccess:
		e.ConsecutiveFailures = 0
		if e.Kind == model.ResourceEmail {
			e.QuotaUsed++
		}
	case model.OutcomeSoftFail:
		e.ConsecutiveFailures++
		e.CooldownUntil = m.now().Add(m.Backoff(e.ConsecutiveFailures))
		logrus.WithFields(logrus.Fields{
			"resource_id": e.ID,
			"kind":        e.Kind,
			"failures":    e.ConsecutiveFailures,
			"cooldown":    e.CooldownUntil,
		}).Debug("resource cooling down")
	case model.OutcomeHardFail:
		e.ConsecutiveFailures++
		e.Valid = false
		logrus.WithFields(logrus.Fields{
			"resource_id": e.ID,
			"kind":        e.Kind,
		}).Warn("resource invalidated after hard failure")
	}
	m.broadcast()
}

// Backoff returns the cooldown applied after the given number of consecutive
// soft failures: base * factor^(failures-1), capped.
func (m *Manager) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(m.backoffBase) * math.Pow(m.backoffFactor, float64(failures-1))
	if m.backoffCap > 0 && (d > float64(m.backoffCap) || math.IsInf(d, 1)) {
		return m.backoffCap
	}
	return time.Duration(d)
}

// Upsert imports or updates an entry. Runtime state (failure streak, cooldown,
// last use and lease) survives an update of an existing entry.
func (m *Manager) Upsert(entry model.ResourceEntry) error {
	if entry.ID == "" {
		return ErrInvalidEntry
	}
	if _, err := model.ParseResourceKind(string(entry.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[entry.ID]; ok {
		entry.ConsecutiveFailures = existing.ConsecutiveFailures
		entry.CooldownUntil = existing.CooldownUntil
		entry.LastUsedAt = existing.LastUsedAt
		entry.InUse = existing.InUse
	} else {
		entry.InUse = false
	}
	m.entries[entry.ID] = &entry
	m.broadcast()
	return nil
}

// Remove drops an entry. Outstanding leases on it release as no-ops.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(m.entries, id)
	return nil
}

// Revalidate brings a hard-failed entry back into rotation with a clean streak.
func (m *Manager) Revalidate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Valid = true
	e.ConsecutiveFailures = 0
	e.CooldownUntil = time.Time{}
	m.broadcast()
	return nil
}

// SetActive toggles whether an entry may be leased.
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Active = active
	m.broadcast()
	return nil
}

// ResetQuota zeroes the quota counter of every entry of kind.
func (m *Manager) ResetQuota(kind model.ResourceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Kind == kind {
			e.QuotaUsed = 0
		}
	}
	m.broadcast()
}

// Get returns a copy of one entry.
func (m *Manager) Get(id string) (model.ResourceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return model.ResourceEntry{}, ErrEntryNotFound
	}
	return *e, nil
}

// Snapshot returns copies of all entries of kind ordered by id.
func (m *Manager) Snapshot(kind model.ResourceKind) []model.ResourceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ResourceEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarises the pool of the given kind.
func (m *Manager) Stats(kind model.ResourceKind) model.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats := model.PoolStats{Kind: kind}
	latency := 0
	for _, e := range m.entries {
		if e.Kind != kind {
			continue
		}
		stats.Total++
		latency += e.LatencyMS
		if e.Valid {
			stats.Valid++
		}
		if e.Active {
			stats.Active++
		}
		if e.InUse {
			stats.InUse++
		}
		cooling := e.CooldownUntil.After(now)
		if cooling {
			stats.CoolingDown++
		}
		if quotaReached(e) {
			stats.QuotaReached++
		}
		if e.Valid && e.Active && !e.InUse && !cooling && !quotaReached(e) {
			stats.Eligible++
		}
	}
	if stats.Total > 0 {
		stats.AvgLatencyMS = float64(latency) / float64(stats.Total)
	}
	return stats
}

// broadcast wakes every waiting Lease call. Callers must hold m.mu.
func (m *Manager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func quotaReached(e *model.ResourceEntry) bool {
	if e.Kind == model.ResourceEmail {
		return e.QuotaUsed >= e.QuotaTotal
	}
	return e.QuotaTotal > 0 && e.QuotaUsed >= e.QuotaTotal
}
