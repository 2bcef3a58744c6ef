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

// Package source defines the capability every scraping target implements and
// the registry the orchestrator resolves job sources from.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/prospekt/model"
)

// Request is one work item handed to an adapter.
type Request struct {
	JobID    string
	Query    string
	Locality string
	// Lease is the network identity the request must go through. It is nil
	// for adapters that require none.
	Lease *model.Lease
}

// Adapter converts one site's search results into raw candidates.
type Adapter interface {
	// Name is the source id stamped on every candidate.
	Name() string
	// Requires names the pool the adapter leases from, or ResourceNone.
	Requires() model.ResourceKind
	Search(ctx context.Context, req Request) ([]model.RawCandidate, error)
	// ClassifyError decides how a failed search reflects on the leased resource.
	ClassifyError(err error) model.Outcome
}

// StatusError is returned by HTTP adapters for unexpected response codes.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// ClassifyHTTP is the shared outcome policy for HTTP scrapers. A site saying
// the identity is banned or unauthorised is a hard failure. Throttling, server
// errors, timeouts and network trouble are soft.
func ClassifyHTTP(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case http.StatusForbidden, http.StatusUnauthorized, http.StatusProxyAuthRequired:
			return model.OutcomeHardFail
		}
	}
	return model.OutcomeSoftFail
}

// Registry maps source names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry registers adapters in order. A repeated name keeps the first
// adapter and logs the rejected one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			logrus.WithField("source", a.Name()).WithError(err).Warn("ignoring duplicate source adapter")
		}
	}
	return r
}

// Register adds an adapter. A second adapter with the same name is rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("source %s already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered sources alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
