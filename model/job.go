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

// Status constants representing the states a job can be in.
const (
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusStopped   = "stopped"
)

// JobRequest is a scraping job submission.
type JobRequest struct {
	Source      string   `json:"source" yaml:"source"`
	Localities  []string `json:"localities" yaml:"localities"`
	Query       string   `json:"query" yaml:"query"`
	Limit       int      `json:"limit" yaml:"limit"`
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
}

func (j JobRequest) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.Source, validation.Required),
		validation.Field(&j.Localities, validation.Required),
		validation.Field(&j.Limit, validation.Min(0)),
		validation.Field(&j.Concurrency, validation.Min(0)),
	)
}

// WorkItem is one unit of a job: a query against one locality.
type WorkItem struct {
	Index    int    `json:"index"`
	Query    string `json:"query"`
	Locality string `json:"locality"`
}

// FailureKind buckets terminal item failures in a job result.
type FailureKind string

const (
	FailureSoft       FailureKind = "soft_fail"
	FailureHard       FailureKind = "hard_fail"
	FailureExhausted  FailureKind = "pool_exhausted"
	FailureValidation FailureKind = "validation"
)

// ItemFailure records why a work item or candidate did not make it.
type ItemFailure struct {
	Locality string      `json:"locality,omitempty"`
	Kind     FailureKind `json:"kind"`
	Attempts int         `json:"attempts,omitempty"`
	Reason   string      `json:"reason"`
}

// ResultSet is the terminal summary of a job. Ingest counters keep moving after
// the job finishes because scoring and merging run asynchronously.
type ResultSet struct {
	JobID             string        `json:"job_id"`
	Source            string        `json:"source"`
	Status            string        `json:"status"`
	Total             int           `json:"total"`
	Succeeded         int           `json:"succeeded"`
	Skipped           int           `json:"skipped"`
	SoftFailed        int           `json:"soft_failed"`
	HardFailed        int           `json:"hard_failed"`
	ValidationDropped int           `json:"validation_dropped"`
	Candidates        int           `json:"candidates"`
	IngestInserted    int           `json:"ingest_inserted"`
	IngestMerged      int           `json:"ingest_merged"`
	IngestFailed      int           `json:"ingest_failed"`
	Failures          []ItemFailure `json:"failures,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at,omitempty"`
}

// Failed is the number of work items that failed after all their attempts.
func (r ResultSet) Failed() int {
	return r.SoftFailed + r.HardFailed
}

// Completed is the number of work items that reached a terminal state.
func (r ResultSet) Completed() int {
	return r.Succeeded + r.Skipped + r.SoftFailed + r.HardFailed
}

// Ingest counter names shared by the job stores.
const (
	IngestInserted = "ingest_inserted"
	IngestMerged   = "ingest_merged"
	IngestFailed   = "ingest_failed"
)
