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

import "time"

type EventType string

const (
	EventProgress          EventType = "progress"
	EventJobStarted        EventType = "job.started"
	EventJobFinished       EventType = "job.finished"
	EventProspectInserted  EventType = "prospect.inserted"
	EventProspectMerged    EventType = "prospect.merged"
	EventCandidateDropped  EventType = "candidate.dropped"
	EventIngestFailed      EventType = "ingest.failed"
	EventInvariantViolated EventType = "ingest.invariant_violation"
)

// ProgressEvent reports one completed work item of a job.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Source    string    `json:"source"`
	Progress  int       `json:"progress"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeEvent reports a state change of the canonical prospect graph.
type MergeEvent struct {
	JobID       string `json:"job_id,omitempty"`
	CandidateID string `json:"candidate_id"`
	ProspectID  string `json:"prospect_id,omitempty"`
	SurvivorID  string `json:"survivor_id,omitempty"`
	AbsorbedID  string `json:"absorbed_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Event is the envelope carried by the fanout.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Progress  *ProgressEvent `json:"progress,omitempty"`
	Merge     *MergeEvent    `json:"merge,omitempty"`
	Result    *ResultSet     `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
