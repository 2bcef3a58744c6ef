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
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// EnrichmentStatus tracks where a canonical prospect is in the enrichment lifecycle.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentEnriched EnrichmentStatus = "enriched"
	EnrichmentFailed   EnrichmentStatus = "failed"
)

// ErrMissingIdentity is returned when a candidate carries neither a phone, an email
// nor a name+city pair.
var ErrMissingIdentity = errors.New("candidate needs a phone, an email or a name and city")

// RawCandidate is a record produced by a source adapter. It is immutable once
// produced and is scored exactly once.
type RawCandidate struct {
	CandidateID string                 `json:"candidate_id"`
	JobID       string                 `json:"job_id,omitempty"`
	SourceID    string                 `json:"source_id"`
	Name        string                 `json:"name"`
	FirstName   string                 `json:"first_name"`
	Phone       string                 `json:"phone"`
	Email       string                 `json:"email"`
	Address     string                 `json:"address"`
	PostalCode  string                 `json:"postal_code"`
	City        string                 `json:"city"`
	Company     string                 `json:"company"`
	Tags        []string               `json:"tags,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
	RawPayload  map[string]interface{} `json:"raw_payload,omitempty"`
}

// Validate checks the candidate carries a source and at least one identity field.
func (c RawCandidate) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.SourceID, validation.Required),
		validation.Field(&c.Email, validation.Length(0, 254)),
	)
	if err != nil {
		return err
	}
	if !c.HasIdentity() {
		return ErrMissingIdentity
	}
	return nil
}

// HasIdentity reports whether the candidate can be matched at all.
func (c RawCandidate) HasIdentity() bool {
	if strings.TrimSpace(c.Phone) != "" || strings.TrimSpace(c.Email) != "" {
		return true
	}
	return strings.TrimSpace(c.Name) != "" && strings.TrimSpace(c.City) != ""
}

// ValidityFlags records per-field validity computed by the scorer.
type ValidityFlags struct {
	Phone          bool `json:"phone"`
	Email          bool `json:"email"`
	Address        bool `json:"address"`
	PostalCode     bool `json:"postal_code"`
	City           bool `json:"city"`
	CompanyOrName  bool `json:"company_or_name"`
	LikelyBusiness bool `json:"likely_business"`
}

// ScoredCandidate is a RawCandidate with its deterministic quality score.
type ScoredCandidate struct {
	RawCandidate
	QualityScore  int           `json:"quality_score"`
	ValidityFlags ValidityFlags `json:"validity_flags"`
}

// CanonicalProspect is the durable CRM entity. A prospect with a non-nil
// MergedIntoID is inert: it is never a merge target and its CRM fields are frozen.
type CanonicalProspect struct {
	ID               string                 `json:"id"`
	SourceID         string                 `json:"source_id"`
	Name             string                 `json:"name"`
	FirstName        string                 `json:"first_name"`
	Phone            string                 `json:"phone"`
	PhoneNorm        string                 `json:"phone_norm"`
	Email            string                 `json:"email"`
	EmailNorm        string                 `json:"email_norm"`
	Address          string                 `json:"address"`
	PostalCode       string                 `json:"postal_code"`
	City             string                 `json:"city"`
	Company          string                 `json:"company"`
	FuzzyKey         string                 `json:"fuzzy_key"`
	Tags             []string               `json:"tags"`
	Notes            string                 `json:"notes"`
	QualityScore     int                    `json:"quality_score"`
	QualityFlags     ValidityFlags          `json:"quality_flags"`
	EnrichmentStatus EnrichmentStatus       `json:"enrichment_status"`
	MergedIntoID     *string                `json:"merged_into_id"`
	PipelineStatus   string                 `json:"pipeline_status,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
}

// IsLive reports whether the prospect can still absorb merges.
func (p *CanonicalProspect) IsLive() bool {
	return p.MergedIntoID == nil
}

// MergeLog is the audit record written for every merge.
type MergeLog struct {
	ID           string            `json:"id"`
	SourceID     string            `json:"source_id"`
	TargetID     string            `json:"target_id"`
	Reason       string            `json:"reason"`
	MergedFields map[string]string `json:"merged_fields"`
	CreatedAt    time.Time         `json:"created_at"`
}

// DuplicateCandidate is a suggested, unconfirmed duplicate pair.
type DuplicateCandidate struct {
	ProspectID  string    `json:"prospect_id"`
	CandidateID string    `json:"candidate_id"`
	Reason      string    `json:"reason"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExactKeyKind names the column an exact key is matched against.
type ExactKeyKind string

const (
	ExactKeyPhone ExactKeyKind = "phone"
	ExactKeyEmail ExactKeyKind = "email"
)

// ExactKey is a normalized high-confidence identity key.
type ExactKey struct {
	Kind  ExactKeyKind
	Value string
}

// String renders the key in the form used for locking and queue routing.
func (k ExactKey) String() string {
	return string(k.Kind) + ":" + k.Value
}
