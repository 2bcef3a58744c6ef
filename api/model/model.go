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
	"github.com/blnkfinance/prospekt/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateJob is the body of POST /jobs.
type CreateJob struct {
	Source      string   `json:"source"`
	Localities  []string `json:"localities"`
	Query       string   `json:"query"`
	Limit       int      `json:"limit"`
	Concurrency int      `json:"concurrency"`
}

func (j *CreateJob) ValidateCreateJob() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.Source, validation.Required),
		validation.Field(&j.Localities, validation.Required),
		validation.Field(&j.Limit, validation.Min(0)),
		validation.Field(&j.Concurrency, validation.Min(0), validation.Max(64)),
	)
}

func (j *CreateJob) ToJobRequest() model.JobRequest {
	return model.JobRequest{
		Source:      j.Source,
		Localities:  j.Localities,
		Query:       j.Query,
		Limit:       j.Limit,
		Concurrency: j.Concurrency,
	}
}

// SubmitCandidate is the body of POST /candidates, used to push records that
// were collected outside a scraping job.
type SubmitCandidate struct {
	CandidateID string   `json:"candidate_id"`
	SourceID    string   `json:"source_id"`
	Name        string   `json:"name"`
	FirstName   string   `json:"first_name"`
	Phone       string   `json:"phone"`
	Email       string   `json:"email"`
	Address     string   `json:"address"`
	PostalCode  string   `json:"postal_code"`
	City        string   `json:"city"`
	Company     string   `json:"company"`
	Tags        []string `json:"tags"`
	Notes       string   `json:"notes"`
}

func (s *SubmitCandidate) ValidateSubmitCandidate() error {
	return s.ToRawCandidate().Validate()
}

func (s *SubmitCandidate) ToRawCandidate() model.RawCandidate {
	return model.RawCandidate{
		CandidateID: s.CandidateID,
		SourceID:    s.SourceID,
		Name:        s.Name,
		FirstName:   s.FirstName,
		Phone:       s.Phone,
		Email:       s.Email,
		Address:     s.Address,
		PostalCode:  s.PostalCode,
		City:        s.City,
		Company:     s.Company,
		Tags:        s.Tags,
		Notes:       s.Notes,
	}
}

// UpsertResource imports or updates one proxy or email account.
type UpsertResource struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Address    string `json:"address"`
	Valid      *bool  `json:"valid"`
	Active     *bool  `json:"active"`
	LatencyMS  int    `json:"latency_ms"`
	QuotaUsed  int    `json:"quota_used"`
	QuotaTotal int    `json:"quota_total"`
}

func (r *UpsertResource) ValidateUpsertResource() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.In(string(model.ResourceProxy), string(model.ResourceEmail))),
		validation.Field(&r.Address, validation.Required),
		validation.Field(&r.LatencyMS, validation.Min(0)),
		validation.Field(&r.QuotaUsed, validation.Min(0)),
		validation.Field(&r.QuotaTotal, validation.Min(0)),
	)
}

// ToResourceEntry converts the request. Valid and Active default to true.
func (r *UpsertResource) ToResourceEntry() model.ResourceEntry {
	return model.ResourceEntry{
		ID:         r.ID,
		Kind:       model.ResourceKind(r.Kind),
		Address:    r.Address,
		Valid:      r.Valid == nil || *r.Valid,
		Active:     r.Active == nil || *r.Active,
		LatencyMS:  r.LatencyMS,
		QuotaUsed:  r.QuotaUsed,
		QuotaTotal: r.QuotaTotal,
	}
}

type SetActive struct {
	Active bool `json:"active"`
}

// CreateSchedule is the body of POST /schedules and PUT /schedules/:id.
type CreateSchedule struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Job             CreateJob `json:"job"`
	Frequency       string    `json:"frequency"`
	Hour            *int      `json:"hour"`
	Minute          int       `json:"minute"`
	DaysOfWeek      []int     `json:"days_of_week"`
	IntervalMinutes int       `json:"interval_minutes"`
	Status          string    `json:"status"`
	CreatedBy       string    `json:"created_by"`
}

func (s *CreateSchedule) ValidateCreateSchedule() error {
	if err := s.Job.ValidateCreateJob(); err != nil {
		return err
	}
	return s.ToSchedule().Validate()
}

// ToSchedule converts the request. Daily and weekly schedules fire at 06:00
// unless an hour is given.
func (s *CreateSchedule) ToSchedule() model.Schedule {
	hour := 6
	if s.Hour != nil {
		hour = *s.Hour
	}
	return model.Schedule{
		Name:            s.Name,
		Description:     s.Description,
		Job:             s.Job.ToJobRequest(),
		Frequency:       model.ScheduleFrequency(s.Frequency),
		Hour:            hour,
		Minute:          s.Minute,
		DaysOfWeek:      s.DaysOfWeek,
		IntervalMinutes: s.IntervalMinutes,
		Status:          model.ScheduleStatus(s.Status),
		CreatedBy:       s.CreatedBy,
	}
}
