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
	"time"

	"github.com/blnkfinance/prospekt/model"
)

// IDataSource defines the persistence operations of the prospect graph.
// Each call is atomic on its own; callers serialise related calls themselves.
type IDataSource interface {
	prospect
	mergeLog
	duplicateCandidate
	schedule
}

type prospect interface {
	InsertProspect(ctx context.Context, p *model.CanonicalProspect) error                     // Inserts a new row; ErrDuplicate when the id exists
	UpdateProspect(ctx context.Context, p *model.CanonicalProspect) error                     // Updates a live row; ErrNotLive for a merged or missing one
	GetProspect(ctx context.Context, id string) (*model.CanonicalProspect, error)             // Retrieves a prospect by id
	FindByExactKey(ctx context.Context, key model.ExactKey) (*model.CanonicalProspect, error) // Best match for a phone or email key, live rows first
	FindByFuzzyKey(ctx context.Context, key string) (*model.CanonicalProspect, error)         // Best match for a lastname|city key, live rows first
}

type mergeLog interface {
	RecordMergeLog(ctx context.Context, entry *model.MergeLog) error             // Records a merge; a repeated id is ignored
	GetMergeLogs(ctx context.Context, targetID string) ([]model.MergeLog, error) // Lists merges into a survivor
}

type duplicateCandidate interface {
	RecordDuplicateCandidate(ctx context.Context, d *model.DuplicateCandidate) error                   // Records a suggested duplicate pair
	GetDuplicateCandidates(ctx context.Context, prospectID string) ([]model.DuplicateCandidate, error) // Lists suggestions for a prospect
}

type schedule interface {
	CreateSchedule(ctx context.Context, s *model.Schedule) error                  // Inserts a schedule; ErrDuplicate when the id exists
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)          // Retrieves a schedule; ErrScheduleNotFound when missing
	ListSchedules(ctx context.Context, activeOnly bool) ([]model.Schedule, error) // Lists schedules by name
	UpdateSchedule(ctx context.Context, s *model.Schedule) error                  // Rewrites a schedule; ErrScheduleNotFound when missing
	DeleteSchedule(ctx context.Context, id string) error                          // Removes a schedule; ErrScheduleNotFound when missing
	DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error)    // Active schedules whose next run is not after now, earliest first
}
