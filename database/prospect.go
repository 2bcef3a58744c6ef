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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/blnkfinance/prospekt/model"
)

var prospectColumns = []string{
	"id", "source_id", "name", "first_name", "phone", "phone_norm", "email", "email_norm",
	"address", "postal_code", "city", "company", "fuzzy_key", "tags", "notes",
	"quality_score", "quality_flags", "enrichment_status", "merged_into_id", "pipeline_status",
	"created_at", "updated_at", "meta_data",
}

// live rows first, then the oldest
var bestMatchOrder = []string{"(merged_into_id IS NULL) DESC", "created_at ASC", "id ASC"}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProspect(row rowScanner) (*model.CanonicalProspect, error) {
	p := &model.CanonicalProspect{}
	var (
		flagsJSON, metaDataJSON    []byte
		mergedInto, pipelineStatus sql.NullString
		enrichment                 string
	)
	err := row.Scan(
		&p.ID, &p.SourceID, &p.Name, &p.FirstName, &p.Phone, &p.PhoneNorm, &p.Email, &p.EmailNorm,
		&p.Address, &p.PostalCode, &p.City, &p.Company, &p.FuzzyKey, pq.Array(&p.Tags), &p.Notes,
		&p.QualityScore, &flagsJSON, &enrichment, &mergedInto, &pipelineStatus,
		&p.CreatedAt, &p.UpdatedAt, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}
	p.EnrichmentStatus = model.EnrichmentStatus(enrichment)
	if mergedInto.Valid {
		id := mergedInto.String
		p.MergedIntoID = &id
	}
	p.PipelineStatus = pipelineStatus.String

	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &p.QualityFlags); err != nil {
			return nil, err
		}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &p.MetaData); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// InsertProspect writes a new canonical prospect.
func (d Datasource) InsertProspect(ctx context.Context, p *model.CanonicalProspect) error {
	flagsJSON, err := json.Marshal(p.QualityFlags)
	if err != nil {
		return err
	}
	metaDataJSON, err := json.Marshal(p.MetaData)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	query, args, err := psql.Insert("prospects").
		Columns(prospectColumns...).
		Values(
			p.ID, p.SourceID, p.Name, p.FirstName, p.Phone, p.PhoneNorm, p.Email, p.EmailNorm,
			p.Address, p.PostalCode, p.City, p.Company, p.FuzzyKey, pq.Array(p.Tags), p.Notes,
			p.QualityScore, flagsJSON, string(p.EnrichmentStatus), nullable(p.MergedIntoID), p.PipelineStatus,
			p.CreatedAt, p.UpdatedAt, metaDataJSON,
		).ToSql()
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, query, args...)
	return classify(err)
}

// UpdateProspect rewrites the mutable fields of a live prospect. Rows that have
// been merged are left untouched and ErrNotLive is returned.
func (d Datasource) UpdateProspect(ctx context.Context, p *model.CanonicalProspect) error {
	flagsJSON, err := json.Marshal(p.QualityFlags)
	if err != nil {
		return err
	}
	metaDataJSON, err := json.Marshal(p.MetaData)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now()

	query, args, err := psql.Update("prospects").
		SetMap(map[string]interface{}{
			"name":              p.Name,
			"first_name":        p.FirstName,
			"phone":             p.Phone,
			"phone_norm":        p.PhoneNorm,
			"email":             p.Email,
			"email_norm":        p.EmailNorm,
			"address":           p.Address,
			"postal_code":       p.PostalCode,
			"city":              p.City,
			"company":           p.Company,
			"fuzzy_key":         p.FuzzyKey,
			"tags":              pq.Array(p.Tags),
			"notes":             p.Notes,
			"quality_score":     p.QualityScore,
			"quality_flags":     flagsJSON,
			"enrichment_status": string(p.EnrichmentStatus),
			"updated_at":        p.UpdatedAt,
			"meta_data":         metaDataJSON,
		}).
		Where(sq.Eq{"id": p.ID}).
		Where("merged_into_id IS NULL").
		ToSql()
	if err != nil {
		return err
	}

	res, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotLive, p.ID)
	}
	return nil
}

// GetProspect retrieves a prospect by id.
func (d Datasource) GetProspect(ctx context.Context, id string) (*model.CanonicalProspect, error) {
	query, args, err := psql.Select(prospectColumns...).
		From("prospects").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanProspect(d.Conn.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

// FindByExactKey returns the best prospect carrying the normalized phone or email.
func (d Datasource) FindByExactKey(ctx context.Context, key model.ExactKey) (*model.CanonicalProspect, error) {
	var column string
	switch key.Kind {
	case model.ExactKeyPhone:
		column = "phone_norm"
	case model.ExactKeyEmail:
		column = "email_norm"
	default:
		return nil, fmt.Errorf("unsupported exact key kind %q", key.Kind)
	}
	return d.findBest(ctx, sq.Eq{column: key.Value})
}

// FindByFuzzyKey returns the best prospect carrying the lastname|city key.
func (d Datasource) FindByFuzzyKey(ctx context.Context, key string) (*model.CanonicalProspect, error) {
	return d.findBest(ctx, sq.Eq{"fuzzy_key": key})
}

func (d Datasource) findBest(ctx context.Context, where sq.Eq) (*model.CanonicalProspect, error) {
	query, args, err := psql.Select(prospectColumns...).
		From("prospects").
		Where(where).
		OrderBy(bestMatchOrder...).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanProspect(d.Conn.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

// RecordMergeLog inserts a merge audit row. Replaying the same id is a no-op.
func (d Datasource) RecordMergeLog(ctx context.Context, entry *model.MergeLog) error {
	fieldsJSON, err := json.Marshal(entry.MergedFields)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	query, args, err := psql.Insert("merge_logs").
		Columns("id", "source_id", "target_id", "reason", "merged_fields", "created_at").
		Values(entry.ID, entry.SourceID, entry.TargetID, entry.Reason, fieldsJSON, entry.CreatedAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	_, err = d.Conn.ExecContext(ctx, query, args...)
	return classify(err)
}

// GetMergeLogs lists the merges into a survivor, oldest first.
func (d Datasource) GetMergeLogs(ctx context.Context, targetID string) ([]model.MergeLog, error) {
	query, args, err := psql.Select("id", "source_id", "target_id", "reason", "merged_fields", "created_at").
		From("merge_logs").
		Where(sq.Eq{"target_id": targetID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var logs []model.MergeLog
	for rows.Next() {
		var (
			entry      model.MergeLog
			fieldsJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.SourceID, &entry.TargetID, &entry.Reason, &fieldsJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &entry.MergedFields); err != nil {
				return nil, err
			}
		}
		logs = append(logs, entry)
	}
	return logs, classify(rows.Err())
}

// RecordDuplicateCandidate stores a suggestion, keeping the highest confidence seen.
// duplicateUpsert keeps the most confident suggestion for a pair, reason included.
const duplicateUpsert = `ON CONFLICT (prospect_id, candidate_id) DO UPDATE SET
	reason = CASE WHEN EXCLUDED.confidence >= duplicate_candidates.confidence THEN EXCLUDED.reason ELSE duplicate_candidates.reason END,
	confidence = GREATEST(duplicate_candidates.confidence, EXCLUDED.confidence)`

func (d Datasource) RecordDuplicateCandidate(ctx context.Context, dc *model.DuplicateCandidate) error {
	if dc.CreatedAt.IsZero() {
		dc.CreatedAt = time.Now()
	}
	query, args, err := psql.Insert("duplicate_candidates").
		Columns("prospect_id", "candidate_id", "reason", "confidence", "created_at").
		Values(dc.ProspectID, dc.CandidateID, dc.Reason, dc.Confidence, dc.CreatedAt).
		Suffix(duplicateUpsert).
		ToSql()
	if err != nil {
		return err
	}
	_, err = d.Conn.ExecContext(ctx, query, args...)
	return classify(err)
}

// GetDuplicateCandidates lists suggestions for a prospect, most confident first.
func (d Datasource) GetDuplicateCandidates(ctx context.Context, prospectID string) ([]model.DuplicateCandidate, error) {
	query, args, err := psql.Select("prospect_id", "candidate_id", "reason", "confidence", "created_at").
		From("duplicate_candidates").
		Where(sq.Eq{"prospect_id": prospectID}).
		OrderBy("confidence DESC", "created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.DuplicateCandidate
	for rows.Next() {
		var dc model.DuplicateCandidate
		if err := rows.Scan(&dc.ProspectID, &dc.CandidateID, &dc.Reason, &dc.Confidence, &dc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(err)
	}
	return out, nil
}
