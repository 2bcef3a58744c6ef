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

package prospekt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/database"
	"github.com/blnkfinance/prospekt/fanout"
	"github.com/blnkfinance/prospekt/internal/jobstore"
	redlock "github.com/blnkfinance/prospekt/internal/lock"
	"github.com/blnkfinance/prospekt/internal/normalize"
	"github.com/blnkfinance/prospekt/internal/notification"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/scoring"
)

var ingestTracer = otel.Tracer("prospekt.ingest")

const (
	maxMergeHops   = 16
	notesSeparator = "\n\n---\n\n"
)

// Suggestion confidence parts. A shared name and city is the base; matching
// first name and address each add to it.
const (
	suggestionBase      = 0.7
	suggestionFirstName = 0.15
	suggestionAddress   = 0.15
)

type IngestOutcome string

const (
	IngestInserted IngestOutcome = "inserted"
	IngestMerged   IngestOutcome = "merged"
)

// IngestResult describes what a single ingest did to the prospect graph.
// Prospect is the inserted row or the survivor after enrichment.
type IngestResult struct {
	Outcome    IngestOutcome            `json:"outcome"`
	Prospect   *model.CanonicalProspect `json:"prospect,omitempty"`
	SurvivorID string                   `json:"survivor_id,omitempty"`
	AbsorbedID string                   `json:"absorbed_id,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Replayed   bool                     `json:"replayed,omitempty"`
}

// MergeEngine reconciles scored candidates into canonical prospects. Matching
// and the insert or merge decision for a candidate run while holding a lock on
// every identity key the candidate carries, so one key sees one decision at a time.
type MergeEngine struct {
	ds        database.IDataSource
	locker    redlock.KeyLocker
	publisher fanout.Publisher
	jobs      jobstore.Store
	cfg       config.MergeConfig
	now       func() time.Time
}

type MergeOption func(*MergeEngine)

// WithMergeClock overrides the clock used for created_at and updated_at.
func WithMergeClock(now func() time.Time) MergeOption {
	return func(e *MergeEngine) {
		e.now = now
	}
}

// WithJobStore makes the engine count ingest outcomes against the candidate's job.
func WithJobStore(jobs jobstore.Store) MergeOption {
	return func(e *MergeEngine) {
		e.jobs = jobs
	}
}

// NewMergeEngine creates a merge engine. A nil locker falls back to an
// in-process locker, a nil publisher disables events. Unset settings take
// their defaults.
func NewMergeEngine(ds database.IDataSource, locker redlock.KeyLocker, publisher fanout.Publisher, cfg config.MergeConfig, opts ...MergeOption) *MergeEngine {
	cfg = cfg.WithDefaults()
	if locker == nil {
		locker = redlock.NewMemoryLocker(config.Ms(cfg.LockWaitMs))
	}
	e := &MergeEngine{
		ds:        ds,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// identity holds the keys a candidate is matched and serialised on.
type identity struct {
	exact []model.ExactKey
	fuzzy string
}

func identityOf(c model.RawCandidate) identity {
	var id identity
	if phone := normalize.Phone(c.Phone); phone != "" {
		id.exact = append(id.exact, model.ExactKey{Kind: model.ExactKeyPhone, Value: phone})
	}
	if email := normalize.Email(c.Email); normalize.IsEmail(email) {
		id.exact = append(id.exact, model.ExactKey{Kind: model.ExactKeyEmail, Value: email})
	}
	id.fuzzy = normalize.FuzzyKey(c.Name, c.City)
	return id
}

func (id identity) lockKeys() []string {
	keys := make([]string, 0, len(id.exact)+1)
	for _, k := range id.exact {
		keys = append(keys, k.String())
	}
	if id.fuzzy != "" {
		keys = append(keys, "fuzzy:"+id.fuzzy)
	}
	return keys
}

// primary is the key a candidate is routed by when work is sharded.
func (id identity) primary() string {
	if keys := id.lockKeys(); len(keys) > 0 {
		return keys[0]
	}
	return ""
}

// Ingest inserts or merges one scored candidate.
//
// A candidate without a candidate id is given one. Re-ingesting a candidate id
// that was already stored replays the stored outcome and writes nothing.
// Transient storage failures are retried with the same input; matching is
// derived again from current state on every attempt.
//
// Parameters:
// - ctx context.Context: Bounds lock waits and storage calls.
// - sc model.ScoredCandidate: The candidate to reconcile.
//
// Returns:
// - *IngestResult: What happened to the candidate.
// - error: A *ValidationError, a *StorageInvariantViolation, or the last storage error.
func (e *MergeEngine) Ingest(ctx context.Context, sc model.ScoredCandidate) (*IngestResult, error) {
	ctx, span := ingestTracer.Start(ctx, "Ingest")
	defer span.End()

	if sc.CandidateID == "" {
		sc.CandidateID = model.GenerateUUIDWithSuffix("cnd")
	}

	result, err := e.ingest(ctx, sc)
	if err != nil {
		span.RecordError(err)
		e.reportFailure(ctx, sc, err)
		return nil, err
	}
	e.reportOutcome(ctx, sc, result)
	return result, nil
}

func (e *MergeEngine) ingest(ctx context.Context, sc model.ScoredCandidate) (*IngestResult, error) {
	if err := sc.Validate(); err != nil {
		return nil, &ValidationError{CandidateID: sc.CandidateID, Reason: "invalid candidate", Err: err}
	}
	if sc.QualityScore < 0 || sc.QualityScore > scoring.MaxScore {
		return nil, &ValidationError{CandidateID: sc.CandidateID, Reason: fmt.Sprintf("quality score %d out of range", sc.QualityScore)}
	}

	id := identityOf(sc.RawCandidate)
	keys := id.lockKeys()
	if len(keys) == 0 {
		return nil, &ValidationError{CandidateID: sc.CandidateID, Reason: "no usable identity key"}
	}

	var result *IngestResult
	operation := func() error {
		release, err := e.locker.Acquire(ctx, keys)
		if err != nil {
			if errors.Is(err, redlock.ErrLockTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer release()

		r, err := e.ingestLocked(ctx, sc, id)
		if err != nil {
			if errors.Is(err, redlock.ErrLockTimeout) {
				return err
			}
			if IsTransient(err) {
				logrus.WithFields(logrus.Fields{"candidate_id": sc.CandidateID}).WithError(err).Warn("transient storage failure, retrying ingest")
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	if err := backoff.Retry(operation, e.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *MergeEngine) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.Ms(e.cfg.StorageRetryBackoffMs)
	b.MaxInterval = 10 * b.InitialInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.StorageRetries)), ctx)
}

// ingestLocked runs one attempt. The caller holds the locks of every key in id.
func (e *MergeEngine) ingestLocked(ctx context.Context, sc model.ScoredCandidate, id identity) (*IngestResult, error) {
	rowID := model.ProspectIDForCandidate(sc.CandidateID)

	stored, err := e.ds.GetProspect(ctx, rowID)
	if err == nil {
		return e.replay(ctx, stored)
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	target, reason, conflicts, err := e.exactTarget(ctx, id.exact)
	if err != nil {
		return nil, err
	}

	var suggestion *model.DuplicateCandidate
	if target == nil && id.fuzzy != "" {
		target, suggestion, err = e.fuzzyTarget(ctx, sc, id.fuzzy)
		if err != nil {
			return nil, err
		}
		if target != nil {
			reason = "fuzzy:name_city"
		}
	}

	var result *IngestResult
	if target == nil {
		result, err = e.insert(ctx, sc, rowID)
	} else {
		result, err = e.merge(ctx, sc, rowID, target, reason)
	}
	if err != nil {
		return nil, err
	}

	if suggestion != nil {
		if err := e.ds.RecordDuplicateCandidate(ctx, suggestion); err != nil {
			return nil, err
		}
	}
	for _, other := range conflicts {
		dc := &model.DuplicateCandidate{
			ProspectID:  other.ID,
			CandidateID: sc.CandidateID,
			Reason:      "exact_key_conflict",
			Confidence:  1,
			CreatedAt:   e.now(),
		}
		if err := e.ds.RecordDuplicateCandidate(ctx, dc); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// replay reports the outcome of a candidate that is already stored.
func (e *MergeEngine) replay(ctx context.Context, stored *model.CanonicalProspect) (*IngestResult, error) {
	if stored.IsLive() {
		return &IngestResult{Outcome: IngestInserted, Prospect: stored, Reason: "replay", Replayed: true}, nil
	}
	survivor, err := e.resolveRoot(ctx, stored)
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		Outcome:    IngestMerged,
		Prospect:   survivor,
		SurvivorID: survivor.ID,
		AbsorbedID: stored.ID,
		Reason:     "replay",
		Replayed:   true,
	}, nil
}

// exactTarget resolves every exact key to its root survivor and picks the
// oldest. Other distinct roots are returned as conflicts.
func (e *MergeEngine) exactTarget(ctx context.Context, keys []model.ExactKey) (*model.CanonicalProspect, string, []*model.CanonicalProspect, error) {
	var (
		target *model.CanonicalProspect
		reason string
		roots  []*model.CanonicalProspect
	)
	for _, key := range keys {
		match, err := e.ds.FindByExactKey(ctx, key)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", nil, err
		}
		root, err := e.resolveRoot(ctx, match)
		if err != nil {
			return nil, "", nil, err
		}
		if slices.ContainsFunc(roots, func(p *model.CanonicalProspect) bool { return p.ID == root.ID }) {
			continue
		}
		roots = append(roots, root)
		if target == nil || older(root, target) {
			target = root
			reason = "exact:" + string(key.Kind)
		}
	}

	var conflicts []*model.CanonicalProspect
	for _, r := range roots {
		if r.ID != target.ID {
			conflicts = append(conflicts, r)
		}
	}
	return target, reason, conflicts, nil
}

// fuzzyTarget returns the fuzzy match root when both scores reach the minimum
// confidence. Otherwise it returns a duplicate suggestion, if one is warranted.
func (e *MergeEngine) fuzzyTarget(ctx context.Context, sc model.ScoredCandidate, key string) (*model.CanonicalProspect, *model.DuplicateCandidate, error) {
	match, err := e.ds.FindByFuzzyKey(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	root, err := e.resolveRoot(ctx, match)
	if err != nil {
		return nil, nil, err
	}

	minScore := *e.cfg.MinConfidenceScore
	if sc.QualityScore >= minScore && root.QualityScore >= minScore {
		return root, nil, nil
	}

	confidence, reason := e.suggest(sc.RawCandidate, root)
	if confidence < *e.cfg.SuggestionThreshold {
		return nil, nil, nil
	}
	return nil, &model.DuplicateCandidate{
		ProspectID:  root.ID,
		CandidateID: sc.CandidateID,
		Reason:      reason,
		Confidence:  confidence,
		CreatedAt:   e.now(),
	}, nil
}

func (e *MergeEngine) suggest(c model.RawCandidate, p *model.CanonicalProspect) (float64, string) {
	confidence := suggestionBase
	parts := []string{"name", "city"}
	if similarity(c.FirstName, p.FirstName) >= *e.cfg.NameSimilarityThreshold {
		confidence += suggestionFirstName
		parts = append(parts, "first_name")
	}
	if similarity(c.Address, p.Address) >= *e.cfg.NameSimilarityThreshold {
		confidence += suggestionAddress
		parts = append(parts, "address")
	}
	return confidence, "match_" + strings.Join(parts, "_")
}

// similarity is 1 minus the edit distance of the folded strings over the
// longer length. Two blanks are not similar.
func similarity(a, b string) float64 {
	ra, rb := []rune(normalize.Text(a)), []rune(normalize.Text(b))
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	longest := max(len(ra), len(rb))
	return 1 - float64(distance)/float64(longest)
}

// resolveRoot follows merged_into_id to the live survivor. A dangling pointer,
// a cycle or an overly long chain is refused.
func (e *MergeEngine) resolveRoot(ctx context.Context, p *model.CanonicalProspect) (*model.CanonicalProspect, error) {
	seen := map[string]bool{p.ID: true}
	current := p
	for hops := 0; !current.IsLive(); hops++ {
		if hops >= maxMergeHops {
			return nil, &StorageInvariantViolation{ProspectID: p.ID, Reason: "merge chain too long"}
		}
		parentID := *current.MergedIntoID
		if seen[parentID] {
			return nil, &StorageInvariantViolation{ProspectID: p.ID, Reason: "cycle in merge chain"}
		}
		parent, err := e.ds.GetProspect(ctx, parentID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, &StorageInvariantViolation{ProspectID: current.ID, Reason: fmt.Sprintf("merged into missing prospect %s", parentID)}
		}
		if err != nil {
			return nil, err
		}
		seen[parentID] = true
		current = parent
	}
	return current, nil
}

// ProspectView is a prospect as seen through the merge graph.
type ProspectView struct {
	Prospect    *model.CanonicalProspect   `json:"prospect"`
	Survivor    *model.CanonicalProspect   `json:"survivor"`
	MergeLogs   []model.MergeLog           `json:"merge_logs"`
	Suggestions []model.DuplicateCandidate `json:"suggestions"`
}

// Lookup loads a prospect, the live survivor it resolves to, the merges that
// survivor absorbed and the duplicates suggested for it.
func (e *MergeEngine) Lookup(ctx context.Context, id string) (*ProspectView, error) {
	ctx, span := ingestTracer.Start(ctx, "Lookup")
	defer span.End()

	p, err := e.ds.GetProspect(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	root, err := e.resolveRoot(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logs, err := e.ds.GetMergeLogs(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	suggestions, err := e.ds.GetDuplicateCandidates(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	return &ProspectView{Prospect: p, Survivor: root, MergeLogs: logs, Suggestions: suggestions}, nil
}

func (e *MergeEngine) insert(ctx context.Context, sc model.ScoredCandidate, rowID string) (*IngestResult, error) {
	p := e.newProspect(sc, rowID)
	if err := e.ds.InsertProspect(ctx, p); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			stored, getErr := e.ds.GetProspect(ctx, rowID)
			if getErr != nil {
				return nil, getErr
			}
			return e.replay(ctx, stored)
		}
		return nil, err
	}
	return &IngestResult{Outcome: IngestInserted, Prospect: p, Reason: "new"}, nil
}

// merge enriches the survivor, records the audit entry, then stores the
// candidate as an absorbed row. The absorbed row is written last so that a
// retried attempt finds no stored row and redoes the idempotent steps.
//
// Candidates reaching one survivor through different identity keys do not
// share a key lock, so the survivor is locked on its own id and re-read before
// it is enriched.
func (e *MergeEngine) merge(ctx context.Context, sc model.ScoredCandidate, rowID string, target *model.CanonicalProspect, reason string) (*IngestResult, error) {
	if !target.IsLive() {
		return nil, &StorageInvariantViolation{ProspectID: target.ID, Reason: "merge target is already merged"}
	}

	release, err := e.locker.Acquire(ctx, []string{survivorLockKey(target.ID)})
	if err != nil {
		return nil, err
	}
	defer release()

	target, err = e.ds.GetProspect(ctx, target.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, &StorageInvariantViolation{ProspectID: rowID, Reason: "merge target disappeared"}
		}
		return nil, err
	}
	if !target.IsLive() {
		return nil, &StorageInvariantViolation{ProspectID: target.ID, Reason: "merge target is already merged"}
	}

	now := e.now()
	survivor := *target
	merged := enrich(&survivor, sc.RawCandidate)
	survivor.Tags = unionTags(target.Tags, sc.Tags)
	survivor.Notes = appendNote(target.Notes, sc.Notes)

	rescored, flags := scoring.Score(prospectFields(&survivor))
	if rescored > survivor.QualityScore {
		survivor.QualityScore = rescored
		survivor.QualityFlags = flags
	}
	survivor.EnrichmentStatus = model.EnrichmentEnriched
	survivor.UpdatedAt = now

	if err := e.ds.UpdateProspect(ctx, &survivor); err != nil {
		if errors.Is(err, database.ErrNotLive) {
			return nil, &StorageInvariantViolation{ProspectID: survivor.ID, Reason: "survivor is no longer live"}
		}
		return nil, err
	}

	entry := &model.MergeLog{
		ID:           "mlg_" + sc.CandidateID,
		SourceID:     rowID,
		TargetID:     survivor.ID,
		Reason:       reason,
		MergedFields: merged,
		CreatedAt:    now,
	}
	if err := e.ds.RecordMergeLog(ctx, entry); err != nil {
		return nil, err
	}

	absorbed := e.newProspect(sc, rowID)
	absorbed.MergedIntoID = ptr.String(survivor.ID)
	if err := e.ds.InsertProspect(ctx, absorbed); err != nil && !errors.Is(err, database.ErrDuplicate) {
		return nil, err
	}

	return &IngestResult{
		Outcome:    IngestMerged,
		Prospect:   &survivor,
		SurvivorID: survivor.ID,
		AbsorbedID: rowID,
		Reason:     reason,
	}, nil
}

func survivorLockKey(prospectID string) string {
	return "prospect:" + prospectID
}

func (e *MergeEngine) newProspect(sc model.ScoredCandidate, rowID string) *model.CanonicalProspect {
	now := e.now()
	meta := map[string]interface{}{"candidate_id": sc.CandidateID}
	if sc.JobID != "" {
		meta["job_id"] = sc.JobID
	}
	return &model.CanonicalProspect{
		ID:               rowID,
		SourceID:         sc.SourceID,
		Name:             strings.TrimSpace(sc.Name),
		FirstName:        strings.TrimSpace(sc.FirstName),
		Phone:            strings.TrimSpace(sc.Phone),
		PhoneNorm:        normalize.Phone(sc.Phone),
		Email:            strings.TrimSpace(sc.Email),
		EmailNorm:        normalize.Email(sc.Email),
		Address:          strings.TrimSpace(sc.Address),
		PostalCode:       strings.TrimSpace(sc.PostalCode),
		City:             strings.TrimSpace(sc.City),
		Company:          strings.TrimSpace(sc.Company),
		FuzzyKey:         normalize.FuzzyKey(sc.Name, sc.City),
		Tags:             unionTags(nil, sc.Tags),
		Notes:            strings.TrimSpace(sc.Notes),
		QualityScore:     sc.QualityScore,
		QualityFlags:     sc.ValidityFlags,
		EnrichmentStatus: model.EnrichmentEnriched,
		CreatedAt:        now,
		UpdatedAt:        now,
		MetaData:         meta,
	}
}

// enrich fills the survivor's empty fields from c and returns what it took.
// A populated field is never replaced.
func enrich(p *model.CanonicalProspect, c model.RawCandidate) map[string]string {
	merged := map[string]string{}
	fill := func(field string, dst *string, src string) {
		src = strings.TrimSpace(src)
		if src == "" || !normalize.IsBlank(*dst) {
			return
		}
		*dst = src
		merged[field] = src
	}

	fill("name", &p.Name, c.Name)
	fill("first_name", &p.FirstName, c.FirstName)
	fill("phone", &p.Phone, c.Phone)
	fill("email", &p.Email, c.Email)
	fill("address", &p.Address, c.Address)
	fill("postal_code", &p.PostalCode, c.PostalCode)
	fill("city", &p.City, c.City)
	fill("company", &p.Company, c.Company)

	if _, ok := merged["phone"]; ok {
		p.PhoneNorm = normalize.Phone(p.Phone)
	}
	if _, ok := merged["email"]; ok {
		p.EmailNorm = normalize.Email(p.Email)
	}
	if p.FuzzyKey == "" {
		p.FuzzyKey = normalize.FuzzyKey(p.Name, p.City)
	}
	return merged
}

func prospectFields(p *model.CanonicalProspect) model.RawCandidate {
	return model.RawCandidate{
		SourceID:   p.SourceID,
		Name:       p.Name,
		FirstName:  p.FirstName,
		Phone:      p.Phone,
		Email:      p.Email,
		Address:    p.Address,
		PostalCode: p.PostalCode,
		City:       p.City,
		Company:    p.Company,
	}
}

func unionTags(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, t := range slices.Concat(a, b) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	case strings.Contains(existing, note):
		return existing
	}
	return existing + notesSeparator + note
}

func older(a, b *model.CanonicalProspect) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (e *MergeEngine) publish(event model.Event) {
	if e.publisher != nil {
		e.publisher.Publish(event)
	}
}

func (e *MergeEngine) count(ctx context.Context, jobID, field string) {
	if e.jobs == nil || jobID == "" {
		return
	}
	if err := e.jobs.IncrIngest(ctx, jobID, field); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		logrus.WithFields(logrus.Fields{"job_id": jobID, "field": field}).WithError(err).Warn("failed to update ingest counter")
	}
}

func (e *MergeEngine) reportOutcome(ctx context.Context, sc model.ScoredCandidate, r *IngestResult) {
	fields := logrus.Fields{"candidate_id": sc.CandidateID, "job_id": sc.JobID, "outcome": r.Outcome}
	if r.Replayed {
		logrus.WithFields(fields).Debug("candidate already ingested")
		return
	}

	switch r.Outcome {
	case IngestInserted:
		logrus.WithFields(fields).WithField("prospect_id", r.Prospect.ID).Debug("prospect inserted")
		e.publish(model.Event{Type: model.EventProspectInserted, JobID: sc.JobID, Merge: &model.MergeEvent{
			JobID:       sc.JobID,
			CandidateID: sc.CandidateID,
			ProspectID:  r.Prospect.ID,
			Reason:      r.Reason,
		}})
		e.count(ctx, sc.JobID, model.IngestInserted)
	case IngestMerged:
		logrus.WithFields(fields).WithFields(logrus.Fields{"survivor_id": r.SurvivorID, "reason": r.Reason}).Debug("candidate merged")
		e.publish(model.Event{Type: model.EventProspectMerged, JobID: sc.JobID, Merge: &model.MergeEvent{
			JobID:       sc.JobID,
			CandidateID: sc.CandidateID,
			ProspectID:  r.SurvivorID,
			SurvivorID:  r.SurvivorID,
			AbsorbedID:  r.AbsorbedID,
			Reason:      r.Reason,
		}})
		e.count(ctx, sc.JobID, model.IngestMerged)
	}
}

func (e *MergeEngine) reportFailure(ctx context.Context, sc model.ScoredCandidate, err error) {
	event := model.Event{JobID: sc.JobID, Merge: &model.MergeEvent{
		JobID:       sc.JobID,
		CandidateID: sc.CandidateID,
		Error:       err.Error(),
	}}
	entry := logrus.WithFields(logrus.Fields{"candidate_id": sc.CandidateID, "job_id": sc.JobID}).WithError(err)

	var violation *StorageInvariantViolation
	switch {
	case IsValidationError(err):
		entry.Warn("candidate dropped")
		event.Type = model.EventCandidateDropped
	case errors.As(err, &violation):
		notification.NotifyError(err)
		event.Type = model.EventInvariantViolated
		event.Merge.ProspectID = violation.ProspectID
	default:
		entry.Error("ingest failed")
		event.Type = model.EventIngestFailed
	}

	e.publish(event)
	e.count(ctx, sc.JobID, model.IngestFailed)
}
