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
	"errors"
	"fmt"

	"github.com/blnkfinance/prospekt/database"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/pool"
)

var (
	// ErrPoolExhausted is returned when no pool entry became eligible within the lease wait.
	ErrPoolExhausted = pool.ErrPoolExhausted

	// ErrStorageTransient marks a persistence failure that is worth retrying.
	ErrStorageTransient = database.ErrTransient

	ErrProspectNotFound = database.ErrNotFound

	ErrJobNotFound      = errors.New("job not found")
	ErrJobStopped       = errors.New("job stopped")
	ErrInvalidJob       = errors.New("invalid job")
	ErrUnknownSource    = errors.New("unknown source")
	ErrPipelineStopped  = errors.New("ingest pipeline is stopped")
	ErrPipelineOverload = errors.New("ingest pipeline buffer is full")
)

// AdapterError is a failure reported by a source adapter, already classified
// into the outcome the resource that served it should be released with.
type AdapterError struct {
	Source  string
	Outcome model.Outcome
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Outcome, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// ValidationError drops a single candidate. It is never retried.
type ValidationError struct {
	CandidateID string
	Reason      string
	Err         error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("candidate %s rejected: %s: %v", e.CandidateID, e.Reason, e.Err)
	}
	return fmt.Sprintf("candidate %s rejected: %s", e.CandidateID, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StorageInvariantViolation means the prospect graph is not in a state the
// merge engine can build on. The affected merge is refused.
type StorageInvariantViolation struct {
	ProspectID string
	Reason     string
}

func (e *StorageInvariantViolation) Error() string {
	return fmt.Sprintf("storage invariant violated on prospect %s: %s", e.ProspectID, e.Reason)
}

// IsValidationError reports whether err drops a candidate for good.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsInvariantViolation reports whether err is a refused merge.
func IsInvariantViolation(err error) bool {
	var v *StorageInvariantViolation
	return errors.As(err, &v)
}

// IsTransient reports whether err may succeed when retried with the same input.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageTransient)
}
