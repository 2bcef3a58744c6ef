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
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name.
// The resulting ID has the format "module_uuid".
//
// Parameters:
// - module string: The module name to prefix the UUID with (e.g. "prs", "job").
//
// Returns:
// - string: The generated ID.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// ProspectIDForCandidate derives the canonical row ID a candidate is stored under.
// Deriving it from the candidate ID makes a redelivered candidate land on the row
// it already produced.
func ProspectIDForCandidate(candidateID string) string {
	return fmt.Sprintf("prs_%s", candidateID)
}
