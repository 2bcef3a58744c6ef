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

// Package scoring computes the completeness score of a scraped candidate.
// The score depends on the candidate's fields only, so it can be recomputed
// anywhere and always agrees with itself.
package scoring

import (
	"strings"

	"github.com/blnkfinance/prospekt/internal/normalize"
	"github.com/blnkfinance/prospekt/model"
)

// Component weights. They sum to 100.
const (
	WeightPhone         = 30
	WeightEmail         = 20
	WeightAddress       = 15
	WeightPostalCode    = 10
	WeightCity          = 10
	WeightCompanyOrName = 15

	MaxScore = WeightPhone + WeightEmail + WeightAddress + WeightPostalCode + WeightCity + WeightCompanyOrName
)

var businessKeywords = []string{
	" sa ",
	" sàrl ",
	" sarl ",
	" gmbh ",
	" ag ",
	" inc ",
	" ltd ",
	" llc ",
	" société ",
	" entreprise ",
	" immobilier ",
	" immobilière ",
	" régie ",
	" agence ",
}

// Score returns the quality score of c in [0, MaxScore] together with the
// per-field validity flags it was derived from.
func Score(c model.RawCandidate) (int, model.ValidityFlags) {
	flags := model.ValidityFlags{
		Phone:         normalize.IsSwissPhone(normalize.Phone(c.Phone)),
		Email:         normalize.IsEmail(normalize.Email(c.Email)),
		Address:       !normalize.IsBlank(c.Address),
		PostalCode:    !normalize.IsBlank(c.PostalCode),
		City:          !normalize.IsBlank(c.City),
		CompanyOrName: !normalize.IsBlank(c.Company) || !normalize.IsBlank(c.Name),
	}
	flags.LikelyBusiness = LikelyBusiness(c.Company) || LikelyBusiness(c.Name)

	score := 0
	if flags.Phone {
		score += WeightPhone
	}
	if flags.Email {
		score += WeightEmail
	}
	if flags.Address {
		score += WeightAddress
	}
	if flags.PostalCode {
		score += WeightPostalCode
	}
	if flags.City {
		score += WeightCity
	}
	if flags.CompanyOrName {
		score += WeightCompanyOrName
	}
	return score, flags
}

// ScoreCandidate wraps c with its score.
func ScoreCandidate(c model.RawCandidate) model.ScoredCandidate {
	score, flags := Score(c)
	return model.ScoredCandidate{
		RawCandidate:  c,
		QualityScore:  score,
		ValidityFlags: flags,
	}
}

// LikelyBusiness reports whether a name carries a company form or trade word.
func LikelyBusiness(name string) bool {
	if normalize.IsBlank(name) {
		return false
	}
	padded := " " + strings.Join(strings.Fields(strings.ToLower(name)), " ") + " "
	for _, kw := range businessKeywords {
		if strings.Contains(padded, kw) {
			return true
		}
	}
	return false
}
