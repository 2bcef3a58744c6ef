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

package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	emailPattern      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	swissPhonePattern = regexp.MustCompile(`^\+41[2-9][0-9]{8}$`)
)

const maxEmailLength = 254

// Phone reduces a phone number to digits with an optional leading "+" and
// rewrites Swiss national forms into E.164. An input without digits yields "".
func Phone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	if strings.HasPrefix(raw, "+") {
		b.WriteByte('+')
	}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	phone := b.String()
	if phone == "" || phone == "+" {
		return ""
	}

	switch {
	case strings.HasPrefix(phone, "00"):
		phone = "+" + phone[2:]
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		phone = "+41" + phone[1:]
	case strings.HasPrefix(phone, "41") && len(phone) == 11:
		phone = "+" + phone
	}
	return phone
}

// IsSwissPhone reports whether a normalized number is a complete Swiss number:
// +41 followed by nine digits, the first of which is an area or mobile prefix.
func IsSwissPhone(normalized string) bool {
	return swissPhonePattern.MatchString(normalized)
}

// Email trims and lower-cases an address.
func Email(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// IsEmail is a format check only; deliverability is out of scope.
func IsEmail(normalized string) bool {
	if normalized == "" || len(normalized) > maxEmailLength {
		return false
	}
	return emailPattern.MatchString(normalized)
}

// Text folds case, strips diacritics and collapses everything that is not a
// letter or digit into single spaces. "  Genève-Ville " becomes "geneve ville".
func Text(raw string) string {
	if raw == "" {
		return ""
	}
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, raw)
	if err != nil {
		folded = raw
	}
	folded = strings.ToLower(folded)

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// LastName returns the last token of a folded full name.
func LastName(name string) string {
	fields := strings.Fields(Text(name))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// FuzzyKey builds the heuristic identity key "lastname|city". It is empty when
// either part is missing so that sparse records never collide on a bare city.
func FuzzyKey(name, city string) string {
	last := LastName(name)
	c := Text(city)
	if last == "" || c == "" {
		return ""
	}
	return last + "|" + c
}

// IsBlank reports whether s holds nothing but whitespace.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
