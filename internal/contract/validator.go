// Package contract enforces the data-minimization contract on advisory
// payloads. Only privacy-preserving shapes may cross the boundary: hashed
// identifiers, reference ids, coarse tiers, and tagged risk factors.
// Validation is a pure function over the payload; violations carry field
// names only, never values.
package contract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/WoodrowLove/advisorygate/internal/domain"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
)

// Violation names a payload field that failed the contract and the rule
// that rejected it. The offending value is deliberately absent.
type Violation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Rule)
}

// ValidationError aggregates all violations found in one payload.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	fields := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		fields[i] = v.String()
	}
	return "contract: " + strings.Join(fields, "; ")
}

// Unwrap ties ValidationError into the shared error taxonomy.
func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Allow-listed shapes. A value must match one of these to leave the boundary.
var (
	hashedIDRe   = regexp.MustCompile(`^[a-f0-9]{64}$`)
	referenceRe  = regexp.MustCompile(`^ref_[A-Za-z0-9_-]{1,64}$`)
	tierRe       = regexp.MustCompile(`^tier_(?:minimal|low|standard|elevated|high)$`)
	riskFactorRe = regexp.MustCompile(`^risk:[a-z0-9_]{1,48}$`)
)

var digitRunRe = regexp.MustCompile(`[0-9]{9,}`)

// Deny patterns, checked to name the rule when a value is not allow-listed.
var denyRules = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email_like", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"phone_like", regexp.MustCompile(`\+?[0-9][0-9 ().-]{6,}[0-9]`)},
	{"digit_run", digitRunRe},
	{"name_like", regexp.MustCompile(`^[A-Z][a-z]+(?: [A-Z][a-z]+)+$`)},
}

const maxFieldLen = 256

// Validate certifies a payload against the data contract. It returns nil
// when every field is built solely from allow-listed shapes, or a
// *ValidationError naming each offending field. Pure: no external state.
func Validate(p request.Payload) error {
	var violations []Violation

	for field, value := range p {
		if len(value) == 0 {
			violations = append(violations, Violation{Field: field, Rule: "empty"})
			continue
		}
		if len(value) > maxFieldLen {
			violations = append(violations, Violation{Field: field, Rule: "too_long"})
			continue
		}
		if allowed(value) {
			continue
		}
		violations = append(violations, Violation{Field: field, Rule: denyRule(value)})
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// allowed reports whether a value matches an allow-listed shape.
// Allow-listed shapes are checked first so that, for example, a 64-hex
// identifier containing nine consecutive digits is not misread as a raw
// account number. Reference bodies are caller-chosen free text, so a
// ref_ prefix never exempts a long digit run: a card or account number
// wrapped in ref_ is still denied.
func allowed(v string) bool {
	if hashedIDRe.MatchString(v) ||
		tierRe.MatchString(v) ||
		riskFactorRe.MatchString(v) {
		return true
	}
	return referenceRe.MatchString(v) && !digitRunRe.MatchString(v)
}

// denyRule names the first deny pattern the value trips, or a generic
// rule when the value simply is not an allow-listed shape.
func denyRule(v string) string {
	for _, rule := range denyRules {
		if rule.re.MatchString(v) {
			return rule.name
		}
	}
	return "not_allow_listed"
}
