// Package riskcheck classifies detector text payloads against known PHI
// patterns. It backs the resolver's candidate mapping for transcript and
// on-screen text events whose upstream detector did not set a risk flag.
// Evaluation is pure and deterministic: same input, same result.
package riskcheck

import "regexp"

// Match is the result of evaluating a text payload.
type Match struct {
	Flagged bool
	Pattern string
}

// Pattern names attached to audit reason codes.
const (
	PatternPersonName = "person_name"
	PatternMRN        = "mrn"
	PatternSSN        = "ssn"
	PatternPhone      = "phone"
	PatternEmail      = "email"
	PatternDate       = "date"
	PatternAddress    = "address"
	PatternEntity     = "entity"
)

// Entity types reported by upstream NER detectors that are PHI on their
// own, without pattern matching.
var riskyEntityTypes = map[string]string{
	"person":        PatternPersonName,
	"person_name":   PatternPersonName,
	"patient_name":  PatternPersonName,
	"mrn":           PatternMRN,
	"ssn":           PatternSSN,
	"phone":         PatternPhone,
	"phone_number":  PatternPhone,
	"email":         PatternEmail,
	"date_of_birth": PatternDate,
	"dob":           PatternDate,
	"address":       PatternAddress,
}

var (
	mrnRegex = regexp.MustCompile(
		`(?i)\bMRN\s*[:#]?\s*\d{4,}\b`,
	)
	ssnRegex = regexp.MustCompile(
		`\b\d{3}-\d{2}-\d{4}\b`,
	)
	emailRegex = regexp.MustCompile(
		`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
	)
	phoneRegex = regexp.MustCompile(
		`\+?[0-9][0-9\-\s()]{7,}[0-9]`,
	)
	dobRegex = regexp.MustCompile(
		`(?i)\b(?:DOB|date of birth)\s*[:#]?\s*\d{1,4}[-/]\d{1,2}[-/]\d{1,4}\b`,
	)
)

// orderedPatterns is checked first-match-wins; more specific patterns
// come before broad ones (MRN before the generic phone digits match).
var orderedPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{PatternMRN, mrnRegex},
	{PatternSSN, ssnRegex},
	{PatternDate, dobRegex},
	{PatternEmail, emailRegex},
	{PatternPhone, phoneRegex},
}

// Evaluate decides whether a text payload is PHI. The entity type, when
// the upstream detector classified one, takes precedence; otherwise the
// excerpt is matched against the pattern set.
func Evaluate(entityType, excerpt string) Match {
	if p, ok := riskyEntityTypes[entityType]; ok {
		return Match{Flagged: true, Pattern: p}
	}

	for _, p := range orderedPatterns {
		if p.re.MatchString(excerpt) {
			return Match{Flagged: true, Pattern: p.name}
		}
	}

	return Match{}
}

// PatternFor returns the pattern name for an already-flagged event, used
// to derive audit reason codes. Falls back to the generic entity pattern
// when nothing more specific matches.
func PatternFor(entityType, excerpt string) string {
	if m := Evaluate(entityType, excerpt); m.Flagged {
		return m.Pattern
	}
	return PatternEntity
}
