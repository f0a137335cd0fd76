// Package llm – SafetyFilter
//
// A fixed, ordered set of case-insensitive patterns screens user text before
// it can reach the external model: credential/secret solicitation first,
// then hazardous agronomic instructions (chemical mixing, exact dosages,
// pesticide combinations). The check is a pure function with no side effects
// and must run before any network call, never after.
package llm

import "regexp"

// unsafePatterns is evaluated in order; the first match wins. There is no
// partial scoring.
var unsafePatterns = []*regexp.Regexp{
	// Credential / secret solicitation.
	regexp.MustCompile(`(?i)\bapi[\s_-]?keys?\b`),
	regexp.MustCompile(`(?i)\bpasswords?\b`),
	regexp.MustCompile(`(?i)\btokens?\b`),
	regexp.MustCompile(`(?i)\bsecrets?\b`),
	regexp.MustCompile(`(?i)\bcredentials?\b`),

	// Hazardous agronomic instructions.
	regexp.MustCompile(`(?i)\b(?:mix|mixing|combine|combining|blend|blending)\b.{0,60}\b(?:chemicals?|pesticides?|fungicides?|insecticides?|herbicides?)\b`),
	regexp.MustCompile(`(?i)\b(?:chemicals?|pesticides?|fungicides?|insecticides?|herbicides?)\b.{0,60}\b(?:mix|mixing|combine|combining|blend|blending|ratio|ratios)\b`),
	regexp.MustCompile(`(?i)\b(?:exact|precise|specific)\b.{0,30}\b(?:dose|doses|dosage|dosages|concentration|application\s+rate)\b`),
	regexp.MustCompile(`(?i)\bhow\s+(?:much|many)\b.{0,40}\b(?:pesticide|fungicide|insecticide|herbicide|chemical)s?\b`),
}

// Unsafe reports whether text trips the safety filter. It returns true on
// the first matching pattern.
func Unsafe(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range unsafePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
