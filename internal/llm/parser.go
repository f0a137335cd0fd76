// Package llm – RecommendationParser
//
// Extracts a validated recommendation from unstructured model output. Parse
// is a total function: any decode or validation failure yields the canonical
// fallback object, never an error. Model output is treated as an untrusted
// payload: it is decoded into a permissive intermediate map first and only
// then validated into the strict shape.
package llm

import (
	"encoding/json"
	"strings"

	"citrus-guidance-backend/internal/domain"
)

// Parse turns raw model output into a Recommendation. On success the fixed
// disclaimer is attached, overwriting any disclaimer-like text the model
// produced, and the object is otherwise returned unchanged. Missing required
// fields and present-but-empty lists both trigger the fallback.
func Parse(raw string) *domain.Recommendation {
	span := firstBalancedObject(stripCodeFences(raw))
	if span == "" {
		return FallbackRecommendation()
	}

	var loose map[string]json.RawMessage
	if err := json.Unmarshal([]byte(span), &loose); err != nil {
		return FallbackRecommendation()
	}

	rec := &domain.Recommendation{
		Summary:         looseString(loose, "summary"),
		Symptoms:        looseList(loose, "symptoms"),
		Causes:          looseList(loose, "causes"),
		TreatmentSteps:  looseList(loose, "treatmentSteps", "treatment_steps"),
		PreventionSteps: looseList(loose, "preventionSteps", "prevention_steps"),
		WhenToEscalate:  looseList(loose, "whenToEscalate", "when_to_escalate"),
		AdditionalNotes: looseString(loose, "additionalNotes", "additional_notes"),
	}
	if !rec.HasRequiredFields() {
		return FallbackRecommendation()
	}
	rec.Disclaimer = Disclaimer
	return rec
}

// FallbackRecommendation returns the canonical generic-but-safe object used
// whenever the model output cannot be trusted. Every required list is
// non-empty and the disclaimer is attached.
func FallbackRecommendation() *domain.Recommendation {
	return &domain.Recommendation{
		Summary: "A citrus-leaf problem was detected but detailed guidance could not be " +
			"generated right now. The general care steps below are safe for most leaf diseases.",
		Symptoms: []string{
			"Spots, lesions, or discoloration on leaves",
			"Yellowing, curling, or premature leaf drop",
		},
		Causes: []string{
			"Fungal or bacterial infection favored by warm, humid conditions",
			"Stress from poor drainage, nutrient deficiency, or pest damage",
		},
		TreatmentSteps: []string{
			"Prune and dispose of visibly affected leaves and twigs away from the grove",
			"Improve air circulation around the canopy",
			"Have the tree inspected before applying any chemical treatment",
		},
		PreventionSteps: []string{
			"Water at the base of the tree and avoid wetting foliage",
			"Disinfect pruning tools between trees",
			"Monitor new growth regularly, especially in the wet season",
		},
		WhenToEscalate: []string{
			"Symptoms spread to more than a quarter of the canopy",
			"Fruit drop or dieback appears alongside leaf symptoms",
		},
		Disclaimer: Disclaimer,
	}
}

// stripCodeFences removes leading/trailing markdown code fences (``` or
// ```json) that models commonly wrap JSON in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence line.
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{}") {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// firstBalancedObject returns the first balanced {...} span in s, honoring
// JSON string and escape rules, or "" when none exists.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// looseString reads the first present key as a trimmed string; wrong types
// and absent keys yield "".
func looseString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// looseList reads the first present key as a list of non-blank strings.
// Scalars, wrong element types, and absent keys yield nil.
func looseList(m map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			if t := strings.TrimSpace(it); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
