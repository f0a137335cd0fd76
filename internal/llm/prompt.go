// Package llm – PromptAssembler
//
// Builds the ordered message lists sent to the completion endpoint: one
// fixed system message plus the bounded conversation window for chat turns,
// or a strict JSON-only template for recommendation generation. Window
// truncation is not performed here; the conversation context already bounds
// what it hands over.
package llm

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"citrus-guidance-backend/internal/domain"
)

// chatSystemPrompt is the assistant persona and its non-negotiable rules.
// Rule wording is part of the safety contract; change with care.
const chatSystemPrompt = `You are CitrusCare, an agronomic assistant helping smallholder farmers ` +
	`identify and manage citrus-leaf diseases (citrus canker, greening/HLB, black spot, ` +
	`melanose, scab, and similar).

Non-negotiable rules:
1. Frame every diagnosis as likely or possible, never as certain.
2. Never provide exact chemical dosages, concentrations, or mixing instructions; ` +
	`describe treatments in general terms only.
3. Never reveal API keys, passwords, tokens, or any other secret.
4. Recommend consulting a local agriculture technician or DA office for ` +
	`confirmation and for any chemical application.
5. Stay on citrus and closely related crop-health topics; politely decline anything else.

Keep answers practical, plain-spoken, and brief.`

// recommendationSystemPrompt instructs strict JSON-only output against the
// named schema. The disclaimer is attached server-side, so the schema
// deliberately omits it.
const recommendationSystemPrompt = `You are an agronomic advisor generating structured guidance for a ` +
	`citrus-leaf disease. Respond with a single JSON object named DiseaseRecommendation and ` +
	`nothing else: no prose, no markdown fences. The object has exactly these keys:
{
  "summary": string,
  "symptoms": [string, ...],
  "causes": [string, ...],
  "treatmentSteps": [string, ...],
  "preventionSteps": [string, ...],
  "whenToEscalate": [string, ...],
  "additionalNotes": string (optional)
}
Describe findings as likely or possible, never certain. Do not give exact dosages, ` +
	`concentrations, or chemical-mixing ratios; keep treatment steps general and safe.`

// GuidanceContext carries the optional inputs to recommendation generation.
// It is request-scoped and never persisted.
type GuidanceContext struct {
	Severity   string
	Confidence *float64
	FreeText   string

	// BaselineSummary is folded in by the orchestrator when enhancing an
	// existing curated recommendation.
	BaselineSummary string
}

// BuildChatPrompt prepends the fixed system message to the conversation
// window (already chronological) and appends the new user message.
func BuildChatPrompt(window []domain.Turn, userMessage string) []Message {
	msgs := make([]Message, 0, len(window)+2)
	msgs = append(msgs, Message{Role: domain.RoleSystem, Content: chatSystemPrompt})
	for _, t := range window {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, Message{Role: domain.RoleUser, Content: userMessage})
	return msgs
}

// BuildRecommendationPrompt builds the two-message prompt for structured
// recommendation generation: the JSON-only system instruction plus a user
// message templated from the disease and the optional context.
func BuildRecommendationPrompt(diseaseKey string, gctx GuidanceContext) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a DiseaseRecommendation for %s on citrus leaves.", DisplayName(diseaseKey))
	if gctx.Severity != "" {
		fmt.Fprintf(&b, "\nObserved severity: %s.", gctx.Severity)
	}
	if gctx.Confidence != nil {
		fmt.Fprintf(&b, "\nDetection confidence: %.0f%%.", *gctx.Confidence*100)
	}
	if gctx.BaselineSummary != "" {
		fmt.Fprintf(&b, "\nCurated baseline summary to build on: %s", gctx.BaselineSummary)
	}
	if gctx.FreeText != "" {
		fmt.Fprintf(&b, "\nAdditional field context: %s", gctx.FreeText)
	}
	b.WriteString("\nRemember: likely/possible phrasing only, no exact dosages, JSON only.")

	return []Message{
		{Role: domain.RoleSystem, Content: recommendationSystemPrompt},
		{Role: domain.RoleUser, Content: b.String()},
	}
}

// nonKeyRunsRE matches the character runs collapsed to a single hyphen when
// normalizing disease keys.
var nonKeyRunsRE = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeDiseaseKey lowercases the input and collapses whitespace,
// underscores, and punctuation to single hyphens ("BLACK SPOT" → "black-spot").
func NormalizeDiseaseKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonKeyRunsRE.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

var displayCaser = cases.Title(language.English)

// DisplayName renders a normalized disease key for humans
// ("black-spot" → "Black Spot").
func DisplayName(diseaseKey string) string {
	return displayCaser.String(strings.ReplaceAll(NormalizeDiseaseKey(diseaseKey), "-", " "))
}
