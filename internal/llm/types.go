// Package llm implements the language-model guidance pipeline: the safety
// filter that screens outbound user content, the prompt assembler, the
// gateway that owns the single external chat-completion call (streaming and
// non-streaming), and the parser that turns raw model output into a
// validated recommendation.
//
// Everything user-facing that leaves this package carries the fixed safety
// disclaimer; the gateway and parser enforce it independently of model
// behavior.
package llm

import (
	"strings"
	"time"
)

// Disclaimer is the fixed compliance sentence required on every
// assistant-facing output. It is appended verbatim when absent and is never
// duplicated.
const Disclaimer = "Guidance only — confirm with a local agriculture technician/DA office for accurate diagnosis and treatment."

// Message is one entry of a chat-completion prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries per-call model parameters. Zero values fall back to the
// gateway's configured defaults.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	TopP        *float64
}

// Usage mirrors the token accounting returned by the completion endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is the transient result of one model call. It is never persisted
// directly; callers derive an assistant turn from it.
type Reply struct {
	Content   string
	ModelID   string
	CreatedAt time.Time
	Usage     *Usage

	// Refused is true when the reply was produced locally by the safety
	// filter and no network call was made.
	Refused bool
}

// EnsureDisclaimer appends the fixed disclaimer to s unless it is already
// present. The append is idempotent: applying it twice never doubles the
// sentence.
func EnsureDisclaimer(s string) string {
	if strings.Contains(s, Disclaimer) {
		return s
	}
	if strings.TrimSpace(s) == "" {
		return Disclaimer
	}
	return strings.TrimRight(s, " \t\n") + "\n\n" + Disclaimer
}

// RefusalMessage is the canned reply returned without any network call when
// the safety filter trips. It declines secrets and exact chemical dosages,
// points the user to a professional, and ends with the disclaimer.
func RefusalMessage() string {
	return "I can't help with that. I don't share API keys, passwords, or other " +
		"secrets, and I can't provide exact chemical dosages or pesticide-mixing " +
		"instructions — chemical handling needs to be confirmed by a licensed " +
		"agriculture technician or your local DA office.\n\n" + Disclaimer
}
