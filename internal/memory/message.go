// Package memory holds per-session conversation state: a bounded window of
// recent messages plus append-only archive entries summarizing everything
// compressed out of the window. Persistence is a collaborator, not a
// concern of this package; the store flushes through a Persister and never
// touches the storage medium itself.
package memory

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one conversation turn. Immutable once appended.
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Role          string    `json:"role"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	TokenEstimate int       `json:"token_estimate"`
}

// Window is the bounded, in-budget slice of a session's history that is
// safe to hand to the prompt composer.
type Window struct {
	Messages []Message
	TokenSum int
}

// ArchiveEntry summarizes a span of messages compressed out of the active
// window. Entries are append-only and never mutated.
type ArchiveEntry struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"session_id"`
	Summary              string    `json:"summary"`
	OriginalMessageCount int       `json:"original_message_count"`
	Weight               float64   `json:"weight"`
	CreatedAt            time.Time `json:"created_at"`
}

// EstimateTokens approximates the token count of text as one token per
// four characters, minimum one. A fixed heuristic, not a tokenizer; good
// enough for window budgeting and shared with the prompt composer.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
