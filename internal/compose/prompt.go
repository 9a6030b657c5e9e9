// Package compose assembles the message list sent to the model: the
// skill's system prompt, a digest of archived history, the in-budget
// conversation window, and the user's message.
package compose

import (
	"fmt"
	"strings"

	"github.com/kalambet/parley/internal/memory"
	"github.com/kalambet/parley/internal/ollama"
)

const defaultMaxContextTokens = 4000

// Composer builds model-ready message lists under a token budget shared
// with the memory window.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer. If maxContextTokens <= 0, the default (4000)
// is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Input is everything Compose needs for one exchange.
type Input struct {
	// SkillPrompt is the routed skill's template; it becomes the system
	// message. Empty means no system message.
	SkillPrompt string

	// Archives are the session's archive entries, oldest first. A digest
	// of the newest entries is folded into the system message, bounded
	// by the budget.
	Archives []memory.ArchiveEntry

	// Window is the session's current conversation window.
	Window memory.Window

	// UserText is the message being answered. Always last and never
	// truncated.
	UserText string
}

// Compose builds the outbound message list. The user message and the
// skill prompt are always included; window messages are dropped oldest
// first and archive digests newest last when the budget is tight.
func (c *Composer) Compose(in Input) []ollama.Message {
	budget := c.MaxContextTokens
	budget -= memory.EstimateTokens(in.UserText)
	budget -= memory.EstimateTokens(in.SkillPrompt)

	system := c.systemMessage(in, &budget)

	window := fitWindow(in.Window.Messages, budget)

	msgs := make([]ollama.Message, 0, len(window)+2)
	if system != "" {
		msgs = append(msgs, ollama.Message{Role: memory.RoleSystem, Content: system})
	}
	for _, m := range window {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Text})
	}
	msgs = append(msgs, ollama.Message{Role: memory.RoleUser, Content: in.UserText})
	return msgs
}

// systemMessage merges the skill prompt with an archive digest, spending
// from budget for every digest line it keeps.
func (c *Composer) systemMessage(in Input, budget *int) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(in.SkillPrompt))

	digest := archiveDigest(in.Archives, *budget/4)
	if digest != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(digest)
		*budget -= memory.EstimateTokens(digest)
	}
	return sb.String()
}

// archiveDigest renders the newest archive summaries, newest first, until
// the given token allowance runs out. Archives get at most a quarter of
// the remaining budget; recent turns matter more than old summaries.
func archiveDigest(archives []memory.ArchiveEntry, allowance int) string {
	if len(archives) == 0 || allowance <= 0 {
		return ""
	}

	header := "[Earlier in this conversation]\n"
	remaining := allowance - memory.EstimateTokens(header)

	var lines []string
	for i := len(archives) - 1; i >= 0; i-- {
		line := fmt.Sprintf("- %s\n", archives[i].Summary)
		tokens := memory.EstimateTokens(line)
		if tokens > remaining {
			break
		}
		lines = append(lines, line)
		remaining -= tokens
	}
	if len(lines) == 0 {
		return ""
	}

	// Collected newest-first; emit oldest-first so the digest reads in
	// conversation order.
	var sb strings.Builder
	sb.WriteString(header)
	for i := len(lines) - 1; i >= 0; i-- {
		sb.WriteString(lines[i])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// fitWindow returns the suffix of msgs that fits the budget, dropping
// oldest first.
func fitWindow(msgs []memory.Message, budget int) []memory.Message {
	if budget <= 0 {
		return nil
	}
	tokens := 0
	start := len(msgs)
	for start > 0 {
		next := msgs[start-1]
		if tokens+next.TokenEstimate > budget {
			break
		}
		tokens += next.TokenEstimate
		start--
	}
	return msgs[start:]
}
