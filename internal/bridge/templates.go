package bridge

import "github.com/kalambet/parley/internal/faults"

// Formatter turns failure outcomes into user-visible text. Selection must
// be a pure function of the category; the pipeline never invents reply
// wording on its own.
type Formatter interface {
	Fallback(cat faults.Category) string
	Escalation(cat faults.Category) string
	Backpressure() string
	Shutdown() string
}

// templateFormatter selects from a fixed template set keyed by category.
type templateFormatter struct{}

// NewFormatter returns the default template formatter.
func NewFormatter() Formatter {
	return templateFormatter{}
}

var fallbackTemplates = map[faults.Category]string{
	faults.BackendConnection: "I can't reach the language model right now. Your message wasn't lost — please try again in a moment.",
	faults.Timeout:           "That took longer than I allow for a single reply, so I stopped waiting. A shorter or simpler request may help.",
	faults.RateLimit:         "The model is handling too many requests at the moment. Give it a few seconds and send your message again.",
	faults.Processing:        "I couldn't finish handling that request. You could rephrase it, or pick a skill explicitly with a /command.",
}

const fallbackDefault = "Something went wrong while handling your message. Please try again."

var escalationTemplates = map[faults.Category]string{
	faults.Memory:          "I hit an internal storage problem and have flagged it for attention. Your conversation so far is safe.",
	faults.ChannelDelivery: "I produced a reply but couldn't deliver it. This has been flagged for attention.",
}

const escalationDefault = "An unexpected internal error occurred and has been flagged for attention. Please try again later."

func (templateFormatter) Fallback(cat faults.Category) string {
	if t, ok := fallbackTemplates[cat]; ok {
		return t
	}
	return fallbackDefault
}

func (templateFormatter) Escalation(cat faults.Category) string {
	if t, ok := escalationTemplates[cat]; ok {
		return t
	}
	return escalationDefault
}

func (templateFormatter) Backpressure() string {
	return "You have too many messages waiting already. Hold on while I work through them, then try again."
}

func (templateFormatter) Shutdown() string {
	return "I'm shutting down and couldn't get to this message. Please send it again once I'm back."
}
