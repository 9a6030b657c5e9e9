package memory

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	summaryTopics  = 5
	snippetMaxLen  = 80
	minTopicLength = 4
)

// stopwords excluded from topic extraction. Small on purpose; the topic
// list only needs to be suggestive, not exact.
var stopwords = map[string]bool{
	"about": true, "after": true, "also": true, "because": true,
	"been": true, "before": true, "being": true, "could": true,
	"does": true, "down": true, "from": true, "have": true,
	"here": true, "into": true, "just": true, "like": true,
	"more": true, "only": true, "other": true, "over": true,
	"please": true, "said": true, "should": true, "some": true,
	"that": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true,
	"very": true, "want": true, "what": true, "when": true,
	"where": true, "which": true, "will": true, "with": true,
	"would": true, "your": true,
}

// summarize produces a deterministic, extractive summary of a dropped
// message span: shape of the span, its most frequent topics, and how it
// opened and closed. No model call; compression must work when the
// backend is down.
func summarize(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}

	userCount := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			userCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Earlier conversation: %d messages, %d from the user.", len(msgs), userCount)

	if topics := topTopics(msgs, summaryTopics); len(topics) > 0 {
		b.WriteString(" Topics: ")
		b.WriteString(strings.Join(topics, ", "))
		b.WriteString(".")
	}

	if first := firstWithRole(msgs, RoleUser); first != nil {
		fmt.Fprintf(&b, " Opened with: %q.", snippet(first.Text))
	}
	if last := lastWithRole(msgs, RoleAssistant); last != nil {
		fmt.Fprintf(&b, " Last reply: %q.", snippet(last.Text))
	}
	return b.String()
}

// topTopics returns the n most frequent non-stopword terms across the
// span, most frequent first, ties broken alphabetically.
func topTopics(msgs []Message, n int) []string {
	counts := make(map[string]int)
	for _, m := range msgs {
		for _, w := range strings.Fields(strings.ToLower(m.Text)) {
			w = strings.Trim(w, ".,!?;:'\"()[]{}")
			if len(w) < minTopicLength || stopwords[w] {
				continue
			}
			counts[w]++
		}
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func firstWithRole(msgs []Message, role string) *Message {
	for i := range msgs {
		if msgs[i].Role == role {
			return &msgs[i]
		}
	}
	return nil
}

func lastWithRole(msgs []Message, role string) *Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return &msgs[i]
		}
	}
	return nil
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetMaxLen {
		return text
	}
	cut := text[:snippetMaxLen]
	if i := strings.LastIndexByte(cut, ' '); i > snippetMaxLen/2 {
		cut = cut[:i]
	}
	// The byte cut can land inside a multi-byte rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
