package memory

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSummarize_ShapeAndTopics(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Text: "tell me about kubernetes deployments"},
		{Role: RoleAssistant, Text: "kubernetes deployments manage replica sets"},
		{Role: RoleUser, Text: "how do deployments roll back"},
		{Role: RoleAssistant, Text: "a rollback reverts the deployment revision"},
	}

	got := summarize(msgs)
	if !strings.Contains(got, "4 messages, 2 from the user") {
		t.Errorf("summary missing span shape: %q", got)
	}
	if !strings.Contains(got, "deployments") {
		t.Errorf("summary missing dominant topic: %q", got)
	}
	if !strings.Contains(got, "Opened with:") || !strings.Contains(got, "Last reply:") {
		t.Errorf("summary missing opening/closing snippets: %q", got)
	}
}

func TestSummarize_Empty(t *testing.T) {
	if got := summarize(nil); got != "" {
		t.Errorf("summarize(nil) = %q, want empty", got)
	}
}

func TestSnippet_KeepsShortTextIntact(t *testing.T) {
	if got := snippet("  hello   world  "); got != "hello world" {
		t.Errorf("snippet = %q, want whitespace collapsed", got)
	}
}

// TestSnippet_NeverSplitsRunes cuts long text made of multi-byte runes at
// positions that do not align with rune boundaries; the result must stay
// valid UTF-8.
func TestSnippet_NeverSplitsRunes(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"unspaced cjk", strings.Repeat("日本語", 60)},
		{"space only in first half", "短い " + strings.Repeat("語", 100)},
		{"cyrillic tail", strings.Repeat("x", snippetMaxLen-1) + strings.Repeat("ж", 20)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := snippet(tc.text)
			if !utf8.ValidString(got) {
				t.Errorf("snippet produced invalid UTF-8: %q", got)
			}
			if len(got) > snippetMaxLen+len("…") {
				t.Errorf("snippet length = %d bytes, want at most %d", len(got), snippetMaxLen+len("…"))
			}
		})
	}
}
