package compose

import (
	"strings"
	"testing"

	"github.com/kalambet/parley/internal/memory"
)

func msg(role, text string) memory.Message {
	return memory.Message{Role: role, Text: text, TokenEstimate: memory.EstimateTokens(text)}
}

func TestCompose_Shape(t *testing.T) {
	c := New(4000)

	got := c.Compose(Input{
		SkillPrompt: "You are a careful programmer.",
		Window: memory.Window{Messages: []memory.Message{
			msg(memory.RoleUser, "earlier question"),
			msg(memory.RoleAssistant, "earlier answer"),
		}},
		UserText: "write a sorting function",
	})

	if len(got) != 4 {
		t.Fatalf("Compose returned %d messages, want 4", len(got))
	}
	if got[0].Role != memory.RoleSystem || !strings.Contains(got[0].Content, "careful programmer") {
		t.Errorf("first message = %+v, want the skill prompt as system", got[0])
	}
	if got[1].Content != "earlier question" || got[2].Content != "earlier answer" {
		t.Errorf("window order lost: %+v", got[1:3])
	}
	last := got[len(got)-1]
	if last.Role != memory.RoleUser || last.Content != "write a sorting function" {
		t.Errorf("last message = %+v, want the user text", last)
	}
}

func TestCompose_NoSystemWhenEmpty(t *testing.T) {
	c := New(4000)

	got := c.Compose(Input{UserText: "hello"})
	if len(got) != 1 {
		t.Fatalf("Compose returned %d messages, want just the user text", len(got))
	}
	if got[0].Role != memory.RoleUser {
		t.Errorf("role = %q, want user", got[0].Role)
	}
}

func TestCompose_ArchiveDigestInSystem(t *testing.T) {
	c := New(4000)

	got := c.Compose(Input{
		SkillPrompt: "Answer briefly.",
		Archives: []memory.ArchiveEntry{
			{Summary: "Earlier conversation: 51 messages, 30 from the user. Topics: kubernetes."},
		},
		UserText: "and what about services?",
	})

	if got[0].Role != memory.RoleSystem {
		t.Fatalf("first message role = %q, want system", got[0].Role)
	}
	if !strings.Contains(got[0].Content, "Earlier in this conversation") {
		t.Errorf("system message %q missing the archive digest header", got[0].Content)
	}
	if !strings.Contains(got[0].Content, "kubernetes") {
		t.Errorf("system message %q missing the archive summary", got[0].Content)
	}
}

func TestCompose_DigestPrefersNewestArchives(t *testing.T) {
	// Budget small enough that only one digest line fits.
	c := New(120)

	long := strings.Repeat("old topic detail ", 10)
	got := c.Compose(Input{
		Archives: []memory.ArchiveEntry{
			{Summary: long},
			{Summary: "newest span about postgres"},
		},
		UserText: "hi",
	})

	if got[0].Role != memory.RoleSystem {
		t.Fatalf("no system digest produced: %+v", got)
	}
	if !strings.Contains(got[0].Content, "postgres") {
		t.Errorf("digest %q dropped the newest archive", got[0].Content)
	}
	if strings.Contains(got[0].Content, "old topic") {
		t.Errorf("digest %q kept the older archive over budget", got[0].Content)
	}
}

func TestCompose_DropsOldestWindowMessagesUnderBudget(t *testing.T) {
	c := New(60)

	pad := strings.Repeat("word ", 30) // ~37 tokens each
	got := c.Compose(Input{
		Window: memory.Window{Messages: []memory.Message{
			msg(memory.RoleUser, "oldest "+pad),
			msg(memory.RoleAssistant, "newest "+pad),
		}},
		UserText: "short question",
	})

	var texts []string
	for _, m := range got {
		texts = append(texts, m.Content)
	}
	joined := strings.Join(texts, "|")
	if strings.Contains(joined, "oldest") {
		t.Errorf("oldest window message survived a tight budget: %q", joined)
	}
	if !strings.Contains(joined, "newest") {
		t.Errorf("newest window message dropped: %q", joined)
	}
}

func TestCompose_UserTextNeverDropped(t *testing.T) {
	c := New(1) // absurdly small budget

	long := strings.Repeat("x", 4000)
	got := c.Compose(Input{
		SkillPrompt: "prompt",
		Window:      memory.Window{Messages: []memory.Message{msg(memory.RoleUser, long)}},
		UserText:    long,
	})

	last := got[len(got)-1]
	if last.Role != memory.RoleUser || last.Content != long {
		t.Error("user text was truncated or dropped")
	}
}
