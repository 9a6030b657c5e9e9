package router

import (
	"reflect"
	"strings"
	"testing"
)

func testSkills() []Skill {
	return []Skill{
		{
			Name: "code", Command: "code", Priority: 10, Chain: []string{"test"},
			Keywords: []Keyword{
				{Phrase: "write a function", Weight: 3},
				{Phrase: "implement", Weight: 2},
				{Phrase: "refactor", Weight: 2},
			},
		},
		{
			Name: "test", Command: "test", Priority: 9,
			Keywords: []Keyword{
				{Phrase: "write tests", Weight: 3},
				{Phrase: "unit test", Weight: 3},
			},
		},
		{
			Name: "summarize", Command: "summarize", Priority: 5,
			Keywords: []Keyword{
				{Phrase: "summarize", Weight: 3},
				{Phrase: "tldr", Weight: 3},
			},
		},
		{Name: "clarify", Priority: 0},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(testSkills(), 0.3)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// TestRoute_CommandPrefixAlwaysFullConfidence: an explicit command maps
// directly with confidence 1.0 regardless of the message body.
func TestRoute_CommandPrefixAlwaysFullConfidence(t *testing.T) {
	r := newTestRouter(t)

	bodies := []string{
		"/code write a sorting function",
		"/code tldr summarize everything", // body full of other skills' keywords
		"/code",
	}
	for _, text := range bodies {
		got := r.Route(text, Context{})
		if got.SkillID != "code" {
			t.Errorf("Route(%q).SkillID = %q, want code", text, got.SkillID)
		}
		if got.Confidence != 1.0 {
			t.Errorf("Route(%q).Confidence = %g, want 1.0", text, got.Confidence)
		}
	}
}

// TestRoute_CodeChainsTest mirrors the canonical flow: "/code write a
// sorting function" routes to code with the test skill chained.
func TestRoute_CodeChainsTest(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route("/code write a sorting function", Context{})
	if got.SkillID != "code" || got.Confidence != 1.0 {
		t.Fatalf("Route() = %+v, want code at 1.0", got)
	}
	if !reflect.DeepEqual(got.Chain, []string{"test"}) {
		t.Errorf("Chain = %v, want [test]", got.Chain)
	}
}

func TestRoute_KeywordMatch(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route("please write a function that reverses a list", Context{})
	if got.SkillID != "code" {
		t.Errorf("SkillID = %q, want code", got.SkillID)
	}
	if got.Confidence <= 0 || got.Confidence > 1 {
		t.Errorf("Confidence = %g, want in (0, 1]", got.Confidence)
	}
	if len(got.MatchedKeywords) == 0 || got.MatchedKeywords[0] != "write a function" {
		t.Errorf("MatchedKeywords = %v, want [write a function]", got.MatchedKeywords)
	}
}

func TestRoute_BelowThresholdFallsBackToClarify(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route("mumble grumble nothing relevant here", Context{})
	if got.SkillID != FallbackSkill {
		t.Errorf("SkillID = %q, want %q", got.SkillID, FallbackSkill)
	}
}

func TestRoute_UnknownCommandFallsBack(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route("/dance", Context{})
	if got.SkillID != FallbackSkill {
		t.Errorf("SkillID = %q, want %q", got.SkillID, FallbackSkill)
	}
	if len(got.MatchedKeywords) != 1 || got.MatchedKeywords[0] != "/dance" {
		t.Errorf("MatchedKeywords = %v, want the unknown command retained", got.MatchedKeywords)
	}
}

// TestRoute_TieBrokenByPriority: when two skills score the same, the
// higher-priority one wins, deterministically.
func TestRoute_TieBrokenByPriority(t *testing.T) {
	skills := []Skill{
		{Name: "high", Priority: 10, Keywords: []Keyword{{Phrase: "deploy", Weight: 2}}},
		{Name: "low", Priority: 1, Keywords: []Keyword{{Phrase: "deploy", Weight: 2}}},
		{Name: "clarify"},
	}
	r, err := New(skills, 0.3)
	if err != nil {
		t.Fatal(err)
	}

	for range 20 {
		got := r.Route("deploy the service", Context{})
		if got.SkillID != "high" {
			t.Fatalf("SkillID = %q, want high (priority tie-break)", got.SkillID)
		}
	}
}

func TestRoute_IsPure(t *testing.T) {
	r := newTestRouter(t)

	first := r.Route("write a function to parse dates", Context{})
	for range 10 {
		again := r.Route("write a function to parse dates", Context{})
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Route not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestRoute_FollowupUsesLastSkill(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route("continue", Context{LastSkillID: "code"})
	if got.SkillID != "code" {
		t.Errorf("SkillID = %q, want code for a follow-up", got.SkillID)
	}

	// Without session context the same message falls back.
	got = r.Route("continue", Context{})
	if got.SkillID != FallbackSkill {
		t.Errorf("SkillID = %q, want %q without prior skill", got.SkillID, FallbackSkill)
	}
}

func TestRoute_ConfidenceClamped(t *testing.T) {
	skills := []Skill{
		{Name: "s", Keywords: []Keyword{
			{Phrase: "alpha", Weight: 5},
			{Phrase: "beta", Weight: 5},
			{Phrase: "gamma", Weight: 5},
			{Phrase: "delta", Weight: 5},
		}},
		{Name: "clarify"},
	}
	r, err := New(skills, 0.3)
	if err != nil {
		t.Fatal(err)
	}

	got := r.Route("alpha beta gamma delta", Context{})
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %g, want clamped to 1.0", got.Confidence)
	}
}

func TestNew_RejectsBrokenTables(t *testing.T) {
	cases := []struct {
		name   string
		skills []Skill
	}{
		{"no fallback", []Skill{{Name: "a"}}},
		{"duplicate name", []Skill{{Name: "a"}, {Name: "a"}, {Name: "clarify"}}},
		{"duplicate command", []Skill{
			{Name: "a", Command: "x"}, {Name: "b", Command: "x"}, {Name: "clarify"},
		}},
		{"chain to unknown", []Skill{
			{Name: "a", Chain: []string{"ghost"}}, {Name: "clarify"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.skills, 0.3); err == nil {
				t.Error("New() = nil error, want rejection")
			}
		})
	}
}

func TestParseSkill(t *testing.T) {
	data := []byte(`---
name: deploy
description: Ship it
command: deploy
priority: 4
chain: [verify]
keywords:
  - phrase: "roll out"
    weight: 2
---

Deploy the thing carefully.
`)
	s, err := ParseSkill(data)
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if s.Name != "deploy" || s.Command != "deploy" || s.Priority != 4 {
		t.Errorf("parsed = %+v", s)
	}
	if !strings.Contains(s.Template, "Deploy the thing") {
		t.Errorf("Template = %q, want markdown body", s.Template)
	}
}

func TestParseSkill_Invalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just markdown"},
		{"unterminated", "---\nname: x\n"},
		{"missing name", "---\ndescription: no name\n---\nbody"},
		{"oversized chain", "---\nname: x\nchain: [a, b, c, d]\n---\nbody"},
		{"zero weight", "---\nname: x\nkeywords:\n  - phrase: p\n    weight: 0\n---\nbody"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSkill([]byte(tc.data)); err == nil {
				t.Error("ParseSkill() = nil error, want rejection")
			}
		})
	}
}

func TestBuiltins_LoadAndRoute(t *testing.T) {
	skills, err := Builtins()
	if err != nil {
		t.Fatalf("Builtins: %v", err)
	}
	r, err := New(skills, 0.3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := r.Route("/code write a sorting function", Context{})
	if got.SkillID != "code" || got.Confidence != 1.0 {
		t.Errorf("Route() = %+v, want builtin code at 1.0", got)
	}
	if !reflect.DeepEqual(got.Chain, []string{"test"}) {
		t.Errorf("Chain = %v, want [test]", got.Chain)
	}
}
