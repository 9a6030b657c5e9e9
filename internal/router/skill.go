// Package router maps inbound messages to skills. Skills are defined as
// Markdown files with YAML frontmatter; the markdown body is the system
// prompt handed to the executor for that skill.
//
//	---
//	name: code
//	description: Generate code from a description
//	command: code
//	priority: 10
//	chain: [test]
//	keywords:
//	  - phrase: "write a function"
//	    weight: 3
//	---
//
//	You are a careful programmer...
package router

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// maxChain caps the number of follow-up skills a skill may declare.
const maxChain = 3

// Keyword is one weighted phrase in a skill's match table.
type Keyword struct {
	Phrase string  `yaml:"phrase"`
	Weight float64 `yaml:"weight"`
}

// Skill is a routable capability parsed from a skill definition file.
type Skill struct {
	// Name uniquely identifies the skill.
	Name string `yaml:"name"`

	// Description is a one-liner for the catalog.
	Description string `yaml:"description"`

	// Command maps an explicit "/command" prefix directly to this skill
	// with confidence 1.0. Empty means no command form.
	Command string `yaml:"command"`

	// Priority breaks confidence ties (higher wins). Declared, not
	// computed, so routing stays deterministic.
	Priority int `yaml:"priority"`

	// Chain lists follow-up skill names executed after this one, in
	// declared order. At most three.
	Chain []string `yaml:"chain"`

	// Keywords is the weighted phrase table scored against message text.
	Keywords []Keyword `yaml:"keywords"`

	// Template is the markdown body: the system prompt for the skill.
	Template string `yaml:"-"`
}

// Validate checks a parsed skill definition.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if len(s.Chain) > maxChain {
		return fmt.Errorf("skill %s: chain has %d entries, max %d", s.Name, len(s.Chain), maxChain)
	}
	for _, k := range s.Keywords {
		if k.Phrase == "" {
			return fmt.Errorf("skill %s: keyword with empty phrase", s.Name)
		}
		if k.Weight <= 0 {
			return fmt.Errorf("skill %s: keyword %q must have positive weight", s.Name, k.Phrase)
		}
	}
	return nil
}

var frontmatterDelim = []byte("---")

// ParseSkill parses a skill definition: YAML frontmatter between "---"
// markers followed by the markdown template body.
func ParseSkill(data []byte) (Skill, error) {
	trimmed := bytes.TrimLeft(data, "\r\n \t")
	if !bytes.HasPrefix(trimmed, frontmatterDelim) {
		return Skill{}, fmt.Errorf("missing frontmatter delimiter")
	}
	rest := trimmed[len(frontmatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontmatterDelim...))
	if end < 0 {
		return Skill{}, fmt.Errorf("unterminated frontmatter")
	}

	var s Skill
	if err := yaml.Unmarshal(rest[:end], &s); err != nil {
		return Skill{}, fmt.Errorf("parsing frontmatter: %w", err)
	}
	s.Template = string(bytes.TrimSpace(rest[end+1+len(frontmatterDelim):]))

	if err := s.Validate(); err != nil {
		return Skill{}, err
	}
	return s, nil
}
