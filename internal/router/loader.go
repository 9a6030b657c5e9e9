package router

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed skills/*.md
var builtinFS embed.FS

// Builtins returns the embedded default skill set.
func Builtins() ([]Skill, error) {
	entries, err := builtinFS.ReadDir("skills")
	if err != nil {
		return nil, fmt.Errorf("reading builtin skills: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		data, err := builtinFS.ReadFile("skills/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading builtin skill %s: %w", e.Name(), err)
		}
		s, err := ParseSkill(data)
		if err != nil {
			return nil, fmt.Errorf("builtin skill %s: %w", e.Name(), err)
		}
		skills = append(skills, s)
	}
	return skills, nil
}

// LoadDir parses every *.md file in dir as a skill definition.
func LoadDir(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading skills directory: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading skill %s: %w", e.Name(), err)
		}
		s, err := ParseSkill(data)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", e.Name(), err)
		}
		skills = append(skills, s)
	}
	return skills, nil
}

// Load returns the builtin skills merged with the optional user skills
// directory. A user skill with the same name replaces the builtin.
func Load(dir string) ([]Skill, error) {
	skills, err := Builtins()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return skills, nil
	}

	user, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(skills))
	for i, s := range skills {
		byName[s.Name] = i
	}
	for _, s := range user {
		if i, ok := byName[s.Name]; ok {
			skills[i] = s
		} else {
			skills = append(skills, s)
		}
	}
	return skills, nil
}
