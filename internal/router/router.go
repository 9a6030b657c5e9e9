package router

import (
	"fmt"
	"sort"
	"strings"
)

// FallbackSkill receives every message that no skill matches with enough
// confidence.
const FallbackSkill = "clarify"

// SkillRoute is the routing decision for one message. It is ephemeral:
// computed per request and never persisted.
type SkillRoute struct {
	SkillID         string
	Confidence      float64
	MatchedKeywords []string
	Chain           []string
}

// Context is the session-derived input to routing. Routing is a pure
// function of the message and this context.
type Context struct {
	// LastSkillID is the skill that handled the previous exchange in
	// this session, if any. Used to route bare follow-ups.
	LastSkillID string
}

// followupPhrases route to the previous skill when they make up the whole
// message.
var followupPhrases = map[string]bool{
	"continue":   true,
	"go on":      true,
	"more":       true,
	"keep going": true,
	"and then":   true,
}

// Router scores messages against its skill table. It holds no mutable
// state after construction.
type Router struct {
	skills        []Skill
	byName        map[string]Skill
	byCommand     map[string]Skill
	minConfidence float64
}

// New builds a Router from a skill set. minConfidence is the threshold
// below which messages route to the clarify fallback (default 0.3 if
// out of range). The skill set must include the fallback skill.
func New(skills []Skill, minConfidence float64) (*Router, error) {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = 0.3
	}

	r := &Router{
		skills:        make([]Skill, len(skills)),
		byName:        make(map[string]Skill, len(skills)),
		byCommand:     make(map[string]Skill),
		minConfidence: minConfidence,
	}
	copy(r.skills, skills)

	// Priority order (then name) makes tie-breaking deterministic.
	sort.SliceStable(r.skills, func(i, j int) bool {
		if r.skills[i].Priority != r.skills[j].Priority {
			return r.skills[i].Priority > r.skills[j].Priority
		}
		return r.skills[i].Name < r.skills[j].Name
	})

	for _, s := range r.skills {
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate skill name %q", s.Name)
		}
		r.byName[s.Name] = s
		if s.Command != "" {
			if _, dup := r.byCommand[s.Command]; dup {
				return nil, fmt.Errorf("duplicate skill command %q", s.Command)
			}
			r.byCommand[s.Command] = s
		}
	}

	if _, ok := r.byName[FallbackSkill]; !ok {
		return nil, fmt.Errorf("skill set has no %q fallback skill", FallbackSkill)
	}

	for _, s := range r.skills {
		for _, c := range s.Chain {
			if _, ok := r.byName[c]; !ok {
				return nil, fmt.Errorf("skill %s chains to unknown skill %q", s.Name, c)
			}
		}
	}
	return r, nil
}

// Skill returns a skill by name.
func (r *Router) Skill(name string) (Skill, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Skills returns the routing table in priority order.
func (r *Router) Skills() []Skill {
	return r.skills
}

// Route maps a message to a skill. An explicit "/command" prefix wins with
// confidence 1.0 regardless of the rest of the message; otherwise the
// keyword tables are scored and the best match above the threshold is
// chosen, ties broken by declared priority. Below the threshold the
// message routes to the clarify fallback.
//
// Route has no side effects and is safe for concurrent use.
func (r *Router) Route(text string, sctx Context) SkillRoute {
	trimmed := strings.TrimSpace(text)

	if cmd, ok := parseCommand(trimmed); ok {
		if s, ok := r.byCommand[cmd]; ok {
			return SkillRoute{
				SkillID:         s.Name,
				Confidence:      1.0,
				MatchedKeywords: []string{"/" + cmd},
				Chain:           chainOf(s),
			}
		}
		// Unknown command: let the user pick a real one.
		return r.fallback([]string{"/" + cmd})
	}

	lower := strings.ToLower(trimmed)

	if sctx.LastSkillID != "" && followupPhrases[lower] {
		if s, ok := r.byName[sctx.LastSkillID]; ok {
			return SkillRoute{
				SkillID:         s.Name,
				Confidence:      clamp(r.minConfidence + 0.1),
				MatchedKeywords: []string{lower},
				Chain:           nil,
			}
		}
	}

	best := r.fallback(nil)
	bestScore := 0.0
	for _, s := range r.skills {
		score, matched := scoreSkill(s, lower)
		if score > bestScore {
			bestScore = score
			best = SkillRoute{
				SkillID:         s.Name,
				Confidence:      clamp(score),
				MatchedKeywords: matched,
				Chain:           chainOf(s),
			}
		}
		// Equal scores keep the earlier (higher-priority) skill.
	}

	if bestScore < r.minConfidence {
		return r.fallback(best.MatchedKeywords)
	}
	return best
}

func (r *Router) fallback(matched []string) SkillRoute {
	return SkillRoute{
		SkillID:         FallbackSkill,
		Confidence:      0,
		MatchedKeywords: matched,
	}
}

// scoreSkill returns the normalized weighted match score for a skill:
// the weight sum of matched phrases over the sum of the skill's three
// heaviest phrases. A message matching a skill's strongest phrases
// saturates at 1.0 without needing the whole table to fire.
func scoreSkill(s Skill, lower string) (float64, []string) {
	denom := topWeightSum(s, 3)
	if denom == 0 {
		return 0, nil
	}

	var sum float64
	var matched []string
	for _, k := range s.Keywords {
		if strings.Contains(lower, strings.ToLower(k.Phrase)) {
			sum += k.Weight
			matched = append(matched, k.Phrase)
		}
	}
	if sum == 0 {
		return 0, nil
	}
	return min(sum/denom, 1.0), matched
}

// topWeightSum sums the n largest keyword weights of a skill.
func topWeightSum(s Skill, n int) float64 {
	weights := make([]float64, 0, len(s.Keywords))
	for _, k := range s.Keywords {
		weights = append(weights, k.Weight)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
	if len(weights) > n {
		weights = weights[:n]
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	return sum
}

// parseCommand extracts a leading "/name" directive token.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	rest := text[1:]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return strings.ToLower(rest), true
}

func chainOf(s Skill) []string {
	if len(s.Chain) == 0 {
		return nil
	}
	chain := make([]string, len(s.Chain))
	copy(chain, s.Chain)
	return chain
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
