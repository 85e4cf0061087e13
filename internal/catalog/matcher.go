package catalog

import (
	"strings"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
)

// Rule identifies which comparison matched a token to a catalog name.
type Rule int

const (
	// RuleContains: the catalog name contains the token.
	RuleContains Rule = iota + 1
	// RuleFirstWord: the token contains the catalog name's first word.
	RuleFirstWord
	// RuleExact: the catalog name equals the token.
	RuleExact
)

func (r Rule) String() string {
	switch r {
	case RuleContains:
		return "contains"
	case RuleFirstWord:
		return "first_word"
	case RuleExact:
		return "exact"
	default:
		return "none"
	}
}

func (r Rule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Match pairs a token with the catalog test it resolved to.
type Match struct {
	Token    string `json:"token"`
	TestID   string `json:"test_id"`
	TestName string `json:"test_name"`
	Rule     Rule   `json:"rule"`
}

// Result partitions a token list for one lab.
type Result struct {
	LabID     string   `json:"lab_id"`
	LabName   string   `json:"lab_name"`
	Matched   []Match  `json:"matched"`
	Unmatched []string `json:"unmatched"`
}

// Eligible reports whether the lab can be booked under the prescription flow.
func (r Result) Eligible() bool {
	return len(r.Matched) > 0
}

// TestIDs returns the distinct matched test ids in match order.
func (r Result) TestIDs() []string {
	seen := make(map[string]struct{}, len(r.Matched))
	ids := make([]string, 0, len(r.Matched))
	for _, m := range r.Matched {
		if _, ok := seen[m.TestID]; ok {
			continue
		}
		seen[m.TestID] = struct{}{}
		ids = append(ids, m.TestID)
	}
	return ids
}

// Err returns a MatchFailure when nothing matched.
func (r Result) Err() error {
	if r.Eligible() {
		return nil
	}
	return errors.NewMatchFailure(r.LabName, r.Unmatched)
}

// NormalizeTokens trims, lower-cases and drops empty or repeated tokens.
func NormalizeTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToLower(strings.Join(strings.Fields(tok), " "))
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// MatchLab resolves tokens against the lab's resolved tests.
func MatchLab(tokens []string, lab model.Lab) Result {
	res := Result{LabID: lab.ID, LabName: lab.Name}
	tests := lab.ResolvedTests()
	for _, tok := range NormalizeTokens(tokens) {
		if m, ok := matchToken(tok, tests); ok {
			res.Matched = append(res.Matched, m)
			continue
		}
		res.Unmatched = append(res.Unmatched, tok)
	}
	return res
}

// MatchLabs runs MatchLab for every lab, keeping lab order.
func MatchLabs(tokens []string, labs []model.Lab) []Result {
	out := make([]Result, 0, len(labs))
	for _, lab := range labs {
		out = append(out, MatchLab(tokens, lab))
	}
	return out
}

// Eligible filters labs down to those with at least one match.
func Eligible(tokens []string, labs []model.Lab) []model.Lab {
	out := make([]model.Lab, 0, len(labs))
	for _, lab := range labs {
		if MatchLab(tokens, lab).Eligible() {
			out = append(out, lab)
		}
	}
	return out
}

// matchToken tries each rule over the whole catalog before moving on to the
// next one. The first catalog entry satisfying a rule wins.
func matchToken(tok string, tests []model.Test) (Match, bool) {
	names := make([]string, len(tests))
	for i, t := range tests {
		names[i] = strings.ToLower(strings.TrimSpace(t.Name))
	}

	rules := []struct {
		rule Rule
		fn   func(name string) bool
	}{
		{RuleContains, func(name string) bool { return strings.Contains(name, tok) }},
		{RuleFirstWord, func(name string) bool {
			first := firstWord(name)
			return first != "" && strings.Contains(tok, first)
		}},
		{RuleExact, func(name string) bool { return name == tok }},
	}

	for _, r := range rules {
		for i, name := range names {
			if name == "" || !r.fn(name) {
				continue
			}
			rule := r.rule
			if name == tok {
				rule = RuleExact
			}
			return Match{Token: tok, TestID: tests[i].ID, TestName: tests[i].Name, Rule: rule}, true
		}
	}
	return Match{}, false
}

func firstWord(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
