// Package filter selects the repositories that participate in a sync run.
// Ignore rules are globs where "*" stays within one path segment, or regular
// expressions marked with the "re:" prefix. An optional letter filter narrows
// repositories by their first character.
package filter

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/acrsync/acrsync/types"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dlclark/regexp2"
)

// regexPrefix marks an ignore rule as a regular expression instead of a glob.
const regexPrefix = "re:"

// matchTimeout bounds backtracking on user supplied expressions.
const matchTimeout = 2 * time.Second

type ruleKind int

const (
	ruleGlob ruleKind = iota
	ruleRegex
)

// rule is one compiled ignore pattern, glob or regex, resolved at load time
// and never re-inspected per match.
type rule struct {
	kind ruleKind
	raw  string
	re   *regexp2.Regexp
}

func (r rule) match(name string) bool {
	switch r.kind {
	case ruleRegex:
		ok, err := r.re.MatchString(name)
		if err != nil {
			// only reachable through the match timeout
			return false
		}
		return ok
	default:
		ok, err := doublestar.Match(r.raw, name)
		if err != nil {
			// patterns are validated at load time
			return false
		}
		return ok
	}
}

// Policy is a set of ignore rules. A repository is excluded when any rule
// matches its full name. A nil Policy ignores nothing.
type Policy struct {
	rules []rule
}

// ParseRules compiles ignore patterns into a Policy. Regular expressions are
// anchored against the full repository name. Blank patterns are dropped; an
// empty result returns a nil Policy. Invalid patterns fail with
// types.ErrInvalidPattern naming the offending rule.
func ParseRules(patterns []string) (*Policy, error) {
	p := Policy{rules: make([]rule, 0, len(patterns))}
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if strings.HasPrefix(pat, regexPrefix) {
			expr := strings.TrimPrefix(pat, regexPrefix)
			re, err := regexp2.Compile("^(?:"+expr+")$", regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidPattern, pat, err)
			}
			re.MatchTimeout = matchTimeout
			p.rules = append(p.rules, rule{kind: ruleRegex, raw: pat, re: re})
			continue
		}
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidPattern, pat)
		}
		p.rules = append(p.rules, rule{kind: ruleGlob, raw: pat})
	}
	if len(p.rules) == 0 {
		return nil, nil
	}
	return &p, nil
}

// Ignored reports whether any rule matches the repository name.
func (p *Policy) Ignored(name string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.rules {
		if r.match(name) {
			return true
		}
	}
	return false
}

// Rules lists the raw patterns the policy was built from.
func (p *Policy) Rules() []string {
	if p == nil {
		return nil
	}
	raw := make([]string, len(p.rules))
	for i, r := range p.rules {
		raw[i] = r.raw
	}
	return raw
}

// LoadPatternFile reads ignore patterns from a JSON file holding either a
// literal array of strings or an object with a "patterns" array.
func LoadPatternFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore config %s: %w", path, err)
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		return list, nil
	}
	obj := struct {
		Patterns []string `json:"patterns"`
	}{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("%w: ignore config %s: %v", types.ErrInvalidInput, path, err)
	}
	return obj.Patterns, nil
}

type letterSpan struct {
	lo, hi byte
}

// Letters filters repositories by first character, case-sensitive,
// independent of any ignore rules. A nil filter matches everything.
type Letters struct {
	spans []letterSpan
}

// ParseLetters parses a filter expression such as "a-c,e,g" of single letters
// and closed ranges. Malformed elements fail with
// types.ErrInvalidLetterRange.
func ParseLetters(s string) (*Letters, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	l := Letters{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch {
		case len(part) == 1 && isLetter(part[0]):
			l.spans = append(l.spans, letterSpan{lo: part[0], hi: part[0]})
		case len(part) == 3 && part[1] == '-' && isLetter(part[0]) && isLetter(part[2]):
			if part[0] > part[2] {
				return nil, fmt.Errorf("%w: %q is reversed", types.ErrInvalidLetterRange, part)
			}
			l.spans = append(l.spans, letterSpan{lo: part[0], hi: part[2]})
		default:
			return nil, fmt.Errorf("%w: %q", types.ErrInvalidLetterRange, part)
		}
	}
	return &l, nil
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Match reports whether the repository's first character falls in the filter.
func (l *Letters) Match(name string) bool {
	if l == nil {
		return true
	}
	if name == "" {
		return false
	}
	c := name[0]
	for _, sp := range l.spans {
		if c >= sp.lo && c <= sp.hi {
			return true
		}
	}
	return false
}
