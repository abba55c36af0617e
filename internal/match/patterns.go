package match

import (
	"fmt"
	"regexp"
	"strings"
)

const regexpPrefix = "re:"

type matcher interface {
	Match(value string) bool
}

type substringPattern string

func (p substringPattern) Match(value string) bool {
	return strings.Contains(value, string(p))
}

type regexpPattern struct {
	re *regexp.Regexp
}

func (p regexpPattern) Match(value string) bool {
	return p.re.MatchString(value)
}

// PatternSet matches text against any of several compiled patterns.
// Params: built by CompilePatterns.
// Returns: reusable matcher; the zero value matches nothing.
type PatternSet struct {
	matchers []matcher
}

// CompilePatterns compiles message patterns.
// Params: "re:<expr>" is a regular expression, text containing '*' is a wildcard, anything else matches as a substring.
// Returns: compiled set or the first compile error.
func CompilePatterns(patterns []string) (PatternSet, error) {
	set := PatternSet{matchers: make([]matcher, 0, len(patterns))}
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		switch {
		case pattern == "":
			continue
		case strings.HasPrefix(pattern, regexpPrefix):
			re, err := regexp.Compile(strings.TrimPrefix(pattern, regexpPrefix))
			if err != nil {
				return PatternSet{}, fmt.Errorf("compile pattern %q: %w", pattern, err)
			}
			set.matchers = append(set.matchers, regexpPattern{re: re})
		case strings.Contains(pattern, "*"):
			compiled, ok := CompileWildcard(pattern)
			if !ok {
				return PatternSet{}, fmt.Errorf("compile pattern %q: empty wildcard", pattern)
			}
			set.matchers = append(set.matchers, compiled)
		default:
			set.matchers = append(set.matchers, substringPattern(pattern))
		}
	}
	return set, nil
}

// MatchAny reports whether value matches at least one pattern; empty values never match.
func (s PatternSet) MatchAny(value string) bool {
	if value == "" {
		return false
	}
	for _, m := range s.matchers {
		if m.Match(value) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (s PatternSet) Len() int {
	return len(s.matchers)
}
