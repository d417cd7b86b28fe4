package policy

import (
	"regexp"
	"strings"
)

// Pattern is a compiled blocked pattern.
//
// A pattern that compiles as a regular expression is matched as one,
// case-insensitively. Anything else is a case-insensitive substring.
type Pattern struct {
	Source string
	re     *regexp.Regexp
	lower  string
}

// CompilePattern compiles a blocked pattern. It never fails: patterns that
// are not valid regular expressions fall back to substring matching.
func CompilePattern(src string) Pattern {
	p := Pattern{Source: src, lower: strings.ToLower(src)}
	if re, err := regexp.Compile("(?i)" + src); err == nil {
		p.re = re
	}
	return p
}

// IsRegex reports whether the pattern is matched as a regular expression.
func (p Pattern) IsRegex() bool {
	return p.re != nil
}

// Match reports whether text matches the pattern. Empty patterns never match.
func (p Pattern) Match(text string) bool {
	if strings.TrimSpace(p.Source) == "" {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), p.lower)
}
