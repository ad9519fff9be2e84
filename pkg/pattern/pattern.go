// Package pattern compiles subscription patterns into identifier matchers.
//
// A pattern is a literal identifier with optional `*` wildcards, where `*`
// matches zero or more characters. All other characters match literally;
// regular-expression metacharacters in the pattern have no special meaning.
//
// Two patterns are considered the same subscription iff their raw strings
// are identical. Callers key their bookkeeping on the raw string, not on
// the compiled matcher.
package pattern

import (
	"regexp"
	"strings"
)

// Matcher matches concrete identifiers against a compiled pattern.
type Matcher struct {
	raw string
	re  *regexp.Regexp

	// exact is set for patterns without wildcards; matching is then a
	// plain string comparison and re is nil.
	exact bool
}

// Compile compiles a pattern into a Matcher.
// Compilation cannot fail: every metacharacter except `*` is escaped.
func Compile(raw string) *Matcher {
	if !strings.Contains(raw, "*") {
		return &Matcher{raw: raw, exact: true}
	}

	// Escape each literal segment, join with ".*", anchor both ends.
	segments := strings.Split(raw, "*")
	for i, seg := range segments {
		segments[i] = regexp.QuoteMeta(seg)
	}
	expr := "^" + strings.Join(segments, ".*") + "$"

	return &Matcher{
		raw: raw,
		re:  regexp.MustCompile(expr),
	}
}

// Raw returns the original pattern string.
func (m *Matcher) Raw() string {
	return m.raw
}

// IsWildcard returns true if the pattern contains at least one `*`.
func (m *Matcher) IsWildcard() bool {
	return !m.exact
}

// IsWildcardPattern reports whether raw contains at least one `*`,
// without compiling it.
func IsWildcardPattern(raw string) bool {
	return strings.Contains(raw, "*")
}

// Match reports whether id is accepted by the pattern.
func (m *Matcher) Match(id string) bool {
	if m.exact {
		return m.raw == id
	}
	return m.re.MatchString(id)
}

// MatchAll is a shorthand for compiling and matching in one step.
// Prefer a cached Matcher when matching repeatedly.
func MatchAll(raw string, ids []string) []string {
	m := Compile(raw)
	var out []string
	for _, id := range ids {
		if m.Match(id) {
			out = append(out, id)
		}
	}
	return out
}
