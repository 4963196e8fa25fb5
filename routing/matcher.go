package routing

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matcher matches a string either exactly or against a regular expression.
// The zero value matches everything.
type Matcher struct {
	exact string
	re    *regexp.Regexp
	set   bool
}

// Exact matches s only
func Exact(s string) Matcher {
	return Matcher{exact: s, set: true}
}

// Pattern compiles expr as a regular expression that must match the whole string.
func Pattern(expr string) (Matcher, error) {
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return Matcher{}, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	return Matcher{re: re, set: true}, nil
}

// MustPattern is like Pattern but panics on an invalid expression
func MustPattern(expr string) Matcher {
	m, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMatcher reads "/expr/" as a pattern and anything else as an exact string.
func ParseMatcher(s string) (Matcher, error) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return Pattern(s[1 : len(s)-1])
	}
	return Exact(s), nil
}

// IsZero reports whether the matcher is the wildcard
func (m Matcher) IsZero() bool {
	return !m.set
}

// IsPattern reports whether the matcher is a regular expression
func (m Matcher) IsPattern() bool {
	return m.re != nil
}

// Match reports whether s satisfies the matcher
func (m Matcher) Match(s string) bool {
	switch {
	case !m.set:
		return true
	case m.re != nil:
		return m.re.MatchString(s)
	}
	return m.exact == s
}

func (m Matcher) String() string {
	switch {
	case !m.set:
		return "*"
	case m.re != nil:
		expr := m.re.String()
		return "/" + expr[len("^(?:"):len(expr)-len(")$")] + "/"
	}
	return m.exact
}

// UnmarshalYAML accepts the ParseMatcher syntax
func (m *Matcher) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMatcher(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// UnmarshalText accepts the ParseMatcher syntax
func (m *Matcher) UnmarshalText(text []byte) error {
	parsed, err := ParseMatcher(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
