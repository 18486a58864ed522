package policy

import (
	"regexp"
	"strings"
	"sync"
)

// Matcher matches tool names against exact names and "*" wildcards.
// Compiled wildcards are cached; a Matcher is safe for concurrent use.
type Matcher struct {
	cache sync.Map // pattern -> *regexp.Regexp
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// MatchTool checks if a tool name matches any pattern in the list.
// Supports:
//   - exact match: "shell" matches "shell"
//   - wildcard: "mcp_*" matches "mcp_github", "mcp_slack", ...
//
// Group references must be expanded before calling.
func (m *Matcher) MatchTool(toolName string, patterns []string) bool {
	name := NormalizeName(toolName)
	if name == "" {
		return false
	}

	for _, pattern := range patterns {
		p := NormalizeName(pattern)
		if p == name {
			return true
		}
		if strings.Contains(p, "*") {
			re, err := m.compile(p)
			if err == nil && re.MatchString(name) {
				return true
			}
		}
	}
	return false
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := m.cache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, ErrInvalidPattern
	}
	m.cache.Store(pattern, re)
	return re, nil
}
