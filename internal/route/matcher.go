package route

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/jmgilman/go/errors"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
)

// MatcherKind tags the variant of a compiled Matcher
type MatcherKind int

const (
	Exact MatcherKind = iota
	Prefix
	Regex
)

func (k MatcherKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Prefix:
		return "prefix"
	case Regex:
		return "regex"
	}
	return "unknown"
}

// Matcher is a pattern compiled once from configuration
type Matcher struct {
	kind    MatcherKind
	pattern string
	// absolute patterns are matched against the normalized full URL, others against the path
	absolute bool
	literal  string
	re       *regexp.Regexp
}

// Compile builds a matcher. An empty kind is inferred from the pattern:
// trailing '*' is a prefix, leading '^' is a regex, anything else is exact.
func Compile(pattern, kind string) (Matcher, error) {
	if kind == "" {
		switch {
		case strings.HasPrefix(pattern, "^"):
			kind = "regex"
		case strings.HasSuffix(pattern, "*"):
			kind = "prefix"
		default:
			kind = "exact"
		}
	}

	m := Matcher{pattern: pattern}
	switch kind {
	case "exact":
		m.kind = Exact
		m.literal = pattern
		m.absolute = isAbsolute(pattern)
	case "prefix":
		m.kind = Prefix
		m.literal = strings.TrimSuffix(pattern, "*")
		m.absolute = isAbsolute(m.literal)
	case "regex":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Matcher{}, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid regex %q", pattern)
		}
		m.kind = Regex
		m.re = re
		m.absolute = isAbsolute(strings.TrimPrefix(pattern, "^"))
	default:
		return Matcher{}, errors.Newf(errors.CodeInvalidConfig, "unknown match kind %q", kind)
	}

	if m.absolute && m.kind != Regex {
		// compare against the same normalization requests go through
		if u, err := url.Parse(m.literal); err == nil {
			normalized := httpcache.NormalizeURL(u)
			if m.kind == Prefix && !strings.HasSuffix(m.literal, "/") && u.Path == "" {
				normalized = strings.TrimSuffix(normalized, "/")
			}
			m.literal = normalized
		}
	}
	return m, nil
}

func isAbsolute(pattern string) bool {
	p := strings.ToLower(pattern)
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

func (m Matcher) Kind() MatcherKind { return m.kind }

func (m Matcher) String() string { return m.kind.String() + ":" + m.pattern }

// Match reports whether u is selected by the pattern
func (m Matcher) Match(u *url.URL) bool {
	target := u.Path
	if target == "" {
		target = "/"
	}
	if m.absolute {
		target = httpcache.NormalizeURL(u)
	}

	switch m.kind {
	case Exact:
		return target == m.literal
	case Prefix:
		return strings.HasPrefix(target, m.literal)
	case Regex:
		return m.re.MatchString(target)
	}
	return false
}
