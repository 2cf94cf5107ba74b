// Package route resolves requests to caching strategies
package route

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

// Strategy is one of the closed set of caching strategies
type Strategy string

const (
	CacheFirst           Strategy = "CacheFirst"
	NetworkFirst         Strategy = "NetworkFirst"
	StaleWhileRevalidate Strategy = "StaleWhileRevalidate"
	NetworkOnly          Strategy = "NetworkOnly"
	CacheOnly            Strategy = "CacheOnly"
)

// DefaultRuleName names the implicit catch-all rule
const DefaultRuleName = "default"

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly, CacheOnly:
		return st, nil
	}
	return "", errors.Newf(errors.CodeInvalidConfig, "unknown strategy %q", s)
}

// Rule maps a request pattern to a strategy and its limits
type Rule struct {
	Name            string
	Matcher         Matcher
	Methods         []string
	Strategy        Strategy
	MaxAge          time.Duration
	MaxEntries      int
	NetworkTimeout  time.Duration
	OfflineFallback string
	QueuedResponse  bool
	StatusCodes     []string
}

// NewRule compiles a configured rule; index names unnamed rules
func NewRule(index int, rc config.RouteRule, defaultTimeout time.Duration) (*Rule, error) {
	matcher, err := Compile(rc.Pattern, rc.Match)
	if err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(rc.Strategy)
	if err != nil {
		return nil, err
	}
	timeout, err := rc.GetNetworkTimeout(defaultTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "rule %d: invalid network timeout", index)
	}

	name := rc.Name
	if name == "" {
		name = fmt.Sprintf("rule-%d", index)
	}

	methods := make([]string, 0, len(rc.Methods))
	for _, m := range rc.Methods {
		methods = append(methods, strings.ToUpper(m))
	}

	statusCodes := rc.StatusCodes
	if len(statusCodes) == 0 {
		statusCodes = []string{"200"}
	}

	return &Rule{
		Name:            name,
		Matcher:         matcher,
		Methods:         methods,
		Strategy:        strategy,
		MaxAge:          time.Duration(rc.MaxAgeSeconds) * time.Second,
		MaxEntries:      rc.MaxEntries,
		NetworkTimeout:  timeout,
		OfflineFallback: rc.OfflineFallback,
		QueuedResponse:  rc.QueuedResponse,
		StatusCodes:     statusCodes,
	}, nil
}

// MatchesMethod checks the method list; an empty list accepts any method
func (r *Rule) MatchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Match checks if a request matches this rule
func (r *Rule) Match(req *http.Request) bool {
	return r.MatchesMethod(req.Method) && r.Matcher.Match(req.URL)
}

// Cacheable reports whether a response status may be written back
func (r *Rule) Cacheable(statusCode int) bool {
	for _, pattern := range r.StatusCodes {
		if config.MatchesStatusCode(statusCode, pattern) {
			return true
		}
	}
	return false
}

// IsDefault is true for the implicit catch-all rule
func (r *Rule) IsDefault() bool {
	return r.Name == DefaultRuleName
}

// IsIdempotent is true for methods that never mutate upstream state
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
