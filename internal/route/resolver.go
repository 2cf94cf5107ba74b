package route

import (
	"net/http"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

// Resolver evaluates rules in declaration order, first match wins
type Resolver struct {
	rules    []*Rule
	fallback *Rule
}

// NewResolver compiles the configured rules
func NewResolver(rules []config.RouteRule, defaultTimeout time.Duration) (*Resolver, error) {
	r := &Resolver{
		fallback: &Rule{
			Name:           DefaultRuleName,
			Strategy:       NetworkOnly,
			NetworkTimeout: defaultTimeout,
		},
	}
	for i, rc := range rules {
		rule, err := NewRule(i, rc, defaultTimeout)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

// Resolve selects the strategy and rule for req. Mutating methods always go
// to the network but keep their rule for fallback and queue settings.
func (r *Resolver) Resolve(req *http.Request) (Strategy, *Rule) {
	rule := r.fallback
	for _, candidate := range r.rules {
		if candidate.Match(req) {
			rule = candidate
			break
		}
	}

	if !IsIdempotent(req.Method) {
		return NetworkOnly, rule
	}
	return rule.Strategy, rule
}

// Rules returns the compiled rules, catch-all excluded
func (r *Resolver) Rules() []*Rule {
	return r.rules
}

// Lookup finds a rule by name, the catch-all included
func (r *Resolver) Lookup(name string) *Rule {
	for _, rule := range r.rules {
		if rule.Name == name {
			return rule
		}
	}
	if name == DefaultRuleName {
		return r.fallback
	}
	return nil
}

// NetworkTimeout is the network timeout of the named rule, the catch-all's
// for a name no rule carries anymore
func (r *Resolver) NetworkTimeout(name string) time.Duration {
	if rule := r.Lookup(name); rule != nil {
		return rule.NetworkTimeout
	}
	return r.fallback.NetworkTimeout
}
