package hookz

import (
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// Policy decides whether a new root span is traced.
// Implementations must be safe for concurrent use.
type Policy interface {
	ShouldTrace(now time.Time, url string) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(now time.Time, url string) bool

// ShouldTrace calls f.
func (f PolicyFunc) ShouldTrace(now time.Time, url string) bool {
	return f(now, url)
}

// AlwaysTrace traces every request.
type AlwaysTrace struct{}

// ShouldTrace always returns true.
func (AlwaysTrace) ShouldTrace(time.Time, string) bool {
	return true
}

// RateLimitPolicy admits at most a fixed number of traces per second.
// Time comes from the caller so tracer clocks drive it.
type RateLimitPolicy struct {
	limiter *rate.Limiter
}

// NewRateLimitPolicy admits perSecond traces per second with a burst of one.
func NewRateLimitPolicy(perSecond float64) *RateLimitPolicy {
	return &RateLimitPolicy{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// ShouldTrace consumes one token at now if available.
func (p *RateLimitPolicy) ShouldTrace(now time.Time, _ string) bool {
	return p.limiter.AllowN(now, 1)
}

type ignoreURLs struct {
	patterns []*regexp.Regexp
}

// IgnoreURLs skips requests whose URL matches any of patterns.
func IgnoreURLs(patterns ...string) (Policy, error) {
	compiled, err := compileIgnoreURLs(patterns)
	if err != nil {
		return nil, err
	}
	return ignoreURLs{patterns: compiled}, nil
}

func compileIgnoreURLs(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid ignore url %q", p)
		}
		out = append(out, re)
	}
	return out, nil
}

func (p ignoreURLs) ShouldTrace(_ time.Time, url string) bool {
	for _, re := range p.patterns {
		if re.MatchString(url) {
			return false
		}
	}
	return true
}

type allOf []Policy

// AllOf traces only when every policy agrees. Policies are consulted in
// order and evaluation stops at the first refusal.
func AllOf(policies ...Policy) Policy {
	return allOf(policies)
}

func (a allOf) ShouldTrace(now time.Time, url string) bool {
	for _, p := range a {
		if !p.ShouldTrace(now, url) {
			return false
		}
	}
	return true
}
