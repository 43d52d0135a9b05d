package client

import (
	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
)

// LimitSource declares the rate limits one request owner lives under. Limits
// must return fresh instances on every call: hydration mutates them, and
// per-cycle state must never leak between requests.
type LimitSource interface {
	// Label is the stable short owner label used in default limit names.
	Label() string
	Limits() []*ratelimit.Limit
	Store() ratelimit.Store
}

// Source is the plain LimitSource used by the daemon and tests: a label, a
// store and a limit factory.
type Source struct {
	label  string
	store  ratelimit.Store
	limits func() []*ratelimit.Limit
}

func NewSource(label string, store ratelimit.Store, limits func() []*ratelimit.Limit) *Source {
	return &Source{
		label:  label,
		store:  store,
		limits: limits,
	}
}

func (s *Source) Label() string {
	return s.label
}

func (s *Source) Limits() []*ratelimit.Limit {
	if s.limits == nil {
		return nil
	}
	return s.limits()
}

func (s *Source) Store() ratelimit.Store {
	return s.store
}
