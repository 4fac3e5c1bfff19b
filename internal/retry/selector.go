package retry

import "sync"

// Selector owns one History per upstream and constructs a fresh strategy
// instance (sharing that history) for each Router attempt loop, mirroring
// original_source's RetryStrategyRegistry.get_strategy factory.
type Selector struct {
	Resolver *Resolver

	mu        sync.Mutex
	histories map[string]*History
	perUp     map[string]string // upstream name -> strategy name
	defaultS  string
}

// NewSelector builds a Selector with the given parameter resolver and
// default strategy name ("adaptive", "exponential_backoff", or
// "immediate_retry").
func NewSelector(resolver *Resolver, defaultStrategy string) *Selector {
	if defaultStrategy == "" {
		defaultStrategy = "adaptive"
	}
	return &Selector{
		Resolver:  resolver,
		histories: map[string]*History{},
		perUp:     map[string]string{},
		defaultS:  defaultStrategy,
	}
}

// SetStrategy pins a specific strategy name to one upstream.
func (s *Selector) SetStrategy(upstream, strategyName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perUp[upstream] = strategyName
}

// History returns the persistent per-upstream history ring, creating it on
// first use.
func (s *Selector) History(upstream string) *History {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[upstream]
	if !ok {
		h = NewHistory()
		s.histories[upstream] = h
	}
	return h
}

// For builds a fresh Strategy instance for one attempt loop against the
// given upstream.
func (s *Selector) For(upstream string) Strategy {
	s.mu.Lock()
	name, ok := s.perUp[upstream]
	s.mu.Unlock()
	if !ok {
		name = s.defaultS
	}
	hist := s.History(upstream)
	switch name {
	case "exponential_backoff":
		return NewExponentialBackoff(s.Resolver, hist, upstream)
	case "immediate_retry":
		return NewImmediateRetry(s.Resolver, hist, upstream)
	default:
		return NewAdaptive(s.Resolver, hist, upstream)
	}
}
