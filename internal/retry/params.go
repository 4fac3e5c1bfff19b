package retry

import (
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// Params is the fully-resolved parameter set a strategy uses for one
// decision (spec.md §4.3).
type Params struct {
	MaxAttempts           int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	BackoffFactor         float64
	Jitter                bool
	JitterFactor          float64
	ConnectionMaxAttempts int
}

// DefaultParams mirrors original_source's RetryConfig defaults.
func DefaultParams() Params {
	return Params{
		MaxAttempts:           3,
		BaseDelay:             time.Second,
		MaxDelay:              60 * time.Second,
		BackoffFactor:         2.0,
		Jitter:                true,
		JitterFactor:          0.1,
		ConnectionMaxAttempts: 2,
	}
}

// Overrides is a sparse set of field overrides; nil means "not set at this
// scope."
type Overrides struct {
	MaxAttempts           *int
	BaseDelay             *time.Duration
	MaxDelay              *time.Duration
	BackoffFactor         *float64
	Jitter                *bool
	JitterFactor          *float64
	ConnectionMaxAttempts *int
}

func apply(p *Params, o Overrides) {
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.BackoffFactor != nil {
		p.BackoffFactor = *o.BackoffFactor
	}
	if o.Jitter != nil {
		p.Jitter = *o.Jitter
	}
	if o.JitterFactor != nil {
		p.JitterFactor = *o.JitterFactor
	}
	if o.ConnectionMaxAttempts != nil {
		p.ConnectionMaxAttempts = *o.ConnectionMaxAttempts
	}
}

// UpstreamOverrides bundles the per-upstream override plus its nested
// per-error-class and per-strategy sub-overrides, mirroring
// original_source's ProviderRetryConfig.
type UpstreamOverrides struct {
	Overrides
	ErrorClass map[models.ErrorClass]Overrides
	Strategy   map[string]Overrides
}

// Resolver resolves the effective Params for (upstream, error class,
// strategy name) in precedence order: global default → per-upstream →
// per-error-class → per-strategy (spec.md §4.3's four scopes, listed there
// highest-precedence-first; applied here lowest-to-highest so the later
// writes win).
type Resolver struct {
	Default     Params
	PerUpstream map[string]*UpstreamOverrides
}

// NewResolver builds a resolver with the given global defaults and no
// per-upstream overrides yet; call Set to add them.
func NewResolver(defaults Params) *Resolver {
	return &Resolver{Default: defaults, PerUpstream: map[string]*UpstreamOverrides{}}
}

// Set installs (or replaces) the override set for one upstream.
func (r *Resolver) Set(upstream string, o *UpstreamOverrides) {
	r.PerUpstream[upstream] = o
}

// Effective computes the resolved Params for one decision point.
func (r *Resolver) Effective(upstream string, class models.ErrorClass, strategyName string) Params {
	eff := r.Default
	uo, ok := r.PerUpstream[upstream]
	if !ok {
		return eff
	}
	apply(&eff, uo.Overrides)
	if eo, ok := uo.ErrorClass[class]; ok {
		apply(&eff, eo)
	}
	if so, ok := uo.Strategy[strategyName]; ok {
		apply(&eff, so)
	}
	return eff
}
