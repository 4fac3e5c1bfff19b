// Package registry implements the Provider Registry & Health Tracker
// (spec.md §4.4, component C4): the single source of truth for which
// upstreams exist, whether each is currently usable, and candidate
// selection for a (model, capability) query. Grounded on the teacher's
// internal/service/endpoint_store.go (snapshot-on-read, atomic slice
// replace) and internal/service/health_checker.go (ticker-driven,
// sync.WaitGroup-parallel probing, cancel+done-channel shutdown).
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
)

const (
	defaultHealthInterval = 60 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultProbeCacheTTL  = 30 * time.Second
)

// entry pairs an UpstreamRuntime with the mutex that serializes mutation
// of it (record_outcome from many concurrent Router goroutines, the
// health loop, and Candidates' snapshot reads).
type entry struct {
	mu          sync.Mutex
	runtime     *models.UpstreamRuntime
	lastProbeAt time.Time
}

// Registry owns the enabled upstream set and their live runtime state.
type Registry struct {
	logger *zap.Logger

	healthInterval time.Duration
	probeTimeout   time.Duration
	probeCacheTTL  time.Duration
	probeClient    *http.Client

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // insertion order, stable iteration for tests/logging

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures non-default timing for tests.
type Option func(*Registry)

func WithHealthInterval(d time.Duration) Option { return func(r *Registry) { r.healthInterval = d } }
func WithProbeTimeout(d time.Duration) Option    { return func(r *Registry) { r.probeTimeout = d } }
func WithProbeCacheTTL(d time.Duration) Option   { return func(r *Registry) { r.probeCacheTTL = d } }

// New validates configs per spec.md §4.4 ("unique names; at most one
// forced; every model appearing in every config is reachable") and
// instantiates one UpstreamRuntime per enabled config. It does not start
// the health loop — call Start for that.
func New(configs []*models.UpstreamConfig, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:         logger,
		healthInterval: defaultHealthInterval,
		probeTimeout:   defaultProbeTimeout,
		probeCacheTTL:  defaultProbeCacheTTL,
		entries:        map[string]*entry{},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.probeClient = &http.Client{Timeout: r.probeTimeout}

	seen := make(map[string]struct{}, len(configs))
	forcedCount := 0
	for _, cfg := range configs {
		if cfg.Forced {
			forcedCount++
		}
		if !cfg.Enabled {
			continue
		}
		if _, dup := seen[cfg.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate upstream name %q", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}

		if len(cfg.Models) == 0 {
			return nil, fmt.Errorf("registry: upstream %q declares no reachable models", cfg.Name)
		}
		if len(cfg.CapabilitySet) == 0 {
			return nil, fmt.Errorf("registry: upstream %q declares no capabilities", cfg.Name)
		}
	}
	if forcedCount > 1 {
		return nil, fmt.Errorf("registry: at most one upstream may be forced, found %d", forcedCount)
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		cfg := cfg
		r.entries[cfg.Name] = &entry{
			runtime: &models.UpstreamRuntime{
				Config: cfg,
				Status: models.StatusHealthy,
			},
		}
		r.order = append(r.order, cfg.Name)
	}

	return r, nil
}

// Start launches the background health loop. Calling Start twice is a
// programmer error; callers own the single init -> Start -> Shutdown
// lifecycle.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.healthLoop(ctx)
}

// Shutdown signals the health loop, awaits it, per spec.md §4.4. There are
// no per-upstream resources owned by the Registry itself (connection
// pooling lives in internal/client), so the "close concurrently" half of
// the spec's shutdown description is the client's responsibility.
func (r *Registry) Shutdown() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Candidates returns the Healthy ∪ Degraded upstreams serving model with
// required capability, sorted by priority ascending, applying the
// forced-upstream bypass rule. The result is a snapshot: later mutation
// of runtime state is never visible through it.
func (r *Registry) Candidates(model string, required models.Capability) []models.Snapshot {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	if forced, ok := r.forcedMatch(names, model); ok {
		if _, has := forced.CapabilitySet[required]; !has {
			return nil
		}
		return []models.Snapshot{forced}
	}

	var out []models.Snapshot
	for _, name := range names {
		e := r.get(name)
		if e == nil {
			continue
		}
		e.mu.Lock()
		cfg := e.runtime.Config
		status := e.runtime.Status
		snap := snapshotOf(e.runtime)
		e.mu.Unlock()

		if status != models.StatusHealthy && status != models.StatusDegraded {
			continue
		}
		if !cfg.HasModel(model) || !cfg.HasCapability(required) {
			continue
		}
		out = append(out, snap)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ModelKnown reports whether any configured upstream (healthy or not)
// advertises model with the required capability. The Router uses this to
// tell "nobody serves this model" (ModelNotSupported) apart from "every
// upstream that serves it is currently unusable" (AllUpstreamsUnavailable)
// when Candidates returns empty for either reason (spec.md §8 boundary
// behaviors).
func (r *Registry) ModelKnown(model string, required models.Capability) bool {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, name := range names {
		e := r.get(name)
		if e == nil {
			continue
		}
		e.mu.Lock()
		cfg := e.runtime.Config
		e.mu.Unlock()
		if cfg.HasModel(model) && cfg.HasCapability(required) {
			return true
		}
	}
	return false
}

func (r *Registry) forcedMatch(names []string, model string) (models.Snapshot, bool) {
	for _, name := range names {
		e := r.get(name)
		if e == nil {
			continue
		}
		e.mu.Lock()
		cfg := e.runtime.Config
		snap := snapshotOf(e.runtime)
		e.mu.Unlock()
		if cfg.Forced && cfg.HasModel(model) {
			return snap, true
		}
	}
	return models.Snapshot{}, false
}

func snapshotOf(rt *models.UpstreamRuntime) models.Snapshot {
	cfg := rt.Config
	caps := make(map[models.Capability]struct{}, len(cfg.CapabilitySet))
	for c := range cfg.CapabilitySet {
		caps[c] = struct{}{}
	}
	modelSet := make(map[string]struct{}, len(cfg.Models))
	for m := range cfg.Models {
		modelSet[m] = struct{}{}
	}
	return models.Snapshot{
		Name:              cfg.Name,
		Kind:              cfg.Kind,
		BaseURL:           cfg.BaseURL,
		CredentialSource:  cfg.CredentialSource,
		Priority:          cfg.Priority,
		TimeoutMS:         cfg.TimeoutMS,
		MaxRetries:        cfg.MaxRetries,
		Models:            modelSet,
		CapabilitySet:     caps,
		Status:            rt.Status,
		ConsecutiveErrors: rt.ConsecutiveErrors,
	}
}

// All returns a copy-safe snapshot of every registered upstream, in
// registration order; disabled configs are never registered, so they are
// not included. Used by the /v1/models and /health HTTP
// handlers, which need the whole set rather than one (model, capability)
// query's candidates.
func (r *Registry) All() []models.Snapshot {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make([]models.Snapshot, 0, len(names))
	for _, name := range names {
		e := r.get(name)
		if e == nil {
			continue
		}
		e.mu.Lock()
		snap := snapshotOf(e.runtime)
		e.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func (r *Registry) get(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// exceptionClasses are faults that mean the upstream itself is in trouble
// (transport failure or it returned garbage), as opposed to a clean
// structured rejection (auth, client error, rate limit) that says the
// upstream is up and simply declined this one request. record_outcome's
// Degraded -> Unhealthy step is gated on this distinction (spec.md §4.4
// names it without a definition; this set is that definition).
var exceptionClasses = map[models.ErrorClass]struct{}{
	models.ErrorClassConnection:  {},
	models.ErrorClassTimeout:     {},
	models.ErrorClassServerError: {},
	models.ErrorClassUnknown:     {},
}

// RecordOutcome applies the success/failure status-transition rule of
// spec.md §4.4 for one completed attempt against upstream.
func (r *Registry) RecordOutcome(upstream string, outcome models.OutcomeKind, class models.ErrorClass, message string) {
	e := r.get(upstream)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rt := e.runtime
	if rt.Status == models.StatusDisabled {
		return
	}

	switch outcome {
	case models.OutcomeSuccess:
		if rt.ConsecutiveErrors > 0 {
			rt.ConsecutiveErrors--
		}
		if rt.ConsecutiveErrors == 0 && (rt.Status == models.StatusUnhealthy || rt.Status == models.StatusDegraded) {
			rt.Status = models.StatusHealthy
		}
		rt.LastErrorMessage = ""
	default:
		rt.ConsecutiveErrors++
		rt.LastErrorMessage = message
		_, isException := exceptionClasses[class]
		switch rt.Status {
		case models.StatusHealthy:
			rt.Status = models.StatusDegraded
		case models.StatusDegraded:
			if isException {
				rt.Status = models.StatusUnhealthy
			}
		}
	}
}

// Snapshot returns a copy-safe view of one upstream's current runtime
// state, or false if the name is unknown.
func (r *Registry) Snapshot(upstream string) (models.Snapshot, bool) {
	e := r.get(upstream)
	if e == nil {
		return models.Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotOf(e.runtime), true
}

func (r *Registry) healthLoop(ctx context.Context) {
	defer close(r.done)

	r.probeAll(ctx)

	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		e := r.get(name)
		if e == nil {
			continue
		}
		e.mu.Lock()
		stale := time.Since(e.lastProbeAt) >= r.probeCacheTTL
		disabled := e.runtime.Status == models.StatusDisabled
		cfg := e.runtime.Config
		e.mu.Unlock()
		if !stale || disabled {
			continue
		}

		wg.Add(1)
		go func(name string, cfg *models.UpstreamConfig, e *entry) {
			defer wg.Done()
			healthy, detail := r.probe(ctx, cfg)
			e.mu.Lock()
			e.lastProbeAt = time.Now()
			e.runtime.LastHealthCheckAt = e.lastProbeAt
			if healthy {
				if e.runtime.ConsecutiveErrors == 0 {
					e.runtime.Status = models.StatusHealthy
				}
			} else {
				e.runtime.LastErrorMessage = detail
				if e.runtime.Status == models.StatusHealthy {
					e.runtime.Status = models.StatusDegraded
				} else if e.runtime.Status == models.StatusDegraded {
					e.runtime.Status = models.StatusUnhealthy
				}
			}
			e.mu.Unlock()
			r.logger.Debug("health probe",
				zap.String("upstream", name), zap.Bool("healthy", healthy))
		}(name, cfg, e)
	}
	wg.Wait()
}

// probe issues GET {base_url}/v1/models, the OpenAI-compatible endpoint
// every supported upstream kind exposes, resolved as an Open Question in
// SPEC_FULL.md §14 (the teacher probes a kind-specific path instead).
func (r *Registry) probe(ctx context.Context, cfg *models.UpstreamConfig) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return false, err.Error()
	}
	if cfg.CredentialSource != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.CredentialSource)
	}

	resp, err := r.probeClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, fmt.Sprintf("probe returned status %d", resp.StatusCode)
	}
	return true, ""
}
