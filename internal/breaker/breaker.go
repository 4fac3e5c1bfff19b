package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/metrics"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// record is the JSON value stored under key "breaker:<upstream>".
type record struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// PermitKind tells the Router caller which branch of the state machine
// admitted the call, so Report can tell a probing HALF_OPEN attempt apart
// from an ordinary CLOSED one.
type PermitKind string

const (
	PermitClosed   PermitKind = "closed"
	PermitHalfOpen PermitKind = "half_open"
)

// Permit is returned by Enter when a call against an upstream may proceed.
type Permit struct {
	Upstream string
	Kind     PermitKind
}

const maxCASAttempts = 20

var errCASExhausted = errors.New("breaker: compare-and-swap retries exhausted")

// Breaker implements the distributed circuit breaker of spec.md §4.2: a
// CLOSED/OPEN/HALF_OPEN state machine shared across gateway instances via
// KVStore, ported from original_source's DistributedCircuitBreaker. On any
// KVStore error the breaker fails CLOSED (spec.md §4.2, §7): an
// unreachable shared store must never itself trip an upstream open.
type Breaker struct {
	store            KVStore
	logger           *zap.Logger
	metrics          metrics.Sink
	failureThreshold int
	recoveryWindow   time.Duration
	onBackendDown    func(upstream string)
}

// New builds a Breaker. failureThreshold is the consecutive-failure count
// that trips CLOSED -> OPEN; recoveryWindow is how long OPEN is held
// before a single HALF_OPEN probe is allowed through. onBackendDown, if
// non-nil, is invoked (e.g. to increment a metric) whenever the KVStore is
// unreachable and the breaker falls back to fail-closed behavior.
func New(store KVStore, logger *zap.Logger, failureThreshold int, recoveryWindow time.Duration, onBackendDown func(string)) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryWindow <= 0 {
		recoveryWindow = 30 * time.Second
	}
	return &Breaker{
		store:            store,
		logger:           logger,
		metrics:          metrics.Noop{},
		failureThreshold: failureThreshold,
		recoveryWindow:   recoveryWindow,
		onBackendDown:    onBackendDown,
	}
}

// WithMetrics attaches the gauge sink that tracks this breaker's
// per-upstream state (spec.md's metrics.Sink.BreakerState). Optional: a
// Breaker built via New alone reports to a no-op sink.
func (b *Breaker) WithMetrics(sink metrics.Sink) *Breaker {
	if sink != nil {
		b.metrics = sink
	}
	return b
}

// stateGauge maps a breaker State to the gauge value documented on
// metrics.Sink.BreakerState (0=closed, 1=half_open, 2=open).
func stateGauge(s State) float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func key(upstream string) string { return "breaker:" + upstream }

func (b *Breaker) failClosed(upstream string, cause error) (*Permit, bool, int, error) {
	b.logger.Warn("circuit breaker backend unavailable, failing closed",
		zap.String("upstream", upstream), zap.Error(cause))
	if b.onBackendDown != nil {
		b.onBackendDown(upstream)
	}
	return &Permit{Upstream: upstream, Kind: PermitClosed}, false, 0, nil
}

// Enter asks whether a call against upstream may proceed. It returns
// either a non-nil Permit (proceed, and call Report when done) or
// rejected=true with retryAfterS seconds until the breaker may admit
// another probe.
func (b *Breaker) Enter(ctx context.Context, upstream string) (permit *Permit, rejected bool, retryAfterS int, err error) {
	raw, version, found, err := b.store.Get(ctx, key(upstream))
	if err != nil {
		return b.failClosed(upstream, err)
	}
	if !found {
		return &Permit{Upstream: upstream, Kind: PermitClosed}, false, 0, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return b.failClosed(upstream, err)
	}

	switch rec.State {
	case StateOpen:
		elapsed := time.Since(rec.OpenedAt)
		if elapsed < b.recoveryWindow {
			return nil, true, int((b.recoveryWindow - elapsed).Seconds()) + 1, nil
		}
		next := record{State: StateHalfOpen, FailureCount: rec.FailureCount, OpenedAt: rec.OpenedAt}
		encoded, mErr := json.Marshal(next)
		if mErr != nil {
			return b.failClosed(upstream, mErr)
		}
		ok, casErr := b.store.CompareAndSwap(ctx, key(upstream), version, string(encoded))
		if casErr != nil {
			return b.failClosed(upstream, casErr)
		}
		if !ok {
			// Another caller already consumed the transition (or recorded a
			// fresh failure); reject this caller rather than race two probes.
			return nil, true, 1, nil
		}
		b.metrics.BreakerState(upstream, stateGauge(StateHalfOpen))
		return &Permit{Upstream: upstream, Kind: PermitHalfOpen}, false, 0, nil
	case StateHalfOpen:
		// A probe is already in flight; every other caller is rejected until
		// Report resolves it one way or the other.
		return nil, true, 1, nil
	default:
		return &Permit{Upstream: upstream, Kind: PermitClosed}, false, 0, nil
	}
}

// Report records the outcome of a call admitted by Enter. A success always
// returns the breaker to CLOSED with failure_count reset to zero. A
// failure increments failure_count via a CAS retry loop (mirroring the
// original's WATCH/MULTI/EXEC) and trips OPEN either when the threshold is
// reached or immediately if the failing call was the HALF_OPEN probe.
func (b *Breaker) Report(ctx context.Context, permit *Permit, success bool) error {
	if permit == nil {
		return nil
	}
	k := key(permit.Upstream)

	if success {
		if err := b.store.Delete(ctx, k); err != nil {
			b.logger.Warn("circuit breaker backend unavailable recording success",
				zap.String("upstream", permit.Upstream), zap.Error(err))
			if b.onBackendDown != nil {
				b.onBackendDown(permit.Upstream)
			}
			return nil
		}
		b.metrics.BreakerState(permit.Upstream, stateGauge(StateClosed))
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, version, found, err := b.store.Get(ctx, k)
		if err != nil {
			b.failClosed(permit.Upstream, err)
			return nil
		}

		var cur record
		if found {
			if err := json.Unmarshal([]byte(raw), &cur); err != nil {
				b.failClosed(permit.Upstream, err)
				return nil
			}
		} else {
			cur = record{State: StateClosed}
		}

		failureCount := cur.FailureCount + 1
		var next record
		if permit.Kind == PermitHalfOpen || failureCount >= b.failureThreshold {
			next = record{State: StateOpen, FailureCount: failureCount, OpenedAt: time.Now().UTC()}
		} else {
			next = record{State: StateClosed, FailureCount: failureCount}
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		ok, err := b.store.CompareAndSwap(ctx, k, version, string(encoded))
		if err != nil {
			b.failClosed(permit.Upstream, err)
			return nil
		}
		if ok {
			b.metrics.BreakerState(permit.Upstream, stateGauge(next.State))
			return nil
		}
		// Lost the race against a concurrent reporter; reread and retry.
	}
	return errCASExhausted
}
