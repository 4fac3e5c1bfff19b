// Package router implements the Router / Fallback Engine (spec.md §4.6,
// component C6): the top-level `Route(envelope) -> ResponseEnvelope |
// Error` entry point that ties the registry, breaker, retry selector,
// cache, upstream client and metrics sink together. No single teacher
// file matches this 1:1 — the teacher's internal/service/proxy.go and
// endpoint_selector.go jointly approximate the candidate-then-call shape
// this package generalizes — so it is assembled fresh in the teacher's
// service-composition style: constructor-injected dependencies, a single
// exported entry method.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/breaker"
	"github.com/user/llm-gateway-go/internal/cache"
	"github.com/user/llm-gateway-go/internal/client"
	"github.com/user/llm-gateway-go/internal/metrics"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/registry"
	"github.com/user/llm-gateway-go/internal/retry"
)

// Router wires one instance of each pipeline component. All fields are
// set at construction and never reassigned afterward, so a *Router is
// safe for concurrent use by many inbound requests.
type Router struct {
	Registry *registry.Registry
	Breaker  *breaker.Breaker
	Selector *retry.Selector
	Cache    cache.Cache
	Client   *client.Client
	Metrics  metrics.Sink
	Logger   *zap.Logger

	// IDGen produces request IDs; overridable in tests for determinism.
	IDGen func() string
}

// New builds a Router from its collaborators. sink and logger may be nil,
// in which case a no-op sink and a no-op logger are used.
func New(reg *registry.Registry, brk *breaker.Breaker, sel *retry.Selector, c cache.Cache, cl *client.Client, sink metrics.Sink, logger *zap.Logger) *Router {
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		Registry: reg,
		Breaker:  brk,
		Selector: sel,
		Cache:    c,
		Client:   cl,
		Metrics:  sink,
		Logger:   logger,
		IDGen:    uuid.NewString,
	}
}

func isCacheableOperation(op models.Operation) bool {
	switch op {
	case models.OperationChatCompletion, models.OperationTextCompletion, models.OperationEmbeddings:
		return true
	default:
		return false
	}
}

// isShortCircuitClass reports the error classes that surface immediately
// to the caller with no fallback to the next candidate (spec.md §7):
// these mean the request itself is bad, not that the upstream is
// unhealthy.
func isShortCircuitClass(class models.ErrorClass) bool {
	switch class {
	case models.ErrorClassAuthentication, models.ErrorClassAuthorization, models.ErrorClassClientError:
		return true
	default:
		return false
	}
}

func responseFromEntry(e cache.Entry, requestID string, cached bool) models.ResponseEnvelope {
	prov := e.Provenance
	prov.RequestID = requestID
	prov.Cached = cached
	return models.ResponseEnvelope{Buffered: true, Body: e.Body, Provenance: prov}
}

// Route implements spec.md §4.6's algorithm end to end. It never returns
// a plain error — failures are always a *models.GatewayError so callers
// can switch on Code/Class directly.
func (rt *Router) Route(ctx context.Context, env models.RequestEnvelope) (models.ResponseEnvelope, *models.GatewayError) {
	start := time.Now()
	if env.RequestID == "" {
		env.RequestID = rt.IDGen()
	}
	rt.Metrics.RequestStarted(string(env.Operation))

	streaming := false
	if !env.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
		// A returned stream goes on reading under ctx after Route returns,
		// so its context ends at the deadline; every other outcome releases
		// it here.
		defer func() {
			if !streaming {
				cancel()
			}
		}()
	}

	required := models.CapabilityFor(env.Operation)
	candidates := rt.Registry.Candidates(env.Model, required)
	if len(candidates) == 0 {
		// Empty candidates has two distinct causes (spec.md §8 boundary
		// behaviors): nobody advertises this model at all (ModelNotSupported,
		// no upstream exists to blame), or every upstream that does is
		// currently unhealthy/disabled (AllUpstreamsUnavailable, with no
		// wire call issued).
		if !rt.Registry.ModelKnown(env.Model, required) {
			rt.emitComplete(string(env.Operation), string(models.CodeModelNotSupported), false, start)
			return models.ResponseEnvelope{}, models.NewModelNotSupported(env.Model)
		}
		rt.emitComplete(string(env.Operation), string(models.CodeAllUpstreamsUnavailable), false, start)
		return models.ResponseEnvelope{}, models.NewAllUpstreamsUnavailable(nil)
	}

	if !env.Stream && isCacheableOperation(env.Operation) {
		return rt.routeCacheable(ctx, env, candidates, start)
	}

	resp, gerr := rt.runCandidates(ctx, env, candidates)
	if gerr != nil {
		rt.emitComplete(string(env.Operation), string(gerr.Code), false, start)
		return models.ResponseEnvelope{}, gerr
	}
	resp.Provenance.RequestID = env.RequestID
	streaming = env.Stream
	rt.emitComplete(string(env.Operation), "success", false, start)
	return resp, nil
}

// routeCacheable handles the cache lookup/build path (spec.md §4.6 step 3,
// §9 "single-flight cache replaces any ad-hoc check-then-build idiom").
// The entire candidate loop runs inside the single-flight build so that
// concurrently arriving duplicate requests share one upstream round trip,
// not just one cache write.
func (rt *Router) routeCacheable(ctx context.Context, env models.RequestEnvelope, candidates []models.Snapshot, start time.Time) (models.ResponseEnvelope, *models.GatewayError) {
	fp := cache.Fingerprint(env.Operation, env.Model, env.Body)

	if entry, ok := rt.Cache.Lookup(fp); ok {
		resp := responseFromEntry(entry, env.RequestID, true)
		rt.emitComplete(string(env.Operation), "success", true, start)
		return resp, nil
	}

	entry, err := rt.Cache.SingleFlight(ctx, fp, func(ctx context.Context) (cache.Entry, error) {
		resp, gerr := rt.runCandidates(ctx, env, candidates)
		if gerr != nil {
			return cache.Entry{}, gerr
		}
		return cache.Entry{Body: resp.Body, Provenance: resp.Provenance, CachedAt: time.Now()}, nil
	})
	if err != nil {
		var gerr *models.GatewayError
		if errors.As(err, &gerr) {
			rt.emitComplete(string(env.Operation), string(gerr.Code), false, start)
			return models.ResponseEnvelope{}, gerr
		}
		gerr = models.NewUpstreamFault(models.ErrorClassUnknown, err.Error())
		rt.emitComplete(string(env.Operation), string(gerr.Code), false, start)
		return models.ResponseEnvelope{}, gerr
	}

	resp := responseFromEntry(entry, env.RequestID, false)
	rt.emitComplete(string(env.Operation), "success", false, start)
	return resp, nil
}

func (rt *Router) emitComplete(operation, status string, cached bool, start time.Time) {
	rt.Metrics.RequestCompleted(operation, status, cached, time.Since(start).Seconds())
}

// runCandidates tries candidates strictly in order (spec.md §5: "the
// Router does not parallelize fallback across candidates"), returning on
// the first success, the first short-circuit class, or a timeout; it
// aggregates per-candidate summaries for AllUpstreamsUnavailable if every
// candidate is exhausted.
func (rt *Router) runCandidates(ctx context.Context, env models.RequestEnvelope, candidates []models.Snapshot) (models.ResponseEnvelope, *models.GatewayError) {
	var details []models.UpstreamError
	allNotSupported := true
	totalAttempts := 0

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			return models.ResponseEnvelope{}, models.NewDeadlineExceeded()
		default:
		}

		permit, rejected, retryAfterS, _ := rt.Breaker.Enter(ctx, cand.Name)
		if rejected {
			allNotSupported = false
			rt.Metrics.AttemptCompleted(cand.Name, string(env.Operation), "failure", string(models.ErrorClassBreakerOpen), 0)
			details = append(details, models.UpstreamError{
				Name:  cand.Name,
				Class: models.ErrorClassBreakerOpen,
				Msg:   fmt.Sprintf("circuit open, retry after %ds", retryAfterS),
			})
			continue
		}

		strat := rt.Selector.For(cand.Name)
		hist := rt.Selector.History(cand.Name)

		var resp models.ResponseEnvelope
		work := func(ctx context.Context, attempt int) (bool, retry.AttemptResult) {
			callStart := time.Now()
			out, gerr := rt.Client.Call(ctx, cand, env)
			elapsed := time.Since(callStart)
			if gerr == nil {
				resp = out
				rt.Metrics.AttemptCompleted(cand.Name, string(env.Operation), "success", "", elapsed.Seconds())
				return true, retry.AttemptResult{}
			}
			if gerr.Class == models.ErrorClassNotSupported {
				rt.Metrics.AttemptCompleted(cand.Name, string(env.Operation), "not_supported", string(gerr.Class), elapsed.Seconds())
				return false, retry.AttemptResult{NotSupported: true, Class: gerr.Class, Message: gerr.Message}
			}
			rt.Metrics.AttemptCompleted(cand.Name, string(env.Operation), "failure", string(gerr.Class), elapsed.Seconds())
			return false, retry.AttemptResult{Class: gerr.Class, Message: gerr.Message, RetryAfterS: gerr.RetryAfter}
		}

		ok, last, attempts, deadlineExceeded := retry.Execute(ctx, strat, hist, cand.MaxRetries, work)
		totalAttempts += attempts

		if ok {
			// Success (including a stream's headers-received success) is
			// reported to the breaker before the caller ever sees the
			// response, per spec.md §4.6 step 4c.
			rt.Breaker.Report(ctx, permit, true)
			rt.Registry.RecordOutcome(cand.Name, models.OutcomeSuccess, "", "")
			resp.Provenance.AttemptIndex = totalAttempts
			return resp, nil
		}

		if deadlineExceeded {
			rt.Breaker.Report(ctx, permit, false)
			rt.Registry.RecordOutcome(cand.Name, models.OutcomeFailure, last.Class, last.Message)
			return models.ResponseEnvelope{}, models.NewDeadlineExceeded()
		}

		if last.NotSupported {
			// Not an upstream fault: skip this candidate without touching
			// the breaker or the registry (spec.md §4.6 step 4c bullet 1).
			details = append(details, models.UpstreamError{Name: cand.Name, Class: last.Class, Msg: last.Message})
			continue
		}

		allNotSupported = false
		rt.Breaker.Report(ctx, permit, false)
		rt.Registry.RecordOutcome(cand.Name, models.OutcomeFailure, last.Class, last.Message)
		details = append(details, models.UpstreamError{Name: cand.Name, Class: last.Class, Msg: last.Message})

		if isShortCircuitClass(last.Class) {
			return models.ResponseEnvelope{}, models.NewUpstreamFault(last.Class, last.Message)
		}
	}

	if allNotSupported {
		return models.ResponseEnvelope{}, models.NewOperationNotSupported(env.Model)
	}
	return models.ResponseEnvelope{}, models.NewAllUpstreamsUnavailable(details)
}
