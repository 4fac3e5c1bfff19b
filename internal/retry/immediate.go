package retry

import (
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

var immediateDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

const maxImmediateRetries = 2

// ImmediateRetryStrategy retries transient-looking errors with sub-second
// delays (spec.md §4.3 "ImmediateRetry"): up to maxImmediateRetries
// immediate retries, waiting 50ms and then 100ms. Timeout, Connection and
// Unknown errors are retried only through those immediate retries and only
// when their message looks transient; once the immediate retries are used
// up, these classes are not retried again. A ServerError keeps being
// retried while attempt < MaxAttempts: with a transient-looking message
// the delay stays at 100ms, otherwise it grows exponentially from
// BaseDelay and the immediate-retry count starts over. The counter is
// scoped to one Execute call (one Router attempt loop against one
// upstream), unlike the instance-lifetime field in the original — this
// repo creates one strategy instance per attempt loop, so the two are
// equivalent in practice but the Go field is named for what it tracks.
type ImmediateRetryStrategy struct {
	Resolver       *Resolver
	History        *History
	Upstream       string
	immediateCount int
}

func NewImmediateRetry(resolver *Resolver, history *History, upstream string) *ImmediateRetryStrategy {
	return &ImmediateRetryStrategy{Resolver: resolver, History: history, Upstream: upstream}
}

func (s *ImmediateRetryStrategy) Name() string { return "immediate_retry" }

func (s *ImmediateRetryStrategy) params(class models.ErrorClass) Params {
	return s.Resolver.Effective(s.Upstream, class, s.Name())
}

func (s *ImmediateRetryStrategy) ShouldRetry(class models.ErrorClass, attempt int, message string) bool {
	transient := isTransientMessage(message)
	switch class {
	case models.ErrorClassTimeout, models.ErrorClassConnection:
		if s.immediateCount < maxImmediateRetries && transient {
			s.immediateCount++
			return true
		}
		return false
	case models.ErrorClassServerError:
		if transient && s.immediateCount < maxImmediateRetries {
			s.immediateCount++
			return true
		}
		return attempt < s.params(class).MaxAttempts
	case models.ErrorClassAuthentication, models.ErrorClassAuthorization, models.ErrorClassClientError:
		return false
	case models.ErrorClassUnknown:
		if transient && s.immediateCount < maxImmediateRetries {
			s.immediateCount++
			return true
		}
		return false
	default:
		return false
	}
}

func (s *ImmediateRetryStrategy) ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMetadata) time.Duration {
	p := s.params(class)
	transient := isTransientMessage(meta.Message)

	immediateEligible := class == models.ErrorClassTimeout || class == models.ErrorClassConnection ||
		((class == models.ErrorClassServerError || class == models.ErrorClassUnknown) && transient)

	if s.immediateCount <= maxImmediateRetries && immediateEligible {
		idx := s.immediateCount - 1
		if idx < 0 {
			idx = 0
		}
		if idx > len(immediateDelays)-1 {
			idx = len(immediateDelays) - 1
		}
		return immediateDelays[idx]
	}

	s.immediateCount = 0
	delay := powDuration(p.BaseDelay, p.BackoffFactor, attempt)

	if s.History.SuccessRate(20) < 0.5 {
		delay = time.Duration(float64(delay) * 1.2)
	}
	if p.Jitter {
		delay = jitter(delay, p.JitterFactor)
	}
	return clamp(delay, p.MaxDelay)
}
