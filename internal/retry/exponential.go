package retry

import (
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// ExponentialBackoffStrategy is the default strategy: exponential growth,
// success-rate modulation, Retry-After awareness for rate limits
// (spec.md §4.3 "ExponentialBackoff").
type ExponentialBackoffStrategy struct {
	Resolver *Resolver
	History  *History
	Upstream string
}

func NewExponentialBackoff(resolver *Resolver, history *History, upstream string) *ExponentialBackoffStrategy {
	return &ExponentialBackoffStrategy{Resolver: resolver, History: history, Upstream: upstream}
}

func (s *ExponentialBackoffStrategy) Name() string { return "exponential_backoff" }

func (s *ExponentialBackoffStrategy) params(class models.ErrorClass) Params {
	return s.Resolver.Effective(s.Upstream, class, s.Name())
}

func (s *ExponentialBackoffStrategy) ShouldRetry(class models.ErrorClass, attempt int, _ string) bool {
	p := s.params(class)

	if class == models.ErrorClassRateLimited {
		return attempt < p.MaxAttempts
	}
	if class == models.ErrorClassConnection || class == models.ErrorClassTimeout {
		connMax := p.ConnectionMaxAttempts
		if connMax > p.MaxAttempts {
			connMax = p.MaxAttempts
		}
		return attempt < connMax
	}
	if isShortCircuitClass(class) {
		return false
	}
	if class == models.ErrorClassServerError {
		if s.History.ConsecutiveFailures() > 3 {
			return attempt < 1
		}
		return attempt < p.MaxAttempts
	}
	return false
}

func (s *ExponentialBackoffStrategy) ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMetadata) time.Duration {
	p := s.params(class)

	var base time.Duration
	switch {
	case class == models.ErrorClassRateLimited && meta.RetryAfterSeconds > 0:
		base = time.Duration(meta.RetryAfterSeconds) * time.Second
	case class == models.ErrorClassRateLimited:
		base = p.BaseDelay * 2
		if base < 5*time.Second {
			base = 5 * time.Second
		}
	default:
		base = p.BaseDelay
	}

	exponent := attempt
	if exponent > 10 {
		exponent = 10
	}
	delay := powDuration(base, p.BackoffFactor, exponent)

	rate := s.History.SuccessRate(20)
	s.History.mu.Lock()
	recorded := s.History.size
	s.History.mu.Unlock()
	switch {
	case recorded == 0:
		// Nothing recorded yet, so there is no success rate to modulate by.
	case rate < 0.3:
		delay = time.Duration(float64(delay) * 2.5)
	case rate < 0.5:
		delay = time.Duration(float64(delay) * 1.8)
	case rate > 0.8:
		delay = time.Duration(float64(delay) * 0.6)
	}

	if class == models.ErrorClassRateLimited && s.History.ConsecutiveFailures() > 2 {
		delay = time.Duration(float64(delay) * 1.3)
	}

	if p.Jitter {
		delay = jitter(delay, p.JitterFactor)
	}

	if class == models.ErrorClassRateLimited && delay < time.Second {
		delay = time.Second
	}

	return clamp(delay, p.MaxDelay)
}
