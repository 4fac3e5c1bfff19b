package retry

import (
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

const adaptationWindow = 15

var errorClassWeights = map[models.ErrorClass]float64{
	models.ErrorClassRateLimited: 1.2,
	models.ErrorClassConnection:  0.8,
	models.ErrorClassTimeout:     0.9,
	models.ErrorClassServerError: 1.0,
	models.ErrorClassUnknown:     0.7,
}

// AdaptiveRetryStrategy learns from the upstream's recent history: a
// weighted success rate and a pattern-confidence score tighten or loosen
// retry thresholds and delays (spec.md §4.3 "Adaptive").
type AdaptiveRetryStrategy struct {
	Resolver *Resolver
	History  *History
	Upstream string
}

func NewAdaptive(resolver *Resolver, history *History, upstream string) *AdaptiveRetryStrategy {
	return &AdaptiveRetryStrategy{Resolver: resolver, History: history, Upstream: upstream}
}

func (s *AdaptiveRetryStrategy) Name() string { return "adaptive" }

func (s *AdaptiveRetryStrategy) params(class models.ErrorClass) Params {
	return s.Resolver.Effective(s.Upstream, class, s.Name())
}

func (s *AdaptiveRetryStrategy) weightedRate(class models.ErrorClass) float64 {
	return s.History.WeightedSuccessRate(class, adaptationWindow, errorClassWeights[class])
}

func (s *AdaptiveRetryStrategy) ShouldRetry(class models.ErrorClass, attempt int, _ string) bool {
	if isShortCircuitClass(class) {
		return false
	}

	rate := s.weightedRate(class)
	confidence := s.History.PatternConfidence(class)

	successThreshold := 0.6
	conservativeThreshold := 0.7
	if confidence > 0.7 {
		successThreshold = 0.4
		conservativeThreshold = 0.6
	}

	p := s.params(class)
	switch class {
	case models.ErrorClassRateLimited:
		return attempt < adaptMaxAttempts(rate, confidence, p.MaxAttempts)
	case models.ErrorClassConnection, models.ErrorClassTimeout:
		cap := 4
		if p.MaxAttempts < cap {
			cap = p.MaxAttempts
		}
		return rate > successThreshold && attempt < cap
	case models.ErrorClassServerError:
		cap := 3
		if p.MaxAttempts < cap {
			cap = p.MaxAttempts
		}
		return rate > conservativeThreshold && attempt < cap
	case models.ErrorClassUnknown:
		cap := 2
		if p.MaxAttempts < cap {
			cap = p.MaxAttempts
		}
		return rate > conservativeThreshold && attempt < cap
	default:
		return false
	}
}

func (s *AdaptiveRetryStrategy) ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMetadata) time.Duration {
	p := s.params(class)
	rate := s.weightedRate(class)
	confidence := s.History.PatternConfidence(class)

	var base time.Duration
	switch class {
	case models.ErrorClassRateLimited:
		base = p.BaseDelay * 2
		if base < 3*time.Second {
			base = 3 * time.Second
		}
	case models.ErrorClassConnection, models.ErrorClassTimeout:
		base = p.BaseDelay / 2
	case models.ErrorClassServerError:
		base = time.Duration(float64(p.BaseDelay) * 1.2)
	default:
		base = p.BaseDelay
	}

	exponent := attempt
	if exponent > 8 {
		exponent = 8
	}
	delay := powDuration(base, p.BackoffFactor, exponent)

	switch {
	case rate < 0.3:
		delay = time.Duration(float64(delay) * 2.5)
	case rate < 0.5:
		delay = time.Duration(float64(delay) * 1.8)
	case rate > 0.8 && confidence > 0.7:
		delay = time.Duration(float64(delay) * 0.6)
	}

	if s.History.ConsecutiveFailures() > 2 {
		delay = time.Duration(float64(delay) * (1.2 + confidence*0.3))
	}

	hour := time.Now().Hour()
	if hour >= 9 && hour <= 17 && rate < 0.5 {
		delay = time.Duration(float64(delay) * 1.1)
	}

	jitterFactor := p.JitterFactor
	if confidence > 0.8 {
		jitterFactor *= 0.7
	}
	if p.Jitter {
		delay = jitter(delay, jitterFactor)
	}

	return clamp(delay, p.MaxDelay)
}

func adaptMaxAttempts(rate, confidence float64, base int) int {
	switch {
	case rate > 0.8 && confidence > 0.7:
		if base+2 < 6 {
			return base + 2
		}
		return 6
	case rate > 0.6 && confidence > 0.6:
		if base+1 < 5 {
			return base + 1
		}
		return 5
	case rate < 0.3 || confidence < 0.4:
		if base-1 > 1 {
			return base - 1
		}
		return 1
	default:
		return base
	}
}
