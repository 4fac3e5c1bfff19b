// Package retry implements the Retry Strategy component (spec.md §4.3):
// three pluggable strategies sharing a common execute loop, a per-upstream
// ring-buffered history, and a layered parameter resolver. Ported from
// original_source/src/core/retry_strategies.py, with spec.md's literal
// numeric constants taking precedence wherever the two disagree.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// ErrorMetadata carries the extra detail a strategy's delay computation may
// need beyond the class and attempt index.
type ErrorMetadata struct {
	RetryAfterSeconds int
	Message           string
}

// Strategy is a pair of pure predicates over (error class, attempt index),
// relative to the History passed to the selector that produced it
// (spec.md §4.3).
type Strategy interface {
	Name() string
	ShouldRetry(class models.ErrorClass, attempt int, message string) bool
	ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMetadata) time.Duration
}

// AttemptResult is what one invocation of the wrapped work function
// reports back to Execute.
type AttemptResult struct {
	Class        models.ErrorClass
	Message      string
	RetryAfterS  int
	NotSupported bool
}

// WorkFunc performs one wire call; ok=true means success.
type WorkFunc func(ctx context.Context, attempt int) (ok bool, result AttemptResult)

// Execute runs work in a loop: invoke, classify on failure, consult
// ShouldRetry, sleep ComputeDelay, repeat; record outcomes into hist as it
// goes (spec.md §4.3: "history is updated only through execute"). A
// NotSupported outcome is never retried — the Router needs to move to the
// next candidate without charging it against the breaker (spec.md §4.6).
func Execute(ctx context.Context, strat Strategy, hist *History, maxAttempts int, work WorkFunc) (ok bool, last AttemptResult, attempts int, deadlineExceeded bool) {
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		attempts = attempt + 1
		succeeded, res := work(ctx, attempt)
		if succeeded {
			hist.RecordSuccess()
			return true, res, attempts, false
		}
		last = res
		if res.NotSupported {
			return false, res, attempts, false
		}
		if !strat.ShouldRetry(res.Class, attempt, res.Message) {
			return false, res, attempts, false
		}
		delay := strat.ComputeDelay(res.Class, attempt, ErrorMetadata{RetryAfterSeconds: res.RetryAfterS, Message: res.Message})
		hist.RecordFailure(res.Class, delay)
		if attempt >= maxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, last, attempts, true
		case <-timer.C:
		}
	}
	return false, last, attempts, false
}

func isShortCircuitClass(class models.ErrorClass) bool {
	switch class {
	case models.ErrorClassAuthentication, models.ErrorClassAuthorization, models.ErrorClassClientError:
		return true
	default:
		return false
	}
}

func jitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	r := float64(delay) * factor
	return delay + time.Duration(rand.Float64()*2*r-r)
}

func clamp(delay, max time.Duration) time.Duration {
	if delay > max {
		return max
	}
	if delay < 0 {
		return 0
	}
	return delay
}

func powDuration(base time.Duration, factor float64, exponent int) time.Duration {
	return time.Duration(float64(base) * math.Pow(factor, float64(exponent)))
}

var transientSubstrings = []string{
	"connection reset", "connection refused", "connection aborted",
	"timeout", "network is unreachable", "temporary failure",
	"service temporarily unavailable", "gateway timeout",
}

func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range transientSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
