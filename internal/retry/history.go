package retry

import (
	"sync"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// historyCapacity is the ring buffer's max size (spec.md §3: "≤ 100").
const historyCapacity = 100

type outcomeRecord struct {
	success bool
	class   models.ErrorClass
	delay   time.Duration
	at      time.Time
}

// History is a per-upstream, single-writer ring buffer of recent attempt
// outcomes (spec.md §3 "RetryHistory"), consumed by the Adaptive strategy
// and by ExponentialBackoff/ImmediateRetry's success-rate modulation.
// Readers see a consistent snapshot (spec.md §5) via the mutex; writes are
// single-writer per upstream in practice (one Router attempt loop at a
// time touches a given upstream's history per in-flight request, but
// concurrent requests against the same upstream are possible, hence the
// lock).
type History struct {
	mu                  sync.Mutex
	ring                []outcomeRecord
	head                int
	size                int
	successCount        int
	failureCount        int
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
}

// NewHistory returns an empty history ring.
func NewHistory() *History {
	return &History{ring: make([]outcomeRecord, historyCapacity)}
}

func (h *History) push(r outcomeRecord) {
	h.ring[h.head] = r
	h.head = (h.head + 1) % historyCapacity
	if h.size < historyCapacity {
		h.size++
	}
}

// RecordSuccess records a successful attempt, resetting the consecutive
// failure counter.
func (h *History) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successCount++
	h.consecutiveFailures = 0
	h.lastSuccess = time.Now()
	h.push(outcomeRecord{success: true, at: h.lastSuccess})
}

// RecordFailure records a failed attempt tagged with its error class and
// the delay chosen before the (possible) next attempt.
func (h *History) RecordFailure(class models.ErrorClass, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCount++
	h.consecutiveFailures++
	h.lastFailure = time.Now()
	h.push(outcomeRecord{success: false, class: class, delay: delay, at: h.lastFailure})
}

// recent returns up to `window` most-recent entries, oldest first.
func (h *History) recent(window int) []outcomeRecord {
	n := h.size
	if window > 0 && window < n {
		n = window
	}
	out := make([]outcomeRecord, n)
	for i := 0; i < n; i++ {
		idx := (h.head - n + i + historyCapacity) % historyCapacity
		out[i] = h.ring[idx]
	}
	return out
}

// SuccessRate returns the fraction of successes among the last `window`
// recorded outcomes (successes and failures alike). Returns 1.0 when no
// history exists yet, so a fresh upstream starts un-penalized.
func (h *History) SuccessRate(window int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.recent(window)
	if len(entries) == 0 {
		return 1.0
	}
	successes := 0
	for _, e := range entries {
		if e.success {
			successes++
		}
	}
	return float64(successes) / float64(len(entries))
}

// ConsecutiveFailures returns the number of failures recorded back to back
// since the last success.
func (h *History) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}

// WeightedSuccessRate approximates the original's error-type-weighted
// success rate: among the last `window` outcomes, the fraction that were
// NOT the given error class, scaled up by how frequently that class
// appears, weighted by its configured importance.
func (h *History) WeightedSuccessRate(class models.ErrorClass, window int, weight float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.recent(window)
	if len(entries) == 0 {
		return 1.0
	}
	var classCount, otherCount int
	for _, e := range entries {
		if !e.success && e.class == class {
			classCount++
		} else {
			otherCount++
		}
	}
	total := float64(len(entries))
	base := float64(otherCount) / total
	freq := float64(classCount) / total
	return base * (1 + weight*freq)
}

// PatternConfidence reports how confident the caller should be that recent
// failures of `class` represent a stable pattern rather than noise.
func (h *History) PatternConfidence(class models.ErrorClass) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < 5 {
		return 0.5
	}
	entries := h.recent(10)
	count := 0
	for _, e := range entries {
		if !e.success && e.class == class {
			count++
		}
	}
	if count >= 3 {
		c := 0.5 + float64(count)/10
		if c > 0.9 {
			c = 0.9
		}
		return c
	}
	return 0.5
}
