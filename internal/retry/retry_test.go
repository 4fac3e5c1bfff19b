package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-gateway-go/internal/models"
)

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	hist := NewHistory()
	strat := NewExponentialBackoff(resolver, hist, "A")

	calls := 0
	ok, _, attempts, deadline := Execute(context.Background(), strat, hist, 3, func(ctx context.Context, attempt int) (bool, AttemptResult) {
		calls++
		return true, AttemptResult{}
	})

	require.True(t, ok)
	assert.False(t, deadline)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecute_NeverRetriesAuthErrors(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	hist := NewHistory()
	strat := NewExponentialBackoff(resolver, hist, "A")

	calls := 0
	ok, last, attempts, _ := Execute(context.Background(), strat, hist, 5, func(ctx context.Context, attempt int) (bool, AttemptResult) {
		calls++
		return false, AttemptResult{Class: models.ErrorClassAuthentication, Message: "bad key"}
	})

	assert.False(t, ok)
	assert.Equal(t, models.ErrorClassAuthentication, last.Class)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecute_NotSupportedNeverRetried(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	hist := NewHistory()
	strat := NewAdaptive(resolver, hist, "A")

	calls := 0
	ok, last, attempts, _ := Execute(context.Background(), strat, hist, 5, func(ctx context.Context, attempt int) (bool, AttemptResult) {
		calls++
		return false, AttemptResult{NotSupported: true}
	})

	assert.False(t, ok)
	assert.True(t, last.NotSupported)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesServerErrorThenSucceeds(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	hist := NewHistory()
	strat := NewExponentialBackoff(resolver, hist, "A")

	calls := 0
	ok, _, attempts, _ := Execute(context.Background(), strat, hist, 3, func(ctx context.Context, attempt int) (bool, AttemptResult) {
		calls++
		if calls < 3 {
			return false, AttemptResult{Class: models.ErrorClassServerError, Message: "internal error"}
		}
		return true, AttemptResult{}
	})

	assert.True(t, ok)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestExponentialBackoff_RateLimitUsesRetryAfter(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	hist := NewHistory()
	strat := NewExponentialBackoff(resolver, hist, "A")

	delay := strat.ComputeDelay(models.ErrorClassRateLimited, 0, ErrorMetadata{RetryAfterSeconds: 2})
	// Base 2s, backoff_factor^0 = 1, jitter ±10%, so within [1.8s, 2.2s].
	assert.InDelta(t, float64(2_000_000_000), float64(delay), float64(400_000_000))
}

func TestImmediateRetry_UsesProgressiveDelays(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	hist := NewHistory()
	strat := NewImmediateRetry(resolver, hist, "A")

	require.True(t, strat.ShouldRetry(models.ErrorClassConnection, 0, "connection reset by peer"))
	d := strat.ComputeDelay(models.ErrorClassConnection, 0, ErrorMetadata{Message: "connection reset by peer"})
	assert.Equal(t, immediateDelays[0], d)
}

func TestHistory_RingCapacity(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyCapacity+10; i++ {
		h.RecordFailure(models.ErrorClassServerError, 0)
	}
	assert.Equal(t, historyCapacity, h.size)
}

func TestResolver_PrecedenceStrategyBeatsUpstreamBeatsGlobal(t *testing.T) {
	resolver := NewResolver(DefaultParams())
	three := 3
	seven := 7
	resolver.Set("A", &UpstreamOverrides{
		Overrides: Overrides{MaxAttempts: &seven},
		Strategy: map[string]Overrides{
			"exponential_backoff": {MaxAttempts: &three},
		},
	})

	got := resolver.Effective("A", models.ErrorClassServerError, "exponential_backoff")
	assert.Equal(t, 3, got.MaxAttempts)

	got2 := resolver.Effective("A", models.ErrorClassServerError, "adaptive")
	assert.Equal(t, 7, got2.MaxAttempts)
}
