package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llm-gateway-go/internal/models"
)

func TestLookup_MissOnEmptyCache(t *testing.T) {
	c := New(time.Minute, 10)
	_, ok := c.Lookup("nope")
	assert.False(t, ok)
}

func TestSingleFlight_BuildsOnceConcurrently(t *testing.T) {
	c := New(time.Minute, 10)
	var calls int32

	build := func(ctx context.Context) (Entry, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return Entry{Body: map[string]any{"ok": true}}, nil
	}

	var wg sync.WaitGroup
	results := make([]Entry, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.SingleFlight(context.Background(), "fp", build)
			require.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, true, r.Body["ok"])
	}
}

func TestSingleFlight_SubsequentCallIsLookupHit(t *testing.T) {
	c := New(time.Minute, 10)
	calls := 0
	build := func(ctx context.Context) (Entry, error) {
		calls++
		return Entry{Body: map[string]any{"n": calls}}, nil
	}

	_, err := c.SingleFlight(context.Background(), "fp", build)
	require.NoError(t, err)
	_, err = c.SingleFlight(context.Background(), "fp", build)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestEntry_ExpiresAfterTTL(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	_, err := c.SingleFlight(context.Background(), "fp", func(ctx context.Context) (Entry, error) {
		return Entry{Body: map[string]any{"ok": true}}, nil
	})
	require.NoError(t, err)

	_, ok := c.Lookup("fp")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Lookup("fp")
	assert.False(t, ok)
}

func TestEviction_BoundsSize(t *testing.T) {
	c := New(time.Minute, 10)
	for i := 0; i < 25; i++ {
		key := string(rune('a' + i))
		_, err := c.SingleFlight(context.Background(), key, func(ctx context.Context) (Entry, error) {
			return Entry{Body: map[string]any{}}, nil
		})
		require.NoError(t, err)
	}
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	assert.LessOrEqual(t, size, 10)
}

func TestFingerprint_IgnoresVolatileFields(t *testing.T) {
	a := Fingerprint(models.OperationChatCompletion, "gpt-test", map[string]any{
		"messages":   []any{"hi"},
		"stream":     true,
		"request_id": "req-1",
	})
	b := Fingerprint(models.OperationChatCompletion, "gpt-test", map[string]any{
		"messages":   []any{"hi"},
		"stream":     false,
		"request_id": "req-2",
	})
	assert.Equal(t, a, b)
}

func TestFingerprint_DiffersOnModelOrOperation(t *testing.T) {
	base := map[string]any{"messages": []any{"hi"}}
	a := Fingerprint(models.OperationChatCompletion, "gpt-test", base)
	b := Fingerprint(models.OperationChatCompletion, "gpt-other", base)
	c := Fingerprint(models.OperationTextCompletion, "gpt-test", base)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
