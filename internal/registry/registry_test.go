package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llm-gateway-go/internal/models"
)

func cfg(name string, priority int, forced bool) *models.UpstreamConfig {
	return &models.UpstreamConfig{
		Name:          name,
		Kind:          models.KindOpenAICompatible,
		BaseURL:       "http://" + name,
		Models:        map[string]struct{}{"gpt-test": {}},
		CapabilitySet: map[models.Capability]struct{}{models.CapabilityChatCompletion: {}},
		Priority:      priority,
		Enabled:       true,
		Forced:        forced,
	}
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New([]*models.UpstreamConfig{cfg("A", 1, false), cfg("A", 2, false)}, nil)
	require.Error(t, err)
}

func TestNew_RejectsMultipleForced(t *testing.T) {
	_, err := New([]*models.UpstreamConfig{cfg("A", 1, true), cfg("B", 2, true)}, nil)
	require.Error(t, err)
}

func TestCandidates_SortedByPriority(t *testing.T) {
	r, err := New([]*models.UpstreamConfig{cfg("B", 2, false), cfg("A", 1, false)}, nil)
	require.NoError(t, err)

	cands := r.Candidates("gpt-test", models.CapabilityChatCompletion)
	require.Len(t, cands, 2)
	assert.Equal(t, "A", cands[0].Name)
	assert.Equal(t, "B", cands[1].Name)
}

func TestCandidates_ForcedBypassesEverythingElse(t *testing.T) {
	r, err := New([]*models.UpstreamConfig{cfg("A", 1, false), cfg("B", 2, true)}, nil)
	require.NoError(t, err)

	cands := r.Candidates("gpt-test", models.CapabilityChatCompletion)
	require.Len(t, cands, 1)
	assert.Equal(t, "B", cands[0].Name)
}

func TestCandidates_ForcedWithoutCapabilityReturnsEmpty(t *testing.T) {
	forced := cfg("B", 1, true)
	forced.CapabilitySet = map[models.Capability]struct{}{models.CapabilityEmbeddings: {}}
	r, err := New([]*models.UpstreamConfig{cfg("A", 1, false), forced}, nil)
	require.NoError(t, err)

	cands := r.Candidates("gpt-test", models.CapabilityChatCompletion)
	assert.Empty(t, cands)
}

func TestCandidates_ExcludesUnhealthy(t *testing.T) {
	r, err := New([]*models.UpstreamConfig{cfg("A", 1, false)}, nil)
	require.NoError(t, err)

	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassConnection, "boom")
	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassConnection, "boom")

	cands := r.Candidates("gpt-test", models.CapabilityChatCompletion)
	assert.Empty(t, cands)
}

func TestRecordOutcome_HealthyToDegradedToUnhealthy(t *testing.T) {
	r, err := New([]*models.UpstreamConfig{cfg("A", 1, false)}, nil)
	require.NoError(t, err)

	snap, _ := r.Snapshot("A")
	require.Equal(t, models.StatusHealthy, snap.Status)

	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassClientError, "bad request")
	snap, _ = r.Snapshot("A")
	assert.Equal(t, models.StatusDegraded, snap.Status)
	assert.Equal(t, 1, snap.ConsecutiveErrors)

	// A second non-exception failure keeps it Degraded (not yet Unhealthy).
	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassClientError, "bad request")
	snap, _ = r.Snapshot("A")
	assert.Equal(t, models.StatusDegraded, snap.Status)

	// An exception-class failure while Degraded trips Unhealthy.
	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassConnection, "reset")
	snap, _ = r.Snapshot("A")
	assert.Equal(t, models.StatusUnhealthy, snap.Status)
	assert.Equal(t, 3, snap.ConsecutiveErrors)
}

func TestRecordOutcome_SuccessRecoversToHealthyAtZero(t *testing.T) {
	r, err := New([]*models.UpstreamConfig{cfg("A", 1, false)}, nil)
	require.NoError(t, err)

	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassConnection, "x")
	r.RecordOutcome("A", models.OutcomeFailure, models.ErrorClassConnection, "x")
	snap, _ := r.Snapshot("A")
	require.Equal(t, models.StatusUnhealthy, snap.Status)

	r.RecordOutcome("A", models.OutcomeSuccess, "", "")
	snap, _ = r.Snapshot("A")
	assert.Equal(t, 1, snap.ConsecutiveErrors)
	assert.Equal(t, models.StatusUnhealthy, snap.Status, "still > 0 consecutive errors")

	r.RecordOutcome("A", models.OutcomeSuccess, "", "")
	snap, _ = r.Snapshot("A")
	assert.Equal(t, 0, snap.ConsecutiveErrors)
	assert.Equal(t, models.StatusHealthy, snap.Status)
}

func TestRecordOutcome_ConsecutiveErrorsNeverNegative(t *testing.T) {
	r, err := New([]*models.UpstreamConfig{cfg("A", 1, false)}, nil)
	require.NoError(t, err)

	r.RecordOutcome("A", models.OutcomeSuccess, "", "")
	snap, _ := r.Snapshot("A")
	assert.Equal(t, 0, snap.ConsecutiveErrors)
}

func TestHealthLoop_RecoversUnhealthyUpstreamOnSuccessfulProbe(t *testing.T) {
	var failing atomicBool
	failing.set(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if failing.get() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	upstream := cfg("A", 1, false)
	upstream.BaseURL = srv.URL

	r, err := New([]*models.UpstreamConfig{upstream}, nil,
		WithHealthInterval(15*time.Millisecond),
		WithProbeTimeout(time.Second),
		WithProbeCacheTTL(0))
	require.NoError(t, err)

	r.Start(context.Background())
	defer r.Shutdown()

	// Drive two probe rounds (Healthy -> Degraded -> Unhealthy).
	time.Sleep(80 * time.Millisecond)
	snap, _ := r.Snapshot("A")
	require.Equal(t, models.StatusUnhealthy, snap.Status)

	failing.set(false)
	require.Eventually(t, func() bool {
		s, _ := r.Snapshot("A")
		return s.Status == models.StatusHealthy
	}, time.Second, 10*time.Millisecond)
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
