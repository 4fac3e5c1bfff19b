package api

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/user/llm-gateway-go/internal/breaker"
	"github.com/user/llm-gateway-go/internal/cache"
	"github.com/user/llm-gateway-go/internal/client"
	"github.com/user/llm-gateway-go/internal/database"
	"github.com/user/llm-gateway-go/internal/metrics"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/registry"
	"github.com/user/llm-gateway-go/internal/retry"
	"github.com/user/llm-gateway-go/internal/router"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:api-%d?mode=memory&cache=shared&_busy_timeout=5000", time.Now().UnixNano())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(8)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))
	return db
}

func testRouter(t *testing.T, upstreamURL string) *router.Router {
	t.Helper()
	cfg := &models.UpstreamConfig{
		Name:             "A",
		Kind:             models.KindOpenAICompatible,
		BaseURL:          upstreamURL,
		CredentialSource: "test-key",
		Models:           map[string]struct{}{"gpt-4o": {}},
		Enabled:          true,
		TimeoutMS:        2000,
		MaxRetries:       1,
		CapabilitySet:    map[models.Capability]struct{}{models.CapabilityChatCompletion: {}},
	}
	reg, err := registry.New([]*models.UpstreamConfig{cfg}, zap.NewNop())
	require.NoError(t, err)

	resolver := retry.NewResolver(retry.Params{
		MaxAttempts:   2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 1.0,
	})
	sel := retry.NewSelector(resolver, "immediate_retry")
	brk := breaker.New(breaker.NewSQLiteKVStore(newTestDB(t)), zap.NewNop(), 5, time.Hour, nil)

	return router.New(reg, brk, sel, cache.New(time.Minute, 100), client.New(), metrics.Noop{}, zap.NewNop())
}

func newTestServer(t *testing.T, rt *router.Router) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(ServerDeps{
		Router:     rt,
		Logger:     zap.NewNop(),
		AuthHeader: "bearer",
		APIKeys:    []string{"sk-test"},
		RequestTTL: 5 * time.Second,
	})
}

func TestChatCompletionsHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	rt := testRouter(t, upstream.URL)
	r := newTestServer(t, rt)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "_proxy_info")
	assert.Equal(t, "A", w.Header().Get("X-Gateway-Upstream"))
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rt := testRouter(t, upstream.URL)
	r := newTestServer(t, rt)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsUnauthenticated(t *testing.T) {
	rt := testRouter(t, "http://127.0.0.1:0")
	r := newTestServer(t, rt)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type recordingSink struct {
	metrics.Noop
	attempts []string
}

func (s *recordingSink) AttemptCompleted(upstream, operation, outcome, errorClass string, elapsedSeconds float64) {
	s.attempts = append(s.attempts, outcome+":"+errorClass)
}

func TestStreamSSE_MidStreamErrorEmitsFailureMetricNoFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &recordingSink{}
	h := &Handlers{Metrics: sink}

	chunks := make(chan models.StreamChunk, 2)
	chunks <- models.StreamChunk{Data: []byte("data: one\n")}
	chunks <- models.StreamChunk{Err: assert.AnError}
	close(chunks)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	resp := models.ResponseEnvelope{
		Buffered: false,
		Chunks:   chunks,
		Provenance: models.Provenance{
			UpstreamName: "A",
			RequestID:    "req-1",
		},
	}
	h.streamSSE(c, resp, models.OperationChatCompletion)

	require.Len(t, sink.attempts, 1)
	assert.Equal(t, "failure:stream_error", sink.attempts[0])
	assert.Contains(t, w.Body.String(), "data: one\n")
}

func TestChatCompletionsUnknownModelIs404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rt := testRouter(t, upstream.URL)
	r := newTestServer(t, rt)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"not-served"}`))
	req.Header.Set("Authorization", "Bearer sk-test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
