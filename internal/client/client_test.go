package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llm-gateway-go/internal/models"
)

func snapFor(srv *httptest.Server) models.Snapshot {
	return models.Snapshot{
		Name:    "A",
		BaseURL: srv.URL,
	}
}

func envelope(stream bool) models.RequestEnvelope {
	return models.RequestEnvelope{
		Operation: models.OperationChatCompletion,
		Model:     "gpt-test",
		Stream:    stream,
		Body:      map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}},
		Deadline:  time.Now().Add(5 * time.Second),
	}
}

func TestCall_SuccessReturnsBufferedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","choices":[]}`))
	}))
	defer srv.Close()

	c := New()
	resp, gerr := c.Call(context.Background(), snapFor(srv), envelope(false))
	require.Nil(t, gerr)
	assert.True(t, resp.Buffered)
	assert.Equal(t, "resp-1", resp.Body["id"])
}

func TestCall_401MapsToAuthentication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := New()
	_, gerr := c.Call(context.Background(), snapFor(srv), envelope(false))
	require.NotNil(t, gerr)
	assert.Equal(t, models.ErrorClassAuthentication, gerr.Class)
	assert.Equal(t, "bad key", gerr.Message)
}

func TestCall_429CarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := New()
	_, gerr := c.Call(context.Background(), snapFor(srv), envelope(false))
	require.NotNil(t, gerr)
	assert.Equal(t, models.ErrorClassRateLimited, gerr.Class)
	assert.Equal(t, 7, gerr.RetryAfter)
}

func TestCall_500MapsToServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	c := New()
	_, gerr := c.Call(context.Background(), snapFor(srv), envelope(false))
	require.NotNil(t, gerr)
	assert.Equal(t, models.ErrorClassServerError, gerr.Class)
}

func TestCall_200WithErrorBodyIsNotTreatedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	c := New()
	_, gerr := c.Call(context.Background(), snapFor(srv), envelope(false))
	require.NotNil(t, gerr)
	assert.Equal(t, models.ErrorClassRateLimited, gerr.Class)
	assert.Equal(t, "quota exceeded", gerr.Message)
}

func TestCall_ConnectionRefusedMapsToConnection(t *testing.T) {
	c := New()
	snap := models.Snapshot{Name: "A", BaseURL: "http://127.0.0.1:1"}
	_, gerr := c.Call(context.Background(), snap, envelope(false))
	require.NotNil(t, gerr)
	assert.Equal(t, models.ErrorClassConnection, gerr.Class)
}

func TestCall_ImageGenIsNotSupported(t *testing.T) {
	c := New()
	env := envelope(false)
	env.Operation = models.OperationImageGen
	_, gerr := c.Call(context.Background(), models.Snapshot{Name: "A", BaseURL: "http://example.invalid"}, env)
	require.NotNil(t, gerr)
	assert.Equal(t, models.ErrorClassNotSupported, gerr.Class)
}

func TestCall_StreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range []string{"data: one\n", "data: two\n", "data: [DONE]\n"} {
			w.Write([]byte(line))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New()
	resp, gerr := c.Call(context.Background(), snapFor(srv), envelope(true))
	require.Nil(t, gerr)
	require.False(t, resp.Buffered)

	var lines []string
	for chunk := range resp.Chunks {
		if chunk.Done {
			break
		}
		lines = append(lines, string(chunk.Data))
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "data: one\n", lines[0])
	assert.Equal(t, "data: two\n", lines[1])
	assert.Equal(t, "data: [DONE]\n", lines[2])
}

func TestCall_StreamErrorStatusNeverOpensChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"down"}}`))
	}))
	defer srv.Close()

	c := New()
	resp, gerr := c.Call(context.Background(), snapFor(srv), envelope(true))
	require.NotNil(t, gerr)
	assert.Nil(t, resp.Chunks)
}
