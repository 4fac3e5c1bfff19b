package api

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/metrics"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/router"
)

// inboundBody is decoded just far enough to route the request; every other
// field passes through untouched in RequestEnvelope.Body (spec.md §4.1).
type inboundBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Handlers wires the Router into gin route handlers for the routes
// spec.md §6 names, except GET /metrics, which is served by the metrics
// sink's own handler.
type Handlers struct {
	Router     *router.Router
	Metrics    metrics.Sink
	RequestTTL time.Duration
	Logger     *zap.Logger
}

func (h *Handlers) metricsSink() metrics.Sink {
	if h.Metrics == nil {
		return metrics.Noop{}
	}
	return h.Metrics
}

func (h *Handlers) buildEnvelope(c *gin.Context, op models.Operation, requestID string) (models.RequestEnvelope, *models.GatewayError) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return models.RequestEnvelope{}, models.NewUpstreamFault(models.ErrorClassMalformed, "could not read request body")
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.RequestEnvelope{}, models.NewUpstreamFault(models.ErrorClassMalformed, "request body is not valid JSON")
	}

	var in inboundBody
	_ = json.Unmarshal(raw, &in)
	if in.Model == "" {
		return models.RequestEnvelope{}, models.NewUpstreamFault(models.ErrorClassMalformed, "\"model\" field is required")
	}

	deadline := time.Now().Add(h.RequestTTL)
	if h.RequestTTL <= 0 {
		deadline = time.Now().Add(60 * time.Second)
	}

	return models.RequestEnvelope{
		Operation: op,
		Model:     in.Model,
		Stream:    in.Stream,
		Body:      body,
		RequestID: requestID,
		Deadline:  deadline,
	}, nil
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handlers) ChatCompletions(c *gin.Context) {
	h.route(c, models.OperationChatCompletion)
}

// Completions handles POST /v1/completions.
func (h *Handlers) Completions(c *gin.Context) {
	h.route(c, models.OperationTextCompletion)
}

// Embeddings handles POST /v1/embeddings.
func (h *Handlers) Embeddings(c *gin.Context) {
	h.route(c, models.OperationEmbeddings)
}

func (h *Handlers) route(c *gin.Context, op models.Operation) {
	requestID := uuid.NewString()

	env, gerr := h.buildEnvelope(c, op, requestID)
	if gerr != nil {
		writeGatewayError(c, requestID, gerr)
		return
	}

	resp, gerr := h.Router.Route(c.Request.Context(), env)
	if gerr != nil {
		writeGatewayError(c, requestID, gerr)
		return
	}

	if resp.Buffered {
		c.Header("X-Gateway-Upstream", resp.Provenance.UpstreamName)
		c.Header("X-Gateway-Request-ID", resp.Provenance.RequestID)
		resp.Body["_proxy_info"] = models.ProxyInfo{
			Upstream:  resp.Provenance.UpstreamName,
			Attempt:   resp.Provenance.AttemptIndex,
			ElapsedMS: resp.Provenance.ElapsedMS,
			RequestID: resp.Provenance.RequestID,
			Cached:    resp.Provenance.Cached,
		}
		c.JSON(200, resp.Body)
		return
	}

	h.streamSSE(c, resp, op)
}

// streamSSE forwards a ResponseEnvelope's chunk channel to the client as a
// raw SSE passthrough, closing as soon as the client disconnects or the
// upstream signals Done/Err (spec.md §5). A mid-stream error emits a
// failure metric but never triggers a fallback to another upstream —
// headers are already committed to the client by the time a chunk arrives
// (spec.md §4.6 step 4c).
func (h *Handlers) streamSSE(c *gin.Context, resp models.ResponseEnvelope, op models.Operation) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Gateway-Upstream", resp.Provenance.UpstreamName)
	c.Header("X-Gateway-Request-ID", resp.Provenance.RequestID)
	c.Status(200)
	c.Writer.Flush()

	start := time.Now()
	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case chunk, ok := <-resp.Chunks:
			if !ok {
				return
			}
			if chunk.Err != nil {
				h.metricsSink().AttemptCompleted(resp.Provenance.UpstreamName, string(op), "failure", "stream_error", time.Since(start).Seconds())
				return
			}
			if len(chunk.Data) > 0 {
				if _, err := c.Writer.Write(chunk.Data); err != nil {
					return
				}
				c.Writer.Flush()
			}
			if chunk.Done {
				return
			}
		}
	}
}
