// Package client implements the Upstream Client (spec.md §4.1, component
// C1): exactly one HTTP call or one SSE stream per upstream attempt, with
// per-upstream connection pooling and the full wire-level ErrorClass
// mapping the rest of the gateway classifies on. Grounded on the
// teacher's internal/service/proxy.go (proxyToEndpoint/connectStreamEndpoint/
// readSSEStream, isRetryableStatusCode generalized into ErrorClass, and its
// per-service *http.Transport pooling generalized to per-upstream).
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 20
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTimeout             = 120 * time.Second
)

// Client issues one call at a time against a given upstream snapshot. It
// owns one *http.Transport per upstream name so connections are reused
// across requests to the same upstream without upstreams contending for
// each other's idle pool.
type Client struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

func New() *Client {
	return &Client{transports: make(map[string]*http.Transport)}
}

func (c *Client) transportFor(name string) *http.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[name]; ok {
		return t
	}
	t := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
	c.transports[name] = t
	return t
}

// CloseIdleConnections releases pooled connections for every upstream this
// Client has ever talked to. Called from cmd/gateway's deferred shutdown
// cleanup.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
}

// pathFor maps an inbound Operation to the OpenAI-compatible upstream
// route (spec.md §6). image_generation has no wire mapping defined by the
// spec's upstream contract yet, so it always reports NotSupported.
func pathFor(op models.Operation) (string, bool) {
	switch op {
	case models.OperationChatCompletion:
		return "/v1/chat/completions", true
	case models.OperationTextCompletion:
		return "/v1/completions", true
	case models.OperationEmbeddings:
		return "/v1/embeddings", true
	default:
		return "", false
	}
}

// Call performs one attempt against snap for envelope. It returns a
// *models.GatewayError (never a plain error) so callers can branch on
// Class directly; NotSupported is signaled via ErrorClassNotSupported.
func (c *Client) Call(ctx context.Context, snap models.Snapshot, env models.RequestEnvelope) (models.ResponseEnvelope, *models.GatewayError) {
	path, ok := pathFor(env.Operation)
	if !ok {
		return models.ResponseEnvelope{}, models.NewUpstreamFault(models.ErrorClassNotSupported,
			fmt.Sprintf("upstream wire mapping for operation %q is not implemented", env.Operation))
	}

	body := make(map[string]any, len(env.Body)+1)
	for k, v := range env.Body {
		body[k] = v
	}
	body["model"] = env.Model
	body["stream"] = env.Stream

	encoded, err := json.Marshal(body)
	if err != nil {
		return models.ResponseEnvelope{}, models.NewUpstreamFault(models.ErrorClassMalformed, "encode request body: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, snap.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return models.ResponseEnvelope{}, models.NewUpstreamFault(models.ErrorClassUnknown, "build upstream request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if snap.CredentialSource != "" {
		req.Header.Set("Authorization", "Bearer "+snap.CredentialSource)
	}

	if env.Stream {
		req.Header.Set("Accept", "text/event-stream")
		return c.doStream(req, snap)
	}
	return c.doBuffered(req, snap)
}

func (c *Client) httpClient(snap models.Snapshot, streaming bool) *http.Client {
	timeout := defaultTimeout
	if snap.TimeoutMS > 0 {
		timeout = time.Duration(snap.TimeoutMS) * time.Millisecond
	}
	if streaming {
		// Streaming relies on the request context's deadline, not a fixed
		// client-wide timeout that would cut a long-lived stream short.
		timeout = 0
	}
	return &http.Client{Timeout: timeout, Transport: c.transportFor(snap.Name)}
}

func (c *Client) doBuffered(req *http.Request, snap models.Snapshot) (models.ResponseEnvelope, *models.GatewayError) {
	start := time.Now()
	resp, err := c.httpClient(snap, false).Do(req)
	if err != nil {
		return models.ResponseEnvelope{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ResponseEnvelope{}, models.NewUpstreamFault(models.ErrorClassConnection, "read upstream response: "+err.Error())
	}

	// A structured error body refines the class independent of the HTTP
	// status (spec.md §4.1): some upstreams answer 200 with an {"error":
	// {...}} payload instead of a non-2xx status. Status-derived
	// classification below already covers the >=400 cases, including
	// header-derived detail like Retry-After, so this only needs to catch
	// what classifyStatus would otherwise wave through as success.
	if resp.StatusCode < 400 {
		if gerr := classifyBody(raw, resp.StatusCode); gerr != nil {
			return models.ResponseEnvelope{}, gerr
		}
	}

	if gerr := classifyStatus(resp, raw); gerr != nil {
		return models.ResponseEnvelope{}, gerr
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.ResponseEnvelope{}, models.NewUpstreamFault(models.ErrorClassMalformed, "decode upstream response: "+err.Error())
	}

	return models.ResponseEnvelope{
		Buffered: true,
		Body:     decoded,
		Provenance: models.Provenance{
			UpstreamName: snap.Name,
			Elapsed:      time.Since(start),
			ElapsedMS:    time.Since(start).Milliseconds(),
		},
	}, nil
}

func (c *Client) doStream(req *http.Request, snap models.Snapshot) (models.ResponseEnvelope, *models.GatewayError) {
	start := time.Now()
	resp, err := c.httpClient(snap, true).Do(req)
	if err != nil {
		return models.ResponseEnvelope{}, classifyTransportError(err)
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if gerr := classifyStatus(resp, raw); gerr != nil {
			return models.ResponseEnvelope{}, gerr
		}
	}

	// Success is declared here, at headers-received, per spec.md §4.1/§5 —
	// the caller gets a live channel, not a fully-drained stream.
	chunks := make(chan models.StreamChunk, 16)
	go readSSE(resp, chunks)

	return models.ResponseEnvelope{
		Buffered: false,
		Chunks:   chunks,
		Provenance: models.Provenance{
			UpstreamName: snap.Name,
			Elapsed:      time.Since(start),
			ElapsedMS:    time.Since(start).Milliseconds(),
		},
	}, nil
}

// readSSE pumps the upstream's event-stream body to chunks line by line,
// preserving arrival order end-to-end, and always terminates with a
// Done chunk (spec.md §5).
func readSSE(resp *http.Response, chunks chan<- models.StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			data := make([]byte, len(line))
			copy(data, line)
			chunks <- models.StreamChunk{Data: data}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- models.StreamChunk{Done: true}
				return
			}
			chunks <- models.StreamChunk{Err: err, Done: true}
			return
		}
	}
}

// classifyBody inspects a decoded JSON body for a structured {"error": {...}}
// object and classifies it from the error's type, independent of the HTTP
// status that carried it. Grounded on original_source/src/providers/
// openai.py:156-170, which runs this same check unconditionally before its
// status-derived branches — an upstream can answer 200 with a body that is
// actually an error.
func classifyBody(raw []byte, status int) *models.GatewayError {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Type == "" && body.Error.Message == "" {
		return nil
	}

	message := body.Error.Message
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d with a structured error body", status)
	}

	switch body.Error.Type {
	case "invalid_request_error":
		return models.NewUpstreamFault(models.ErrorClassClientError, message)
	case "authentication_error":
		return models.NewUpstreamFault(models.ErrorClassAuthentication, message)
	case "rate_limit_error":
		return models.NewUpstreamFault(models.ErrorClassRateLimited, message)
	default:
		return models.NewUpstreamFault(models.ErrorClassServerError, message)
	}
}

func classifyStatus(resp *http.Response, raw []byte) *models.GatewayError {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return models.NewUpstreamFault(models.ErrorClassAuthentication, upstreamMessage(raw, resp.StatusCode))
	case resp.StatusCode == http.StatusForbidden:
		return models.NewUpstreamFault(models.ErrorClassAuthorization, upstreamMessage(raw, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		gerr := models.NewUpstreamFault(models.ErrorClassRateLimited, upstreamMessage(raw, resp.StatusCode))
		gerr.RetryAfter = retryAfterSeconds(resp.Header.Get("Retry-After"))
		return gerr
	case resp.StatusCode >= 500:
		return models.NewUpstreamFault(models.ErrorClassServerError, upstreamMessage(raw, resp.StatusCode))
	default:
		return models.NewUpstreamFault(models.ErrorClassClientError, upstreamMessage(raw, resp.StatusCode))
	}
}

func upstreamMessage(raw []byte, status int) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

func retryAfterSeconds(header string) int {
	if header == "" {
		return 0
	}
	if n, err := strconv.Atoi(header); err == nil {
		return n
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}

func classifyTransportError(err error) *models.GatewayError {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewUpstreamFault(models.ErrorClassTimeout, "upstream request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewUpstreamFault(models.ErrorClassTimeout, "upstream request timed out")
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "broken pipe"):
		return models.NewUpstreamFault(models.ErrorClassConnection, msg)
	default:
		return models.NewUpstreamFault(models.ErrorClassUnknown, msg)
	}
}
