// Package llm – ModelGateway
//
// The gateway is the only component that talks to the external
// chat-completion API. It owns the request timeout, error classification,
// the streaming and non-streaming transports, and the disclaimer invariant.
// The safety filter runs here before any network call; a tripped filter
// yields a canned refusal reply and the wire is never touched.
//
// The gateway performs exactly one attempt per call. Retry policy, if any,
// belongs to the caller.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnavailable classifies every gateway failure: network errors, timeouts,
// and non-2xx upstream responses. Callers branch on it with errors.Is.
var ErrUnavailable = errors.New("model gateway unavailable")

// StatusError carries the upstream HTTP status for a failed call. It wraps
// ErrUnavailable so callers can treat all gateway failures uniformly.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model gateway: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrUnavailable) match.
func (e *StatusError) Unwrap() error { return ErrUnavailable }

// GatewayConfig is the explicit configuration injected at construction.
// Nothing here is read from ambient process state, so tests can point the
// gateway at a fake endpoint.
type GatewayConfig struct {
	BaseURL string
	APIKey  string

	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Timeout     time.Duration // per-call bound, default 30s
}

// Gateway issues chat-completion calls against one OpenAI-compatible
// endpoint with bearer-token auth. Safe for concurrent use.
type Gateway struct {
	cfg        GatewayConfig
	httpClient *http.Client
}

const (
	defaultTimeout     = 30 * time.Second
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.4
	defaultMaxTokens   = 1024
	defaultTopP        = 1.0
)

var (
	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total model gateway calls by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_gateway_request_duration_seconds",
			Help:    "Duration of model gateway calls in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(gatewayCalls, gatewayLatency)
}

// NewGateway constructs a Gateway, applying defaults for unset parameters.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.TopP <= 0 {
		cfg.TopP = defaultTopP
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// chatRequest is the minimal request shape for the completion endpoint.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopP        float64   `json:"top_p"`
	Stream      bool      `json:"stream,omitempty"`
}

// chatResponse is the minimal non-streaming response shape.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// streamChunk is one SSE data frame of a streaming response.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete issues one non-streaming completion call. When the last user
// message trips the safety filter it returns the canned refusal reply
// without touching the network. The returned content always contains the
// disclaimer exactly once.
func (g *Gateway) Complete(ctx context.Context, messages []Message, opts Options) (*Reply, error) {
	if r := g.refuseIfUnsafe(messages); r != nil {
		return r, nil
	}

	start := time.Now()
	body, err := g.do(ctx, g.buildRequest(messages, opts, false))
	gatewayLatency.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		gatewayCalls.WithLabelValues("complete", "error").Inc()
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		gatewayCalls.WithLabelValues("complete", "error").Inc()
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		gatewayCalls.WithLabelValues("complete", "error").Inc()
		return nil, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	gatewayCalls.WithLabelValues("complete", "ok").Inc()
	return &Reply{
		Content:   EnsureDisclaimer(parsed.Choices[0].Message.Content),
		ModelID:   g.modelID(parsed.Model, opts),
		CreatedAt: time.Now().UTC(),
		Usage:     parsed.Usage,
	}, nil
}

// CompleteStreaming issues one streaming completion call, forwarding content
// deltas to onDelta as they arrive and reassembling the full text. The
// disclaimer rule is enforced on the reassembled text only; individual
// deltas are never rewritten. A refusal (safety filter) is delivered as a
// single delta.
func (g *Gateway) CompleteStreaming(ctx context.Context, messages []Message, opts Options, onDelta func(delta string) error) (*Reply, error) {
	if r := g.refuseIfUnsafe(messages); r != nil {
		if onDelta != nil {
			if err := onDelta(r.Content); err != nil {
				return nil, err
			}
		}
		return r, nil
	}

	start := time.Now()
	defer func() {
		gatewayLatency.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	}()

	req, err := g.newHTTPRequest(ctx, g.buildRequest(messages, opts, true))
	if err != nil {
		gatewayCalls.WithLabelValues("stream", "error").Inc()
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		gatewayCalls.WithLabelValues("stream", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		gatewayCalls.WithLabelValues("stream", "error").Inc()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var full strings.Builder
	modelID := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			modelID = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				// Caller stopped consuming (e.g. client disconnect); the
				// reassembled prefix is still returned for persistence.
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		gatewayCalls.WithLabelValues("stream", "error").Inc()
		return nil, fmt.Errorf("%w: read stream: %v", ErrUnavailable, err)
	}

	gatewayCalls.WithLabelValues("stream", "ok").Inc()
	return &Reply{
		Content:   EnsureDisclaimer(full.String()),
		ModelID:   g.modelID(modelID, opts),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// HealthCheck reports whether the configured endpoint is reachable and
// accepting our credentials. Used by the liveness probe; never by the
// request path.
func (g *Gateway) HealthCheck(ctx context.Context) bool {
	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// refuseIfUnsafe returns a canned refusal reply when the last user message
// trips the safety filter, nil otherwise.
func (g *Gateway) refuseIfUnsafe(messages []Message) *Reply {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if Unsafe(messages[i].Content) {
			gatewayCalls.WithLabelValues("refusal", "ok").Inc()
			return &Reply{
				Content:   RefusalMessage(),
				ModelID:   "safety-filter",
				CreatedAt: time.Now().UTC(),
				Refused:   true,
			}
		}
		break
	}
	return nil
}

func (g *Gateway) buildRequest(messages []Message, opts Options, stream bool) chatRequest {
	req := chatRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		TopP:        g.cfg.TopP,
		Stream:      stream,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	return req
}

func (g *Gateway) newHTTPRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("model gateway: marshal request: %w", err)
	}
	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("model gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	return req, nil
}

// do executes one non-streaming request and classifies every failure as
// ErrUnavailable (wrapped).
func (g *Gateway) do(ctx context.Context, body chatRequest) ([]byte, error) {
	req, err := g.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return raw, nil
}

func (g *Gateway) modelID(responseModel string, opts Options) string {
	switch {
	case responseModel != "":
		return responseModel
	case opts.Model != "":
		return opts.Model
	default:
		return g.cfg.Model
	}
}
