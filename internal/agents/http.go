package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/deadline"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// DefaultRetryStatuses are retried when an HTTP agent config sets retry
// without status_codes.
var DefaultRetryStatuses = []int{408, 429, 500, 502, 503, 504}

// HTTPConfig is the HTTP agent config.
type HTTPConfig struct {
	Method            string            `json:"method,omitempty"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	Query             map[string]any    `json:"query,omitempty"`
	Body              any               `json:"body,omitempty"`
	BodyEncoding      string            `json:"body_encoding,omitempty"`
	Auth              *HTTPAuth         `json:"auth,omitempty"`
	TimeoutMs         int               `json:"timeout_ms,omitempty"`
	Retry             *HTTPRetry        `json:"retry,omitempty"`
	FailOnErrorStatus *bool             `json:"fail_on_error_status,omitempty"`
}

// HTTPAuth is bearer, basic or api_key authentication.
type HTTPAuth struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	HeaderName  string `json:"header_name,omitempty"`
	HeaderValue string `json:"header_value,omitempty"`
}

// HTTPRetry bounds retries on transport errors and listed statuses.
type HTTPRetry struct {
	MaxAttempts int   `json:"max_attempts"`
	DelayMs     int   `json:"delay_ms"`
	StatusCodes []int `json:"status_codes,omitempty"`
}

// HTTPStrategy performs one HTTP request per call, with optional retry.
type HTTPStrategy struct {
	strategy
	client          *http.Client
	resolver        *expressions.Resolver
	maxResponseBody int64
}

// NewHTTPStrategy creates the HTTP strategy. A nil client gets a private
// transport cloned from http.DefaultTransport.
func NewHTTPStrategy(client *http.Client) *HTTPStrategy {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPStrategy{
		client:          client,
		resolver:        expressions.NewResolver(),
		maxResponseBody: defaultMaxResponseBody,
	}
}

// Type implements Strategy.
func (h *HTTPStrategy) Type() schema.AgentType { return schema.AgentTypeHTTP }

type preparedRequest struct {
	method      string
	url         string
	headers     http.Header
	body        []byte
	contentType string
}

func (h *HTTPStrategy) run(ctx context.Context, call *Call) (any, error) {
	var cfg HTTPConfig
	if err := call.Agent.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	prep, err := h.prepare(&cfg, call.templateScope())
	if err != nil {
		return nil, err
	}

	maxAttempts := 1
	var delay time.Duration
	statuses := DefaultRetryStatuses
	if cfg.Retry != nil {
		if cfg.Retry.MaxAttempts > 1 {
			maxAttempts = cfg.Retry.MaxAttempts
		}
		delay = durationMs(cfg.Retry.DelayMs)
		if len(cfg.Retry.StatusCodes) > 0 {
			statuses = cfg.Retry.StatusCodes
		}
	}

	var (
		result  map[string]any
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := deadline.Sleep(ctx, delay*time.Duration(attempt-1)); err != nil {
				return nil, err
			}
		}
		result, lastErr = h.do(ctx, call, prep, cfg.TimeoutMs)
		call.Metrics(func(m *ResourceMetrics) { m.APICalls++ })

		retryable := false
		switch {
		case lastErr != nil:
			retryable = ctx.Err() == nil
			call.Log(ctx, schema.LogWarn, "request failed", map[string]any{"attempt": attempt, "error": lastErr.Error()})
		case slices.Contains(statuses, result["status_code"].(int)):
			retryable = true
			call.Log(ctx, schema.LogWarn, "retryable status", map[string]any{"attempt": attempt, "status_code": result["status_code"]})
		}
		if !retryable || attempt == maxAttempts {
			if result != nil {
				result["attempts"] = attempt
			}
			break
		}
	}
	if lastErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http %s %s: %v", prep.method, prep.url, lastErr).WithCause(lastErr)
	}

	status := result["status_code"].(int)
	call.Info(ctx, fmt.Sprintf("%s %s -> %d", prep.method, prep.url, status))
	failOnError := cfg.FailOnErrorStatus == nil || *cfg.FailOnErrorStatus
	if failOnError && status >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http %s %s: server returned %d", prep.method, prep.url, status).
			WithDetails(result)
	}
	return result, nil
}

// prepare resolves templates and encodes the body once for every attempt.
func (h *HTTPStrategy) prepare(cfg *HTTPConfig, scope *expressions.Scope) (*preparedRequest, error) {
	rawURL := expressions.Stringify(h.resolver.ResolveString(cfg.URL, scope))
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "http: invalid url %q", rawURL)
	}
	if len(cfg.Query) > 0 {
		q := u.Query()
		for k, v := range cfg.Query {
			q.Set(k, expressions.Stringify(h.resolver.Resolve(v, scope)))
		}
		u.RawQuery = q.Encode()
	}

	prep := &preparedRequest{
		method:  strings.ToUpper(cfg.Method),
		url:     u.String(),
		headers: http.Header{},
	}
	if prep.method == "" {
		prep.method = http.MethodGet
	}
	for k, v := range cfg.Headers {
		prep.headers.Set(k, expressions.Stringify(h.resolver.ResolveString(v, scope)))
	}

	if cfg.Body != nil {
		body := h.resolver.Resolve(cfg.Body, scope)
		switch cfg.BodyEncoding {
		case "form":
			obj, ok := body.(map[string]any)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeConfiguration, "http: form body must be an object")
			}
			vals := url.Values{}
			for k, v := range obj {
				vals.Set(k, expressions.Stringify(v))
			}
			prep.body = []byte(vals.Encode())
			prep.contentType = "application/x-www-form-urlencoded"
		case "text":
			prep.body = []byte(expressions.Stringify(body))
			prep.contentType = "text/plain"
		case "raw":
			prep.body = []byte(expressions.Stringify(body))
		case "", "json":
			b, err := json.Marshal(body)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "http: body is not JSON encodable: %v", err)
			}
			prep.body = b
			prep.contentType = "application/json"
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "http: unknown body_encoding %q", cfg.BodyEncoding)
		}
	}

	if a := cfg.Auth; a != nil {
		resolve := func(s string) string { return expressions.Stringify(h.resolver.ResolveString(s, scope)) }
		switch a.Type {
		case "bearer":
			prep.headers.Set("Authorization", "Bearer "+resolve(a.Token))
		case "basic":
			req := &http.Request{Header: http.Header{}}
			req.SetBasicAuth(resolve(a.Username), resolve(a.Password))
			prep.headers.Set("Authorization", req.Header.Get("Authorization"))
		case "api_key":
			if a.HeaderName != "" {
				prep.headers.Set(a.HeaderName, resolve(a.HeaderValue))
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "http: unknown auth type %q", a.Type)
		}
	}
	return prep, nil
}

func (h *HTTPStrategy) do(ctx context.Context, call *Call, prep *preparedRequest, timeoutMs int) (map[string]any, error) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, durationMs(timeoutMs))
		defer cancel()
	}

	var body io.Reader
	if prep.body != nil {
		body = bytes.NewReader(prep.body)
	}
	req, err := http.NewRequestWithContext(ctx, prep.method, prep.url, body)
	if err != nil {
		return nil, err
	}
	req.Header = prep.headers.Clone()
	if prep.contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", prep.contentType)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	call.Metrics(func(m *ResourceMetrics) { m.NetworkBytes += int64(len(prep.body)) })
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBody))
	call.Metrics(func(m *ResourceMetrics) { m.NetworkBytes += int64(len(raw)) })
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(contentType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": contentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}, nil
}

var _ Strategy = (*HTTPStrategy)(nil)
