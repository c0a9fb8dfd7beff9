package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gridflow/gridflow/pkg/schema"
)

// HTTPConfig configures outbound HTTP behavior for webhook nodes and the
// http.request action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// HTTPCaller performs the outbound request behind a webhook node. It
// classifies failures so the retry machinery can tell transient conditions
// (network errors, 5xx, 429) from permanent ones (other 4xx).
type HTTPCaller struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPCaller creates an HTTPCaller with the given config.
func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPCaller{
		config: cfg,
		client: &http.Client{},
	}
}

// CallResult is the structured outcome of an outbound HTTP call.
type CallResult struct {
	StatusCode  int               `json:"status_code"`
	Status      string            `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// Do performs an HTTP call described by a webhook node configuration.
// Status >= 500 and 429 responses come back as transient errors, other
// 4xx as permanent; the parsed response is attached as error details
// either way so error edges can route on it.
func (c *HTTPCaller) Do(ctx context.Context, cfg *schema.WebhookConfig, body any) (*CallResult, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePermanentNode, "webhook: invalid url %q", cfg.URL).WithCause(err)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodePermanentNode, "webhook: body is not JSON-serializable").WithCause(err)
		}
		bodyReader = strings.NewReader(string(raw))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePermanentNode, "webhook: failed to build request").WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		// Connection refused, DNS failure, timeout: all worth retrying.
		return nil, schema.NewErrorf(schema.ErrCodeTransientNode, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransientNode, "webhook: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		if strings.Contains(respContentType, "application/json") {
			if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
				parsedBody = string(bodyBytes)
			}
		} else {
			parsedBody = string(bodyBytes)
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := &CallResult{
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		Headers:     respHeaders,
		Body:        parsedBody,
		ContentType: respContentType,
		DurationMs:  durationMs,
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodePermanentNode
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeTransientNode
		}
		return nil, schema.NewErrorf(code, "webhook: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        parsedBody,
			})
	}

	return result, nil
}

// --- http.request action ---

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestAction exposes outbound HTTP as the "http.request" action so
// generic action nodes can call services without a dedicated webhook node.
type HTTPRequestAction struct {
	caller *HTTPCaller
}

// NewHTTPRequestAction creates a new http.request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	return &HTTPRequestAction{caller: NewHTTPCaller(cfg)}
}

func (a *HTTPRequestAction) Name() string { return "http.request" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Execute an HTTP request with control over method, headers, and body.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPRequestAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("http.request: invalid url %q", rawURL))
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	cfg := &schema.WebhookConfig{
		URL:    stringParam(params, "url", ""),
		Method: stringParam(params, "method", "GET"),
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		cfg.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			cfg.Headers[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := a.caller.Do(ctx, cfg, params["body"])
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: json.RawMessage(data)}, nil
}
