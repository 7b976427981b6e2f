package steps

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vantle/stepflow/pkg/schema"
)

// HTTPConfig configures the HTTP steps.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Param helpers used by all step files.

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

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
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

// --- JSON Schemas ---

const httpFetchInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object", "additionalProperties": true},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const httpFetchOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"description": "response body, JSON-parsed when the server says so"},
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

const httpGetInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object", "additionalProperties": true},
    "auth": {"type": "object"},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const httpPostInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object", "additionalProperties": true},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {"type": "object"},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

// --- http.fetch ---

// HTTPFetchStep implements the "http.fetch" step.
type HTTPFetchStep struct {
	config HTTPConfig
}

// NewHTTPFetchStep creates a new http.fetch step.
func NewHTTPFetchStep(cfg HTTPConfig) *HTTPFetchStep {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPFetchStep{config: cfg}
}

func (s *HTTPFetchStep) Name() string { return "http.fetch" }

func (s *HTTPFetchStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
		InputSchema:  json.RawMessage(httpFetchInputSchema),
		OutputSchema: json.RawMessage(httpFetchOutputSchema),
	}
}

func (s *HTTPFetchStep) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.fetch: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("http.fetch: invalid url %q", rawURL))
	}
	return nil
}

func (s *HTTPFetchStep) Execute(ctx context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")
	bodyEncoding := stringParam(params, "body_encoding", "json")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	tlsSkipVerify := boolParam(params, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(params, "fail_on_error_status", true)

	timeout := s.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	// Append query params to the URL.
	if q, ok := params["query"].(map[string]any); ok && len(q) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.fetch: invalid url %q", rawURL)
		}
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = vals.Encode()
		rawURL = u.String()
	}

	// Build request body.
	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			formData, ok := rawBody.(map[string]any)
			if ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http.fetch: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http.fetch: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if hdrs, ok := params["headers"]; ok {
		if hm, ok := hdrs.(map[string]any); ok {
			for k, v := range hm {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}

	if authRaw, ok := params["auth"]; ok {
		if auth, ok := authRaw.(map[string]any); ok {
			switch stringParam(auth, "type", "") {
			case "bearer":
				req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
			case "basic":
				req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
			case "api_key":
				headerName := stringParam(auth, "header_name", "")
				if headerName != "" {
					req.Header.Set(headerName, stringParam(auth, "header_value", ""))
				}
			}
		}
	}

	// Always build a fresh client to avoid mutating shared transport state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http.fetch: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http.fetch: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http.fetch: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        parsedBody,
			})
	}

	return schema.NewStepResult(parsedBody).
		WithExtra("status_code", resp.StatusCode).
		WithExtra("status", resp.Status).
		WithExtra("headers", respHeaders).
		WithExtra("content_type", respContentType).
		WithExtra("duration_ms", durationMs), nil
}

// --- http.get ---

// HTTPGetStep implements the "http.get" convenience step.
type HTTPGetStep struct {
	inner *HTTPFetchStep
}

// NewHTTPGetStep creates a new http.get step.
func NewHTTPGetStep(cfg HTTPConfig) *HTTPGetStep {
	return &HTTPGetStep{inner: NewHTTPFetchStep(cfg)}
}

func (s *HTTPGetStep) Name() string { return "http.get" }

func (s *HTTPGetStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Convenience step for HTTP GET requests.",
		InputSchema:  json.RawMessage(httpGetInputSchema),
		OutputSchema: json.RawMessage(httpFetchOutputSchema),
	}
}

func (s *HTTPGetStep) Validate(params map[string]any) error {
	return s.inner.Validate(params)
}

func (s *HTTPGetStep) Execute(ctx context.Context, input StepInput) (*schema.StepResult, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	input.Params["method"] = "GET"
	return s.inner.Execute(ctx, input)
}

// --- http.post ---

// HTTPPostStep implements the "http.post" convenience step.
type HTTPPostStep struct {
	inner *HTTPFetchStep
}

// NewHTTPPostStep creates a new http.post step.
func NewHTTPPostStep(cfg HTTPConfig) *HTTPPostStep {
	return &HTTPPostStep{inner: NewHTTPFetchStep(cfg)}
}

func (s *HTTPPostStep) Name() string { return "http.post" }

func (s *HTTPPostStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Convenience step for HTTP POST requests.",
		InputSchema:  json.RawMessage(httpPostInputSchema),
		OutputSchema: json.RawMessage(httpFetchOutputSchema),
	}
}

func (s *HTTPPostStep) Validate(params map[string]any) error {
	return s.inner.Validate(params)
}

func (s *HTTPPostStep) Execute(ctx context.Context, input StepInput) (*schema.StepResult, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	input.Params["method"] = "POST"
	return s.inner.Execute(ctx, input)
}
