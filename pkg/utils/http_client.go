// Package utils provides the outbound HTTP plumbing shared by the webhook
// orchestrator and the n8n API client.
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
)

// HTTPClient provides a reusable HTTP client with common functionality
type HTTPClient struct {
	client *http.Client
}

// HTTPRequest represents an HTTP request
type HTTPRequest struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Body        interface{}       `json:"body,omitempty"`
}

// HTTPResponse represents an HTTP response
type HTTPResponse struct {
	StatusCode int             `json:"status_code"`
	Headers    http.Header     `json:"headers"`
	Body       jsonvalue.Value `json:"body"`
	RawBody    []byte          `json:"raw_body,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// OK reports whether the status code is 2xx
func (r *HTTPResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewHTTPClient creates a new HTTP client. Deadlines come from the request
// context, so the underlying client carries no timeout of its own.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{}}
}

// NewHTTPClientWith wraps an existing *http.Client
func NewHTTPClientWith(client *http.Client) *HTTPClient {
	if client == nil {
		return NewHTTPClient()
	}
	return &HTTPClient{client: client}
}

// Do executes an HTTP request bound to ctx
func (c *HTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	// Create request body if provided
	var bodyReader io.Reader
	if req.Body != nil {
		switch body := req.Body.(type) {
		case string:
			bodyReader = bytes.NewBufferString(body)
		case []byte:
			bodyReader = bytes.NewBuffer(body)
		default:
			jsonBody, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			bodyReader = bytes.NewBuffer(jsonBody)
		}
	}

	parsedURL, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if len(req.QueryParams) > 0 {
		q := parsedURL.Query()
		for key, value := range req.QueryParams {
			q.Set(key, value)
		}
		parsedURL.RawQuery = q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	startTime := time.Now()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       ParseBody(resp.Header.Get("Content-Type"), body),
		RawBody:    body,
		Duration:   time.Since(startTime),
	}, nil
}

// ParseBody decodes a response body as JSON when the content type says so or
// the body looks like a JSON document. Anything else is kept as a string, and
// an empty body is null.
func ParseBody(contentType string, body []byte) jsonvalue.Value {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return jsonvalue.NullValue()
	}
	if strings.Contains(strings.ToLower(contentType), "json") || trimmed[0] == '{' || trimmed[0] == '[' {
		if v, err := jsonvalue.Parse(trimmed); err == nil {
			return v
		}
	}
	return jsonvalue.StringValue(string(body))
}
