// Package n8n talks to the read-only parts of n8n's public API and pulls
// results out of its execution records.
package n8n

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/utils"
)

var (
	// ErrNotFound is returned when n8n does not know the execution (yet)
	ErrNotFound = errors.New("execution not found")

	// ErrNotConfigured is returned when no base URL or API key is set
	ErrNotConfigured = errors.New("n8n API not configured")
)

// DefaultAPIKeyHeader is the header n8n reads API keys from
const DefaultAPIKeyHeader = "X-N8N-API-KEY"

// ClientConfig configures a Client
type ClientConfig struct {
	// BaseURL of the n8n instance
	BaseURL string

	// APIKey for the public API
	APIKey string

	// APIKeyHeader overrides DefaultAPIKeyHeader. "Authorization" sends the
	// key as a bearer token.
	APIKeyHeader string

	// HTTPClient is optional
	HTTPClient *utils.HTTPClient
}

// ListOptions filters ListExecutions
type ListOptions struct {
	WorkflowID string
	Limit      int
}

// Client reads executions from n8n
type Client struct {
	baseURL string
	apiKey  string
	header  string
	http    *utils.HTTPClient
	logger  logging.Logger
}

// NewClient creates a Client
func NewClient(cfg ClientConfig, logger logging.Logger) *Client {
	header := cfg.APIKeyHeader
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = utils.NewHTTPClient()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		header:  header,
		http:    httpClient,
		logger:  logger,
	}
}

// Configured reports whether remote lookups can be made
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// GetExecution fetches one execution including its result data
func (c *Client) GetExecution(ctx context.Context, id string) (*models.N8nExecution, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	resp, err := c.get(ctx, "/api/v1/executions/"+url.PathEscape(id), map[string]string{
		"includeData": "true",
	})
	if err != nil {
		return nil, err
	}

	record := resp.Body
	if _, hasID := record.Get("id"); !hasID && record.Field("data").IsObject() {
		record = record.Field("data")
	}

	exec, err := ParseExecution(record)
	if err != nil {
		return nil, fmt.Errorf("failed to parse execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions lists recent executions, newest first as n8n returns them
func (c *Client) ListExecutions(ctx context.Context, opts ListOptions) ([]models.N8nExecution, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	params := map[string]string{}
	if opts.WorkflowID != "" {
		params["workflowId"] = opts.WorkflowID
	}
	if opts.Limit > 0 {
		params["limit"] = strconv.Itoa(opts.Limit)
	}

	resp, err := c.get(ctx, "/api/v1/executions", params)
	if err != nil {
		return nil, err
	}

	list := resp.Body
	if list.IsObject() {
		list = list.Field("data")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("unexpected executions listing: %s", resp.Body.Kind())
	}

	executions := make([]models.N8nExecution, 0, list.Len())
	for _, item := range list.Items() {
		exec, err := ParseExecution(item)
		if err != nil {
			c.logger.Debug("Skipping unreadable execution record", logging.Err(err))
			continue
		}
		executions = append(executions, *exec)
	}
	return executions, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) (*utils.HTTPResponse, error) {
	headers := map[string]string{}
	if strings.EqualFold(c.header, "Authorization") {
		headers["Authorization"] = "Bearer " + c.apiKey
	} else {
		headers[c.header] = c.apiKey
	}

	resp, err := c.http.Do(ctx, &utils.HTTPRequest{
		URL:         c.baseURL + path,
		Method:      http.MethodGet,
		Headers:     headers,
		QueryParams: params,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case !resp.OK():
		return nil, fmt.Errorf("n8n API returned status %d for %s", resp.StatusCode, path)
	}

	if resp.Body.Kind() != jsonvalue.Object && resp.Body.Kind() != jsonvalue.Array {
		return nil, fmt.Errorf("n8n API returned a non-JSON body for %s", path)
	}
	return resp, nil
}
