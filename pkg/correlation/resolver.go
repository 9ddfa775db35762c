// Package correlation works out which n8n execution a webhook call started.
package correlation

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/n8n"
	"github.com/tcmartin/n8nstream/pkg/retry"
)

// ExecutionHeaders are the response headers checked for an execution id, in order
var ExecutionHeaders = []string{"X-N8n-Execution-Id", "X-Execution-Id", "Execution-Id"}

// aliasKeys are the only keys deep search accepts ids under
var aliasKeys = map[string]bool{
	"executionId":  true,
	"execution_id": true,
	"id":           true,
	"execution":    true,
}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// ExecutionLister is the part of the n8n client used for remote lookups
type ExecutionLister interface {
	ListExecutions(ctx context.Context, opts n8n.ListOptions) ([]models.N8nExecution, error)
}

// Options tunes a Resolver
type Options struct {
	// DeepSearchDepth bounds the structural search
	DeepSearchDepth int

	// Lookup is the retry policy for remote listing
	Lookup retry.Policy

	// Buffer widens the start-time window to absorb clock skew
	Buffer time.Duration

	// Limit is the number of executions listed per attempt
	Limit int
}

// DefaultOptions returns the stock resolver settings
func DefaultOptions() Options {
	return Options{
		DeepSearchDepth: 5,
		Lookup: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			Strategy:    retry.Linear,
		},
		Buffer: 10 * time.Second,
		Limit:  10,
	}
}

// Artifacts are what a webhook call leaves behind
type Artifacts struct {
	Headers http.Header
	Body    jsonvalue.Value

	// WebhookURL is searched for a workflow id when WorkflowID is empty
	WebhookURL string
	WorkflowID string

	// StartedAt is when the webhook call was issued
	StartedAt time.Time
}

// Resolver finds execution ids
type Resolver struct {
	lister ExecutionLister
	opts   Options
	logger logging.Logger
}

// NewResolver creates a Resolver. A nil lister disables remote lookups.
func NewResolver(lister ExecutionLister, opts Options, logger logging.Logger) *Resolver {
	return &Resolver{lister: lister, opts: opts, logger: logger}
}

// RemoteEnabled reports whether Resolve may fall back to listing executions
func (r *Resolver) RemoteEnabled() bool {
	return r.lister != nil
}

// Resolve runs every strategy from cheapest to most expensive and returns
// the first id found, or "" when the call cannot be correlated
func (r *Resolver) Resolve(ctx context.Context, a Artifacts) string {
	if id := r.ResolveLocal(a.Headers, a.Body); id != "" {
		return id
	}
	if !r.RemoteEnabled() {
		return ""
	}

	workflowID := a.WorkflowID
	if workflowID == "" {
		workflowID = ExtractWorkflowIDFromURL(a.WebhookURL)
	}
	return r.LookupRemote(ctx, workflowID, a.StartedAt)
}

// ResolveLocal tries the strategies that need no network call
func (r *Resolver) ResolveLocal(headers http.Header, body jsonvalue.Value) string {
	for _, name := range ExecutionHeaders {
		if id := headers.Get(name); id != "" {
			r.logger.Debug("Execution id found in header", logging.F("header", name), logging.F("execution_id", id))
			return id
		}
	}

	for _, key := range []string{"executionId", "id"} {
		if id, ok := scalarID(body.Field(key)); ok {
			return id
		}
	}

	data := body.Field("data")
	for _, key := range []string{"executionId", "id"} {
		if id, ok := scalarID(data.Field(key)); ok {
			return id
		}
	}

	if id := deepSearch(body, r.opts.DeepSearchDepth); id != "" {
		r.logger.Debug("Execution id found by deep search", logging.F("execution_id", id))
		return id
	}
	return ""
}

// LookupRemote lists recent executions until one that plausibly belongs to
// the call shows up, retrying with backoff because n8n may not have
// recorded it yet
func (r *Resolver) LookupRemote(ctx context.Context, workflowID string, startedAt time.Time) string {
	if r.lister == nil {
		return ""
	}
	since := startedAt.Add(-r.opts.Buffer)

	outcome := retry.WithBackoff(ctx, r.opts.Lookup, func(ctx context.Context, attempt int) (string, bool, error) {
		executions, err := r.lister.ListExecutions(ctx, n8n.ListOptions{WorkflowID: workflowID, Limit: r.opts.Limit})
		if err != nil {
			r.logger.Debug("Execution listing failed",
				logging.F("attempt", attempt),
				logging.F("workflow_id", workflowID),
				logging.Err(err))
			return "", false, err
		}
		id := SelectExecution(executions, since)
		return id, id != "", nil
	})

	if !outcome.Found {
		r.logger.Info("Could not correlate webhook call with an execution",
			logging.F("workflow_id", workflowID),
			logging.F("attempts", outcome.Attempts))
		return ""
	}

	r.logger.Debug("Execution id found by remote lookup",
		logging.F("execution_id", outcome.Value),
		logging.F("attempts", outcome.Attempts))
	return outcome.Value
}

// SelectExecution picks the most recently started unfinished execution that
// started at or after since, else the most recently started finished one
func SelectExecution(executions []models.N8nExecution, since time.Time) string {
	var running, finished *models.N8nExecution
	for i := range executions {
		exec := &executions[i]
		if exec.StartedAt.Before(since) {
			continue
		}
		if n8n.IsFinished(exec) {
			if finished == nil || exec.StartedAt.After(finished.StartedAt) {
				finished = exec
			}
			continue
		}
		if running == nil || exec.StartedAt.After(running.StartedAt) {
			running = exec
		}
	}

	switch {
	case running != nil:
		return running.ID
	case finished != nil:
		return finished.ID
	default:
		return ""
	}
}

// ExtractWorkflowIDFromURL returns the first UUID-shaped segment of the URL
// path, or ""
func ExtractWorkflowIDFromURL(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	return uuidPattern.FindString(path)
}

func scalarID(v jsonvalue.Value) (string, bool) {
	s, ok := v.Scalar()
	if !ok || s == "" {
		return "", false
	}
	if _, isBool := v.Bool(); isBool {
		return "", false
	}
	return s, true
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func deepSearch(v jsonvalue.Value, depth int) string {
	if depth <= 0 {
		return ""
	}

	switch v.Kind() {
	case jsonvalue.Object:
		for _, key := range v.Keys() {
			child := v.Field(key)
			if aliasKeys[key] {
				if s, ok := child.Str(); ok && isUUID(s) {
					return s
				}
			}
		}
		for _, key := range v.Keys() {
			if id := deepSearch(v.Field(key), depth-1); id != "" {
				return id
			}
		}
	case jsonvalue.Array:
		for _, item := range v.Items() {
			if id := deepSearch(item, depth-1); id != "" {
				return id
			}
		}
	}
	return ""
}
