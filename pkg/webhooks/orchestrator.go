package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tcmartin/n8nstream/pkg/correlation"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/streaming"
	"github.com/tcmartin/n8nstream/pkg/utils"
)

// ErrNotCorrelated is passed to OnError when a streaming call's execution id
// could not be determined
var ErrNotCorrelated = errors.New("could not determine the execution id of the webhook call")

// Notes attached to acknowledgements that were not followed
const (
	NoteSynchronous   = "Webhook responded with a complete result; treating it as final"
	NoteNoCredentials = "Workflow started asynchronously; execution tracking is disabled because no n8n API key is configured"
	NoteNotResolved   = "Workflow started asynchronously but its execution id could not be determined"
	NoteStreaming     = "Updates are delivered through the streaming callbacks; data is not part of this result"
)

// Orchestrator ties a webhook call to correlation, polling and streaming
type Orchestrator struct {
	http     *utils.HTTPClient
	resolver *correlation.Resolver
	poller   StatusPoller
	streams  Subscriber
	opts     Options
	logger   logging.Logger

	now func() time.Time
}

// New creates an Orchestrator. A nil poller disables waiting for
// executions and a nil subscriber disables streaming calls.
func New(httpClient *utils.HTTPClient, resolver *correlation.Resolver, poller StatusPoller, streams Subscriber, opts Options, logger logging.Logger) *Orchestrator {
	if httpClient == nil {
		httpClient = utils.NewHTTPClient()
	}
	defaults := DefaultOptions()
	if opts.DefaultMethod == "" {
		opts.DefaultMethod = defaults.DefaultMethod
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaults.DefaultTimeout
	}
	if opts.SyncThreshold <= 0 {
		opts.SyncThreshold = defaults.SyncThreshold
	}
	return &Orchestrator{
		http:     httpClient,
		resolver: resolver,
		poller:   poller,
		streams:  streams,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Call issues the webhook call and follows the execution it started
func (o *Orchestrator) Call(ctx context.Context, req CallRequest) models.Result {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = o.opts.DefaultMethod
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = correlation.ExtractWorkflowIDFromURL(req.URL)
	}

	start := o.now()
	ctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	logger := o.logger.WithFields(logging.F("url", req.URL), logging.F("method", method))

	var body interface{}
	if method != http.MethodGet && method != http.MethodHead {
		body = req.Payload
	}
	resp, err := o.http.Do(ctx, &utils.HTTPRequest{
		URL:     req.URL,
		Method:  method,
		Headers: req.Headers,
		Body:    body,
	})
	if err != nil {
		result := o.callFailed(ctx, err, timeout)
		result.WorkflowID = workflowID
		logger.Warn("Webhook call failed", logging.F("error", result.Error))
		return result
	}

	if !resp.OK() {
		logger.Warn("Webhook returned an error status", logging.F("status_code", resp.StatusCode))
		return models.Result{
			Success:    false,
			Error:      fmt.Sprintf("Webhook returned HTTP %d: %s", resp.StatusCode, snippet(resp.RawBody)),
			Data:       resp.Body,
			WorkflowID: workflowID,
			StatusCode: resp.StatusCode,
		}
	}

	logger.Debug("Webhook responded",
		logging.F("status_code", resp.StatusCode),
		logging.F("duration", resp.Duration.String()))

	artifacts := correlation.Artifacts{
		Headers:    resp.Headers,
		Body:       resp.Body,
		WebhookURL: req.URL,
		WorkflowID: workflowID,
		StartedAt:  start,
	}

	if req.Callbacks != nil {
		return o.stream(ctx, artifacts, *req.Callbacks)
	}

	wait := o.opts.WaitForCompletion
	if req.WaitForCompletion != nil {
		wait = *req.WaitForCompletion
	}
	if wait && looksAsync(resp.Body) {
		return o.wait(ctx, artifacts, resp, start, timeout)
	}

	result := models.SuccessResult(resp.Body, o.resolver.ResolveLocal(resp.Headers, resp.Body))
	result.WorkflowID = workflowID
	return result
}

// stream resolves the execution and registers the callbacks for it
func (o *Orchestrator) stream(ctx context.Context, a correlation.Artifacts, cb streaming.Callbacks) models.Result {
	fail := func(err error, msg string) models.Result {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		result := models.FailureResult(msg, "")
		result.WorkflowID = a.WorkflowID
		return result
	}

	if o.streams == nil {
		return fail(streaming.ErrClientClosed, "Streaming is not configured")
	}

	executionID := o.resolver.Resolve(ctx, a)
	if executionID == "" {
		o.logger.Warn("Streaming call could not be correlated", logging.F("workflow_id", a.WorkflowID))
		return fail(ErrNotCorrelated, "Could not determine the execution id; streaming updates are unavailable")
	}

	if cb.OnStart != nil {
		cb.OnStart(executionID)
	}
	if err := o.streams.Subscribe(executionID, cb); err != nil {
		result := fail(err, fmt.Sprintf("Failed to subscribe to execution %s: %v", executionID, err))
		result.ExecutionID = executionID
		return result
	}

	o.logger.Info("Streaming execution updates", logging.F("execution_id", executionID))
	return models.Result{
		Success:     true,
		ExecutionID: executionID,
		WorkflowID:  a.WorkflowID,
		Streaming:   true,
		Note:        NoteStreaming,
	}
}

// wait resolves the execution behind an acknowledgement and polls it
func (o *Orchestrator) wait(ctx context.Context, a correlation.Artifacts, resp *utils.HTTPResponse, start time.Time, timeout time.Duration) models.Result {
	executionID := o.resolver.Resolve(ctx, a)

	if executionID == "" {
		result := models.SuccessResult(resp.Body, "")
		result.WorkflowID = a.WorkflowID
		switch {
		case resp.Duration > o.opts.SyncThreshold || substantive(resp.Body):
			result.Note = NoteSynchronous
		case !o.resolver.RemoteEnabled():
			result.Note = NoteNoCredentials
		default:
			result.Note = NoteNotResolved
		}
		o.logger.Info("Returning acknowledgement without tracking",
			logging.F("workflow_id", a.WorkflowID),
			logging.F("note", result.Note))
		return result
	}

	if o.poller == nil {
		result := models.SuccessResult(resp.Body, executionID)
		result.WorkflowID = a.WorkflowID
		result.Note = NoteNoCredentials
		return result
	}

	remaining := start.Add(timeout).Sub(o.now())
	if remaining <= 0 {
		result := models.TimeoutResult(
			fmt.Sprintf("No time left to wait for execution %s after %s", executionID, timeout),
			executionID)
		result.WorkflowID = a.WorkflowID
		return result
	}

	o.logger.Debug("Waiting for execution",
		logging.F("execution_id", executionID),
		logging.F("remaining", remaining.String()))

	result := o.poller.Poll(ctx, executionID, remaining, start)
	if result.WorkflowID == "" {
		result.WorkflowID = a.WorkflowID
	}
	if result.ExecutionID == "" {
		result.ExecutionID = executionID
	}
	return result
}

// callFailed converts a transport error into a failure Result
func (o *Orchestrator) callFailed(ctx context.Context, err error, timeout time.Duration) models.Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.TimeoutResult(fmt.Sprintf("Webhook call timed out after %s", timeout), "")
	}
	if errors.Is(err, context.Canceled) {
		return models.FailureResult("Webhook call was canceled", "")
	}
	return models.FailureResult(fmt.Sprintf("Network error calling webhook: %v", err), "")
}

func snippet(raw []byte) string {
	const max = 200
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty response"
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ Caller = (*Orchestrator)(nil)
