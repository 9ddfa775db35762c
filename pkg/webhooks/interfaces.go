// Package webhooks calls n8n webhooks and follows the executions they start,
// either by polling n8n until the execution finishes or by handing its
// progress updates to streaming callbacks.
package webhooks

import (
	"context"
	"time"

	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/streaming"
)

// Caller issues webhook calls
type Caller interface {
	// Call issues req and returns its final or immediate outcome
	Call(ctx context.Context, req CallRequest) models.Result
}

// StatusPoller waits for an execution to finish
type StatusPoller interface {
	Poll(ctx context.Context, executionID string, remaining time.Duration, startTime time.Time) models.Result
}

// Subscriber registers streaming callbacks for an execution
type Subscriber interface {
	Subscribe(executionID string, cb streaming.Callbacks) error
}

// CallRequest describes one webhook call
type CallRequest struct {
	// URL of the webhook
	URL string `json:"url"`

	// Method defaults to Options.DefaultMethod
	Method string `json:"method,omitempty"`

	// Headers to include in the request
	Headers map[string]string `json:"headers,omitempty"`

	// Payload is sent as JSON; strings and byte slices are sent as-is
	Payload interface{} `json:"payload,omitempty"`

	// Timeout bounds the whole call, including any wait. Zero uses
	// Options.DefaultTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// WaitForCompletion overrides Options.WaitForCompletion when set
	WaitForCompletion *bool `json:"wait_for_completion,omitempty"`

	// WorkflowID narrows remote lookups. It is read from the URL when empty.
	WorkflowID string `json:"workflow_id,omitempty"`

	// Callbacks switches the call to streaming mode. It never polls.
	Callbacks *streaming.Callbacks `json:"-"`
}

// Options contains the orchestrator defaults
type Options struct {
	// DefaultMethod is used when a request names none
	DefaultMethod string

	// DefaultTimeout bounds calls that name no timeout
	DefaultTimeout time.Duration

	// WaitForCompletion is the default wait flag
	WaitForCompletion bool

	// SyncThreshold is the round-trip time past which an unidentified
	// response is taken as the workflow's final result
	SyncThreshold time.Duration
}

// DefaultOptions returns the stock orchestrator settings
func DefaultOptions() Options {
	return Options{
		DefaultMethod:     "POST",
		DefaultTimeout:    5 * time.Minute,
		WaitForCompletion: true,
		SyncThreshold:     5 * time.Second,
	}
}
