package models

import "github.com/tcmartin/n8nstream/pkg/jsonvalue"

// Result is the single outcome shape of a webhook call, a poll or a lookup.
// When Success is false, Error carries a human-readable reason and any ids
// that were resolved before the failure.
type Result struct {
	Success     bool            `json:"success"`
	Data        jsonvalue.Value `json:"data"`
	Error       string          `json:"error,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	WorkflowID  string          `json:"workflowId,omitempty"`

	// Streaming marks an immediate result whose data arrives through callbacks
	Streaming bool `json:"streaming,omitempty"`

	// Note explains how an asynchronous acknowledgement was interpreted
	Note string `json:"note,omitempty"`

	// StatusCode is the webhook's HTTP status when it was not 2xx
	StatusCode int `json:"statusCode,omitempty"`

	// TimedOut distinguishes a deadline from a remote or network failure
	TimedOut bool `json:"timedOut,omitempty"`
}

// SuccessResult builds a successful Result
func SuccessResult(data jsonvalue.Value, executionID string) Result {
	return Result{Success: true, Data: data, ExecutionID: executionID}
}

// FailureResult builds a failed Result
func FailureResult(msg string, executionID string) Result {
	return Result{Success: false, Error: msg, ExecutionID: executionID}
}

// TimeoutResult builds a failed Result for an elapsed deadline
func TimeoutResult(msg string, executionID string) Result {
	return Result{Success: false, Error: msg, ExecutionID: executionID, TimedOut: true}
}
