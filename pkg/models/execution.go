package models

import (
	"time"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
)

// ExecutionStatus is the status n8n reports for one of its executions
type ExecutionStatus string

// Statuses reported by the n8n executions API
const (
	ExecutionSuccess  ExecutionStatus = "success"
	ExecutionError    ExecutionStatus = "error"
	ExecutionWaiting  ExecutionStatus = "waiting"
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionCanceled ExecutionStatus = "canceled"
)

// N8nExecution is a read-only mirror of n8n's own execution record. It is
// built by pkg/n8n from untrusted JSON; fields that could not be read are
// left at their zero value.
type N8nExecution struct {
	// ID of the execution
	ID string `json:"id"`

	// WorkflowID is the definition this execution ran
	WorkflowID string `json:"workflowId,omitempty"`

	// Status as reported by n8n
	Status ExecutionStatus `json:"status,omitempty"`

	// Finished is n8n's own completion flag
	Finished bool `json:"finished"`

	// StartedAt is when n8n started the execution
	StartedAt time.Time `json:"startedAt"`

	// StoppedAt is set once n8n stopped the execution, for any reason
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`

	// Data is the nested result tree (resultData.runData keyed by node name)
	Data jsonvalue.Value `json:"data"`
}
