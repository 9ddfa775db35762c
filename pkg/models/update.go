// Package models holds the records that flow between the correlation, polling,
// store and streaming components.
package models

import (
	"time"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
)

// Status of a StreamUpdate
type Status string

// Update statuses
const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusInfo       Status = "info"
)

// IsTerminal reports whether no further updates are expected after s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusError, StatusInfo:
		return true
	}
	return false
}

const (
	// DefaultKey is the reserved subscription key that receives every update
	DefaultKey = "default"

	// DefaultStage is used when a producer does not name its stage
	DefaultStage = "unknown"

	// TimestampLayout matches the millisecond ISO-8601 form n8n and browsers emit
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// FormatTimestamp renders t in TimestampLayout, in UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// StreamUpdate is a progress notification for one execution
type StreamUpdate struct {
	ExecutionID string          `json:"executionId" validate:"required"`
	Stage       string          `json:"stage"`
	Status      Status          `json:"status" validate:"oneof=in_progress completed error info"`
	Message     string          `json:"message"`
	Timestamp   string          `json:"timestamp"`
	Data        jsonvalue.Value `json:"data"`
}

// Control frame types written to subscribers alongside StreamUpdates
const (
	EventConnected = "connected"
	EventReplay    = "replay"
	EventReplayed  = "replayed"
)

// ConnectedEvent is the first frame written to every subscription.
// ConnectionID names the subscription for later replay requests.
type ConnectedEvent struct {
	Type         string `json:"type"`
	ExecutionID  string `json:"executionId"`
	ConnectionID string `json:"connectionId,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// NewConnectedEvent builds the acknowledgement frame for key
func NewConnectedEvent(key string, now time.Time) ConnectedEvent {
	return ConnectedEvent{
		Type:        EventConnected,
		ExecutionID: key,
		Timestamp:   FormatTimestamp(now),
	}
}

// ReplayEvent brackets a history replay requested on an open subscription:
// a "replay" frame, the execution's stored updates, then a "replayed" frame
type ReplayEvent struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	Count       int    `json:"count"`
}
