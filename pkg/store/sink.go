package store

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tcmartin/n8nstream/pkg/models"
)

// Sink is one live push channel. Send receives a single JSON document; the
// transport decides how to frame it.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// ErrSinkClosed is returned by Send after Close
var ErrSinkClosed = errors.New("sink closed")

// MemorySink is an in-memory Sink that records what it is sent
type MemorySink struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failErr error
}

// NewMemorySink creates an empty MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send records payload, or returns the configured failure
func (m *MemorySink) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}
	if m.failErr != nil {
		return m.failErr
	}
	frame := make([]byte, len(payload))
	copy(frame, payload)
	m.frames = append(m.frames, frame)
	return nil
}

// Close marks the sink closed
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWith makes every later Send return err
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Frames returns a copy of everything sent so far
func (m *MemorySink) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// Updates decodes the recorded frames that are StreamUpdates, skipping
// anything else such as connected markers
func (m *MemorySink) Updates() []models.StreamUpdate {
	var out []models.StreamUpdate
	for _, frame := range m.Frames() {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err == nil && head.Type != "" {
			continue
		}
		var u models.StreamUpdate
		if err := json.Unmarshal(frame, &u); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// Closed reports whether Close was called
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
