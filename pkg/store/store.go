// Package store keeps update histories, live subscriber connections and the
// lifecycle bookkeeping that drives eviction. It is the only shared mutable
// state in the server; construct one per process and Shutdown it on exit.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
)

var (
	// ErrStoreClosed is returned after Shutdown
	ErrStoreClosed = errors.New("store is shut down")

	// ErrUnknownConnection is returned by Replay for a connection id that is
	// not registered
	ErrUnknownConnection = errors.New("unknown connection")
)

// Options configures a Store
type Options struct {
	// MaxHistory caps the updates kept per execution
	MaxHistory int

	// ActiveTTL evicts executions that never completed and were not read
	ActiveTTL time.Duration

	// CompletedTTL evicts completed executions, and idle ones without connections
	CompletedTTL time.Duration

	// SweepInterval is how often Start runs the eviction sweep
	SweepInterval time.Duration

	// Clock defaults to time.Now
	Clock func() time.Time
}

// DefaultOptions returns the stock store settings
func DefaultOptions() Options {
	return Options{
		MaxHistory:    100,
		ActiveTTL:     24 * time.Hour,
		CompletedTTL:  time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

type connection struct {
	id          string
	sink        Sink
	connectedAt time.Time
}

type metadata struct {
	lastAccess  time.Time
	lastUpdate  time.Time
	completed   bool
	completedAt time.Time
}

// Stats is the aggregate view exposed for diagnostics
type Stats struct {
	ActiveConnections  int
	TrackedExecutions  int
	ExecutionIDs       []string
	Completed          int
	Active             int
	OldestExecutionAge time.Duration
}

// Store is the in-memory update repository
type Store struct {
	opts   Options
	logger logging.Logger
	now    func() time.Time

	// publishMu orders Publish against Attach and Replay so a subscriber
	// never sees a live frame before its replay
	publishMu sync.Mutex

	mu          sync.RWMutex
	history     map[string][]models.StreamUpdate
	connections map[string]map[string]*connection
	metadata    map[string]*metadata
	closed      bool

	cron *cron.Cron
}

// New creates a Store. Call Start to schedule the sweep.
func New(opts Options, logger logging.Logger) *Store {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultOptions().MaxHistory
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		opts:        opts,
		logger:      logger,
		now:         now,
		history:     make(map[string][]models.StreamUpdate),
		connections: make(map[string]map[string]*connection),
		metadata:    make(map[string]*metadata),
	}
}

// Start schedules the periodic sweep
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.cron != nil {
		return nil
	}

	interval := s.opts.SweepInterval
	if interval <= 0 {
		interval = DefaultOptions().SweepInterval
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("Store sweep scheduled", logging.F("interval", interval.String()))
	return nil
}

// AddUpdate appends u to its execution's history, evicting the oldest entry
// past the cap, and marks the execution completed on its first terminal update
func (s *Store) AddUpdate(u models.StreamUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	key := u.ExecutionID
	h := append(s.history[key], u)
	if len(h) > s.opts.MaxHistory {
		copy(h, h[len(h)-s.opts.MaxHistory:])
		h = h[:s.opts.MaxHistory]
	}
	s.history[key] = h

	now := s.now()
	meta := s.touch(key, now)
	meta.lastUpdate = now

	if u.Status.IsTerminal() && !meta.completed {
		meta.completed = true
		meta.completedAt = now
		s.logger.LogExecutionEvent(key, "completed", map[string]interface{}{
			"status": string(u.Status),
			"stage":  u.Stage,
		})
	}
	return nil
}

// Broadcast sends u to the connections of its execution and to the
// connections of DefaultKey. Sinks that fail are dropped and closed; the
// number of successful deliveries is returned.
func (s *Store) Broadcast(u models.StreamUpdate) int {
	payload, err := json.Marshal(u)
	if err != nil {
		s.logger.Error("Failed to encode update", logging.F("execution_id", u.ExecutionID), logging.Err(err))
		return 0
	}

	type target struct {
		key  string
		conn *connection
	}

	s.mu.RLock()
	var targets []target
	for _, key := range broadcastKeys(u.ExecutionID) {
		for _, conn := range s.connections[key] {
			targets = append(targets, target{key: key, conn: conn})
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.conn.sink.Send(payload); err != nil {
			s.logger.Warn("Dropping subscriber after failed delivery",
				logging.F("execution_id", u.ExecutionID),
				logging.F("connection_key", t.key),
				logging.F("connection_id", t.conn.id),
				logging.Err(err))
			s.RemoveConnection(t.key, t.conn.id)
			t.conn.sink.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Publish stores u and then broadcasts it
func (s *Store) Publish(u models.StreamUpdate) (int, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if err := s.AddUpdate(u); err != nil {
		return 0, err
	}
	return s.Broadcast(u), nil
}

// AddConnection registers sink under key and returns its connection id
func (s *Store) AddConnection(key string, sink Sink) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	now := s.now()
	conns, ok := s.connections[key]
	if !ok {
		conns = make(map[string]*connection)
		s.connections[key] = conns
	}
	id := uuid.NewString()
	conns[id] = &connection{id: id, sink: sink, connectedAt: now}
	s.touch(key, now)

	s.logger.Debug("Subscriber connected",
		logging.F("connection_key", key),
		logging.F("connection_id", id),
		logging.F("connections", len(conns)))
	return id, nil
}

// RemoveConnection unregisters a connection. History is kept.
func (s *Store) RemoveConnection(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.connections[key]
	if !ok {
		return
	}
	if _, ok := conns[id]; !ok {
		return
	}
	delete(conns, id)
	if len(conns) == 0 {
		delete(s.connections, key)
	}
	s.logger.Debug("Subscriber disconnected",
		logging.F("connection_key", key),
		logging.F("connection_id", id))
}

// Attach registers sink under key and calls replay with the new connection
// id and the history to send before any live update: key's history, then
// DefaultKey's history when key is not DefaultKey. The sink is unregistered
// if replay fails.
func (s *Store) Attach(key string, sink Sink, replay func(connID string, history []models.StreamUpdate) error) (string, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	id, err := s.AddConnection(key, sink)
	if err != nil {
		return "", err
	}

	snapshot := s.GetHistory(key)
	if key != models.DefaultKey {
		snapshot = append(snapshot, s.GetHistory(models.DefaultKey)...)
	}

	if err := replay(id, snapshot); err != nil {
		s.RemoveConnection(key, id)
		return "", fmt.Errorf("failed to replay history: %w", err)
	}
	return id, nil
}

// Replay writes executionID's history to an already attached connection,
// bracketed by "replay" and "replayed" frames. It runs under the same lock as
// Publish, so every update for executionID reaches the connection exactly
// once across the live stream and the replay. A sink that fails is dropped.
func (s *Store) Replay(connID, executionID string) (int, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	key, conn, err := s.findConnection(connID)
	if err != nil {
		return 0, err
	}

	history := s.GetHistory(executionID)
	items := make([]interface{}, 0, len(history)+2)
	items = append(items, models.ReplayEvent{Type: models.EventReplay, ExecutionID: executionID, Count: len(history)})
	for _, u := range history {
		items = append(items, u)
	}
	items = append(items, models.ReplayEvent{Type: models.EventReplayed, ExecutionID: executionID, Count: len(history)})

	frames := make([][]byte, 0, len(items))
	for _, v := range items {
		payload, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("failed to encode replay: %w", err)
		}
		frames = append(frames, payload)
	}

	for _, payload := range frames {
		if err := conn.sink.Send(payload); err != nil {
			s.logger.Warn("Dropping subscriber after failed replay",
				logging.F("execution_id", executionID),
				logging.F("connection_id", connID),
				logging.Err(err))
			s.RemoveConnection(key, connID)
			conn.sink.Close()
			return 0, fmt.Errorf("failed to replay history: %w", err)
		}
	}

	s.logger.Debug("Replayed history",
		logging.F("execution_id", executionID),
		logging.F("connection_id", connID),
		logging.F("updates", len(history)))
	return len(history), nil
}

func (s *Store) findConnection(connID string) (string, *connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", nil, ErrStoreClosed
	}
	for key, conns := range s.connections {
		if conn, ok := conns[connID]; ok {
			return key, conn, nil
		}
	}
	return "", nil, ErrUnknownConnection
}

// GetHistory returns a copy of key's history and counts as read access
func (s *Store) GetHistory(key string) []models.StreamUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[key]
	if meta, ok := s.metadata[key]; ok {
		meta.lastAccess = s.now()
	}
	out := make([]models.StreamUpdate, len(h))
	copy(out, h)
	return out
}

// ConnectionCount returns the number of live connections under key
func (s *Store) ConnectionCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections[key])
}

// IsCompleted reports whether key saw a terminal update
func (s *Store) IsCompleted(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[key]
	return ok && meta.completed
}

// TrackedExecutions lists every key with connections or metadata, sorted
func (s *Store) TrackedExecutions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trackedLocked()
}

// Stats summarizes the store
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ExecutionIDs: s.trackedLocked()}
	stats.TrackedExecutions = len(stats.ExecutionIDs)
	for _, conns := range s.connections {
		stats.ActiveConnections += len(conns)
	}

	now := s.now()
	for _, meta := range s.metadata {
		if meta.completed {
			stats.Completed++
		} else {
			stats.Active++
		}
		if age := now.Sub(meta.lastUpdate); age > stats.OldestExecutionAge {
			stats.OldestExecutionAge = age
		}
	}
	return stats
}

// Sweep removes every execution without live connections for which one of
// these holds: completed longer than CompletedTTL ago, not completed and
// unread for longer than ActiveTTL, or no update for longer than
// CompletedTTL. It returns the removed keys.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for key, meta := range s.metadata {
		if len(s.connections[key]) > 0 {
			continue
		}

		expired := (meta.completed && now.Sub(meta.completedAt) > s.opts.CompletedTTL) ||
			(!meta.completed && now.Sub(meta.lastAccess) > s.opts.ActiveTTL) ||
			now.Sub(meta.lastUpdate) > s.opts.CompletedTTL
		if !expired {
			continue
		}

		delete(s.metadata, key)
		delete(s.history, key)
		delete(s.connections, key)
		removed = append(removed, key)
	}

	if len(removed) > 0 {
		sort.Strings(removed)
		s.logger.Info("Swept expired executions",
			logging.F("removed", len(removed)),
			logging.F("execution_ids", removed),
			logging.F("remaining", len(s.metadata)))
	}
	return removed
}

// Shutdown stops the sweep and closes every sink
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.cron
	conns := s.connections
	s.connections = make(map[string]map[string]*connection)
	s.history = make(map[string][]models.StreamUpdate)
	s.metadata = make(map[string]*metadata)
	s.mu.Unlock()

	for _, set := range conns {
		for _, conn := range set {
			conn.sink.Close()
		}
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Store) touch(key string, now time.Time) *metadata {
	meta, ok := s.metadata[key]
	if !ok {
		meta = &metadata{lastAccess: now, lastUpdate: now}
		s.metadata[key] = meta
	}
	meta.lastAccess = now
	return meta
}

func (s *Store) trackedLocked() []string {
	seen := make(map[string]bool, len(s.metadata)+len(s.connections))
	for key := range s.metadata {
		seen[key] = true
	}
	for key := range s.connections {
		seen[key] = true
	}
	ids := make([]string, 0, len(seen))
	for key := range seen {
		ids = append(ids, key)
	}
	sort.Strings(ids)
	return ids
}

func broadcastKeys(executionID string) []string {
	if executionID == models.DefaultKey {
		return []string{models.DefaultKey}
	}
	return []string{executionID, models.DefaultKey}
}
