// Package streaming is the consumer side of the update stream: one shared
// event-stream connection to the firehose, fanned out to per-execution
// callbacks.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/retry"
	"github.com/tcmartin/n8nstream/pkg/utils"
)

var (
	// ErrClientClosed is returned by Subscribe after Close
	ErrClientClosed = errors.New("streaming client closed")

	// ErrReconnectExhausted is passed to OnError when the connection could
	// not be re-established
	ErrReconnectExhausted = errors.New("streaming connection lost and reconnect attempts exhausted")
)

// maxEventSize bounds a single event read from the stream
const maxEventSize = 1 << 20

// State of the shared connection
type State int

// Connection states
const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Callbacks receive the updates of one execution. Any of them may be nil.
type Callbacks struct {
	OnStart    func(executionID string)
	OnUpdate   func(update models.StreamUpdate)
	OnComplete func(update models.StreamUpdate)
	OnError    func(err error)
}

// UpdateError is passed to OnError when the execution reports status "error"
type UpdateError struct {
	Update models.StreamUpdate
}

func (e *UpdateError) Error() string {
	msg := e.Update.Message
	if msg == "" {
		msg = "execution reported an error"
	}
	return fmt.Sprintf("execution %s failed at stage %s: %s", e.Update.ExecutionID, e.Update.Stage, msg)
}

// Options configures a Client
type Options struct {
	// URL of the egress endpoint without the execution id, e.g.
	// http://localhost:8080/api/stream
	URL string

	// ReplayURL receives history requests for executions subscribed after
	// the stream was opened. Defaults to URL + "/replay".
	ReplayURL string

	// HTTPClient sends replay requests. Defaults to a plain client.
	HTTPClient *utils.HTTPClient

	// ReconnectBaseDelay is the first reconnect delay; later ones double
	ReconnectBaseDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed connection attempts
	MaxReconnectAttempts int
}

// replayTimeout bounds one replay request
const replayTimeout = 10 * time.Second

// registration is one Subscribe call. A pending registration only takes
// updates from a replay bracket until its history has arrived; seen holds
// the frames already delivered so a second replay never repeats them.
type registration struct {
	cb      Callbacks
	pending bool
	seen    map[string]bool
}

// Client multiplexes execution subscriptions over one connection
type Client struct {
	url       string
	replayURL string
	http      *utils.HTTPClient
	policy    retry.Policy
	logger    logging.Logger

	mu        sync.Mutex
	subs      map[string][]*registration
	state     State
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	failures  int
	closed    bool
	connID    string
	replaying map[string]bool
}

// NewClient creates a Client. No connection is made until the first Subscribe.
func NewClient(opts Options, logger logging.Logger) *Client {
	base := opts.ReconnectBaseDelay
	if base <= 0 {
		base = time.Second
	}
	attempts := opts.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	url := strings.TrimRight(opts.URL, "/")
	replayURL := opts.ReplayURL
	if replayURL == "" {
		replayURL = url + "/replay"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = utils.NewHTTPClient()
	}
	return &Client{
		url:       url,
		replayURL: replayURL,
		http:      httpClient,
		policy: retry.Policy{
			MaxAttempts: attempts,
			BaseDelay:   base,
			Strategy:    retry.Exponential,
		},
		logger:    logger,
		subs:      make(map[string][]*registration),
		replaying: make(map[string]bool),
	}
}

// State returns the connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribed reports whether executionID has registrations
func (c *Client) Subscribed(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[executionID]) > 0
}

// Subscribe registers callbacks for executionID and opens the shared
// connection if needed. Updates published before the call are replayed, so
// a registration made after the execution finished still completes.
func (c *Client) Subscribe(executionID string, cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	c.subs[executionID] = append(c.subs[executionID], &registration{
		cb:      cb,
		pending: true,
		seen:    make(map[string]bool),
	})
	c.logger.Debug("Subscribed to execution",
		logging.F("execution_id", executionID),
		logging.F("subscriptions", len(c.subs)))

	if c.cancel == nil {
		c.connectLocked()
	} else if c.connID != "" {
		go c.requestReplay(c.ctx, c.gen, c.connID, executionID)
	}
	return nil
}

// Unsubscribe drops every registration for executionID. The connection is
// closed when nothing is left.
func (c *Client) Unsubscribe(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs, executionID)
	if len(c.subs) == 0 {
		c.disconnectLocked()
	}
}

// Close drops all registrations and the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.subs = make(map[string][]*registration)
	c.disconnectLocked()
}

func (c *Client) connectLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	c.ctx = ctx
	c.cancel = cancel
	c.failures = 0
	c.state = Connecting
	c.resetStreamLocked()
	go c.run(ctx, c.gen)
}

func (c *Client) disconnectLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.state = Disconnected
	c.resetStreamLocked()
}

// resetStreamLocked forgets the server-side identity of the stream
func (c *Client) resetStreamLocked() {
	c.connID = ""
	c.replaying = make(map[string]bool)
}

// setState applies s only if gen is still the current connection
func (c *Client) setState(gen uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.state = s
	if s == Connected {
		c.failures = 0
	}
	return true
}

func (c *Client) run(ctx context.Context, gen uint64) {
	endpoint := c.url + "/" + models.DefaultKey

	for {
		if !c.setState(gen, Connecting) {
			return
		}

		client := sse.NewClient(endpoint, sse.ClientMaxBufferSize(maxEventSize))
		// Reconnects are driven by this loop, not by the library.
		client.ReconnectStrategy = &backoff.StopBackOff{}
		client.OnConnect(func(*sse.Client) {
			if c.setState(gen, Connected) {
				c.logger.Info("Streaming connection established", logging.F("url", endpoint))
			}
		})

		err := client.SubscribeRawWithContext(ctx, c.eventHandler(ctx, gen))
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state = Disconnected
		c.failures++
		c.resetStreamLocked()
		failures := c.failures
		remaining := len(c.subs)
		c.mu.Unlock()

		if remaining == 0 {
			return
		}
		if failures > c.policy.MaxAttempts {
			c.exhausted(gen, err)
			return
		}

		delay := c.policy.Delay(failures)
		c.logger.Warn("Streaming connection lost, reconnecting",
			logging.F("attempt", failures),
			logging.F("delay", delay.String()),
			logging.Err(err))
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// exhausted fails every registration after the last reconnect attempt
func (c *Client) exhausted(gen uint64, lastErr error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	subs := c.subs
	c.subs = make(map[string][]*registration)
	c.disconnectLocked()
	c.mu.Unlock()

	c.logger.Error("Giving up on streaming connection",
		logging.F("subscriptions", len(subs)),
		logging.Err(lastErr))

	for _, regs := range subs {
		for _, reg := range regs {
			if reg.cb.OnError != nil {
				reg.cb.OnError(ErrReconnectExhausted)
			}
		}
	}
}

// requestReplay asks the server to write executionID's history to the
// stream identified by connID. On failure the registrations fall back to
// live updates only.
func (c *Client) requestReplay(ctx context.Context, gen uint64, connID, executionID string) {
	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()

	resp, err := c.http.Do(ctx, &utils.HTTPRequest{
		URL:    c.replayURL,
		Method: http.MethodPost,
		Body:   map[string]string{"connectionId": connID, "executionId": executionID},
	})
	if err == nil && !resp.OK() {
		err = fmt.Errorf("replay request returned status %d", resp.StatusCode)
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || connID != c.connID {
		return
	}
	c.logger.Warn("History replay failed, delivering live updates only",
		logging.F("execution_id", executionID),
		logging.Err(err))
	for _, reg := range c.subs[executionID] {
		reg.pending = false
	}
}

// streamFrame is the common header of the typed frames on the stream
type streamFrame struct {
	Type         string `json:"type"`
	ExecutionID  string `json:"executionId"`
	ConnectionID string `json:"connectionId"`
}

// eventHandler routes the events of connection gen
func (c *Client) eventHandler(ctx context.Context, gen uint64) func(*sse.Event) {
	return func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(msg.Data, &frame); err == nil && frame.Type != "" {
			c.handleFrame(ctx, gen, frame)
			return
		}

		var update models.StreamUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			c.logger.Warn("Dropping unreadable stream event", logging.Err(err))
			return
		}
		c.deliver(gen, update, string(msg.Data))
	}
}

func (c *Client) handleFrame(ctx context.Context, gen uint64, frame streamFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	switch frame.Type {
	case models.EventConnected:
		c.resetStreamLocked()
		c.connID = frame.ConnectionID
		for id, regs := range c.subs {
			for _, reg := range regs {
				// Without a connection id the server cannot replay.
				reg.pending = c.connID != ""
			}
			if c.connID != "" {
				go c.requestReplay(ctx, gen, c.connID, id)
			}
		}
	case models.EventReplay:
		c.replaying[frame.ExecutionID] = true
	case models.EventReplayed:
		delete(c.replaying, frame.ExecutionID)
		for _, reg := range c.subs[frame.ExecutionID] {
			reg.pending = false
		}
	}
}

// deliver hands update to the registrations of its execution. Inside a
// replay bracket only pending registrations take it; outside, only live ones.
func (c *Client) deliver(gen uint64, update models.StreamUpdate, key string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	replayed := c.replaying[update.ExecutionID]
	regs := c.subs[update.ExecutionID]

	var targets []*registration
	var remaining []*registration
	for _, reg := range regs {
		if reg.pending == replayed && !reg.seen[key] {
			reg.seen[key] = true
			targets = append(targets, reg)
			if update.Status.IsTerminal() {
				continue
			}
		}
		remaining = append(remaining, reg)
	}
	if update.Status.IsTerminal() && len(targets) > 0 {
		if len(remaining) == 0 {
			delete(c.subs, update.ExecutionID)
		} else {
			c.subs[update.ExecutionID] = remaining
		}
		if len(c.subs) == 0 {
			c.disconnectLocked()
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Debug("Dropping update for unsubscribed execution", logging.F("execution_id", update.ExecutionID))
		return
	}

	for _, reg := range targets {
		cb := reg.cb
		if cb.OnUpdate != nil {
			cb.OnUpdate(update)
		}
		switch update.Status {
		case models.StatusCompleted:
			if cb.OnComplete != nil {
				cb.OnComplete(update)
			}
		case models.StatusError:
			if cb.OnError != nil {
				cb.OnError(&UpdateError{Update: update})
			}
		}
	}
}
