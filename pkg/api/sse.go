package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/store"
)

// writeWait bounds a single write to a subscriber
const writeWait = 10 * time.Second

// sseSink writes "data:" frames to one event-stream response
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	closed  bool
	done    chan struct{}
	closeMu sync.Once
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

// Send writes payload as one event
func (s *sseSink) Send(payload []byte) error {
	return s.write("data: ", payload, "\n\n")
}

// Ping writes a comment line that keeps proxies from timing out
func (s *sseSink) Ping() error {
	return s.write(": ping ", []byte(models.FormatTimestamp(time.Now())), "\n\n")
}

func (s *sseSink) write(prefix string, payload []byte, suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrSinkClosed
	}

	// Not every ResponseWriter supports deadlines; a failed set is harmless.
	_ = s.rc.SetWriteDeadline(time.Now().Add(writeWait))

	frame := make([]byte, 0, len(prefix)+len(payload)+len(suffix))
	frame = append(frame, prefix...)
	frame = append(frame, payload...)
	frame = append(frame, suffix...)
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close ends the stream. The handler returns once it sees Done.
func (s *sseSink) Close() error {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Done is closed once the sink is closed
func (s *sseSink) Done() <-chan struct{} {
	return s.done
}

// handleStream attaches an event-stream subscriber to one execution or to
// the "default" firehose
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["executionId"]
	if key == "" {
		key = models.DefaultKey
	}

	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w)
	connID, err := s.store.Attach(key, sink, func(id string, history []models.StreamUpdate) error {
		event := models.NewConnectedEvent(key, s.now())
		event.ConnectionID = id
		marker, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := sink.Send(marker); err != nil {
			return err
		}
		for _, u := range history {
			payload, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := sink.Send(payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to attach stream subscriber", logging.F("execution_id", key), logging.Err(err))
		sink.Close()
		return
	}
	defer func() {
		sink.Close()
		s.store.RemoveConnection(key, connID)
	}()

	s.logger.Info("Stream subscriber attached", logging.F("execution_id", key), logging.F("connection_id", connID))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("Stream subscriber left", logging.F("execution_id", key), logging.F("connection_id", connID))
			return
		case <-sink.Done():
			return
		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				s.logger.Debug("Keep-alive failed", logging.F("execution_id", key), logging.Err(err))
				return
			}
		}
	}
}
