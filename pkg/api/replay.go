package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/store"
)

// ReplayRequest asks for one execution's history to be written to an open
// stream, identified by the connectionId of its connected marker
type ReplayRequest struct {
	ConnectionID string `json:"connectionId" validate:"required"`
	ExecutionID  string `json:"executionId" validate:"required"`
}

// handleReplay re-sends stored history over an existing stream, bracketed by
// replay and replayed markers, so a firehose subscriber can catch up on an
// execution it learned about late
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Request body is not valid JSON",
		})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "connectionId and executionId are required",
		})
		return
	}

	n, err := s.store.Replay(req.ConnectionID, req.ExecutionID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, store.ErrUnknownConnection):
			status = http.StatusNotFound
		case errors.Is(err, store.ErrStoreClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Debug("Replay refused",
			logging.F("connection_id", req.ConnectionID),
			logging.F("execution_id", req.ExecutionID),
			logging.Err(err))
		writeJSON(w, status, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"executionId": req.ExecutionID,
		"replayed":    n,
	})
}
