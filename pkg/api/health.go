package api

import (
	"net/http"

	"github.com/tcmartin/n8nstream/pkg/models"
)

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status               string   `json:"status"`
	Timestamp            string   `json:"timestamp"`
	ActiveConnections    int      `json:"activeConnections"`
	TrackedExecutions    int      `json:"trackedExecutions"`
	ExecutionIDs         []string `json:"executionIds"`
	CompletedExecutions  int      `json:"completedExecutions"`
	ActiveExecutions     int      `json:"activeExecutions"`
	OldestExecutionAgeMs int64    `json:"oldestExecutionAgeMs"`
	WebSocketClients     int      `json:"websocketClients"`
}

// handleHealth reports store statistics
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	ids := stats.ExecutionIDs
	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:               "ok",
		Timestamp:            models.FormatTimestamp(s.now()),
		ActiveConnections:    stats.ActiveConnections,
		TrackedExecutions:    stats.TrackedExecutions,
		ExecutionIDs:         ids,
		CompletedExecutions:  stats.Completed,
		ActiveExecutions:     stats.Active,
		OldestExecutionAgeMs: stats.OldestExecutionAge.Milliseconds(),
		WebSocketClients:     s.ws.GetConnectedClients(),
	})
}
