package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/store"
)

// maxUpdateBody bounds an ingress request body
const maxUpdateBody = 1 << 20

// ingressHeaders are checked for an execution id, in order
var ingressHeaders = []string{"X-Execution-Id", "Execution-Id", "X-N8n-Execution-Id"}

// redactedHeaders are never echoed back in diagnostics
var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"X-N8n-Api-Key": true,
}

// exampleUpdate is shown to producers that send a malformed update
var exampleUpdate = map[string]interface{}{
	"executionId": "{{ $execution.id }}",
	"stage":       "processing",
	"status":      "in_progress",
	"message":     "Fetching documents",
	"data":        map[string]interface{}{"progress": 40},
}

// handleStreamUpdate accepts a progress notification from n8n
func (s *Server) handleStreamUpdate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err != nil {
		s.rejectUpdate(w, r, jsonvalue.NullValue(), "Request body could not be read", err.Error())
		return
	}

	body := jsonvalue.EmptyObject()
	if strings.TrimSpace(string(raw)) != "" {
		body, err = jsonvalue.Parse(raw)
		if err != nil {
			s.rejectUpdate(w, r, jsonvalue.NullValue(), "Request body is not valid JSON", err.Error())
			return
		}
		if !body.IsObject() {
			s.rejectUpdate(w, r, body, "Request body must be a JSON object", "")
			return
		}
	}

	update, err := s.normalizeUpdate(r, body)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			s.rejectUpdate(w, r, body, describeValidation(validationErrors), "")
			return
		}
		s.rejectUpdate(w, r, body, err.Error(), "")
		return
	}

	delivered, err := s.store.Publish(update)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrStoreClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("Failed to store update", logging.F("execution_id", update.ExecutionID), logging.Err(err))
		writeJSON(w, status, map[string]interface{}{
			"success": false,
			"error":   "Failed to store update",
		})
		return
	}

	s.logger.Debug("Update received",
		logging.F("execution_id", update.ExecutionID),
		logging.F("stage", update.Stage),
		logging.F("status", string(update.Status)),
		logging.F("delivered", delivered))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "Update received",
		"executionId": update.ExecutionID,
	})
}

// normalizeUpdate fills in defaults and validates the result
func (s *Server) normalizeUpdate(r *http.Request, body jsonvalue.Value) (models.StreamUpdate, error) {
	update := models.StreamUpdate{
		ExecutionID: findExecutionID(r, body),
		Stage:       models.DefaultStage,
		Status:      models.StatusInProgress,
		Timestamp:   models.FormatTimestamp(s.now()),
		Data:        jsonvalue.EmptyObject(),
	}

	if stage, ok := present(body, "stage"); ok {
		if label, ok := stage.Scalar(); ok && label != "" {
			update.Stage = label
		}
	}
	if status, ok := present(body, "status"); ok {
		str, isString := status.Str()
		if !isString {
			return update, fmt.Errorf("status must be a string, one of in_progress, completed, error, info")
		}
		if str != "" {
			update.Status = models.Status(str)
		}
	}
	if msg, ok := present(body, "message"); ok {
		if text, ok := msg.Scalar(); ok {
			update.Message = text
		}
	}
	if ts, ok := present(body, "timestamp"); ok {
		if stamp, ok := ts.Scalar(); ok && stamp != "" {
			update.Timestamp = stamp
		}
	}
	if data, ok := present(body, "data"); ok {
		if data.IsObject() {
			update.Data = data
		} else {
			wrapped := jsonvalue.EmptyObject()
			wrapped.Set("value", data)
			update.Data = wrapped
		}
	}

	if err := s.validate.Struct(update); err != nil {
		return update, err
	}
	return update, nil
}

// findExecutionID checks the body, the body's data object, the query string
// and the headers, in that order. Only null, absent and empty strings count as
// missing, so a numeric 0 is a valid id.
func findExecutionID(r *http.Request, body jsonvalue.Value) string {
	if id, ok := idValue(body.Field("executionId")); ok {
		return id
	}
	if id, ok := idValue(body.Path("data", "executionId")); ok {
		return id
	}
	if id := r.URL.Query().Get("executionId"); id != "" {
		return id
	}
	for _, name := range ingressHeaders {
		if id := r.Header.Get(name); id != "" {
			return id
		}
	}
	return ""
}

func idValue(v jsonvalue.Value) (string, bool) {
	switch v.Kind() {
	case jsonvalue.String, jsonvalue.Number:
		s, _ := v.Scalar()
		return s, s != ""
	default:
		return "", false
	}
}

// present returns the field at key unless it is absent or null
func present(body jsonvalue.Value, key string) (jsonvalue.Value, bool) {
	v, ok := body.Get(key)
	if !ok || v.IsNull() {
		return v, false
	}
	return v, true
}

func describeValidation(errs validator.ValidationErrors) string {
	var parts []string
	for _, fe := range errs {
		switch fe.Field() {
		case "ExecutionID":
			parts = append(parts, "Missing executionId: send it in the body, in data.executionId, as the executionId query parameter or in an X-Execution-Id header")
		case "Status":
			parts = append(parts, fmt.Sprintf("Invalid status %q: use one of in_progress, completed, error, info", fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("Invalid %s", fe.Field()))
		}
	}
	return strings.Join(parts, "; ")
}

// rejectUpdate answers 400 with enough context for a workflow author to fix
// the request
func (s *Server) rejectUpdate(w http.ResponseWriter, r *http.Request, body jsonvalue.Value, reason, detail string) {
	receivedKeys := body.Keys()
	if receivedKeys == nil {
		receivedKeys = []string{}
	}

	headers := map[string]string{}
	for name := range r.Header {
		if !redactedHeaders[name] {
			headers[name] = r.Header.Get(name)
		}
	}
	query := map[string]string{}
	for name := range r.URL.Query() {
		query[name] = r.URL.Query().Get(name)
	}

	s.logger.Warn("Rejected stream update",
		logging.F("reason", reason),
		logging.F("received_keys", receivedKeys),
		logging.F("remote_addr", r.RemoteAddr))

	resp := map[string]interface{}{
		"success":      false,
		"error":        reason,
		"receivedKeys": receivedKeys,
		"example":      exampleUpdate,
		"headers":      headers,
		"query":        query,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
