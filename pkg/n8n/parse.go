package n8n

import (
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/models"
)

// ParseExecution reads an execution record. Only the id is required; every
// other field is left at its zero value when missing or of the wrong type.
func ParseExecution(v jsonvalue.Value) (*models.N8nExecution, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("execution record is a %s", v.Kind())
	}

	id, ok := v.Field("id").Scalar()
	if !ok || id == "" {
		return nil, errors.New("execution record has no id")
	}

	exec := &models.N8nExecution{ID: id, Data: v.Field("data")}

	if wf, ok := v.Field("workflowId").Scalar(); ok {
		exec.WorkflowID = wf
	}
	if status, ok := v.Field("status").Str(); ok {
		exec.Status = models.ExecutionStatus(status)
	}
	if finished, ok := v.Field("finished").Bool(); ok {
		exec.Finished = finished
	}
	if t, ok := parseTime(v.Field("startedAt")); ok {
		exec.StartedAt = t
	}
	if t, ok := parseTime(v.Field("stoppedAt")); ok {
		exec.StoppedAt = &t
	}

	return exec, nil
}

func parseTime(v jsonvalue.Value) (time.Time, bool) {
	s, ok := v.Str()
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
