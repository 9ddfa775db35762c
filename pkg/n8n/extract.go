package n8n

import (
	"fmt"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/models"
)

// IsFinished reports whether exec has reached a terminal state. n8n sometimes
// reports finished=false for errored or canceled runs that already carry a
// stop timestamp; those count as finished.
func IsFinished(exec *models.N8nExecution) bool {
	if exec.Finished {
		return true
	}
	switch exec.Status {
	case models.ExecutionError, models.ExecutionCanceled:
		return exec.StoppedAt != nil
	}
	return false
}

// ResultData walks resultData.runData, takes the last node's runs, then the
// last run, and returns its "data" field, else its "output" field, else the
// run itself. It returns null when there is no run data.
func ResultData(exec *models.N8nExecution) jsonvalue.Value {
	runData := exec.Data.Path("resultData", "runData")
	keys := runData.Keys()
	if len(keys) == 0 {
		return jsonvalue.NullValue()
	}

	runs := runData.Field(keys[len(keys)-1])
	last, ok := runs.Last()
	if !ok {
		if runs.IsArray() {
			return jsonvalue.NullValue()
		}
		last = runs
	}

	if data, ok := last.Get("data"); ok && !data.IsNull() {
		return data
	}
	if output, ok := last.Get("output"); ok && !output.IsNull() {
		return output
	}
	return last
}

// ErrorMessage returns the most specific message n8n recorded for a failed
// execution
func ErrorMessage(exec *models.N8nExecution) string {
	errValue := exec.Data.Path("resultData", "error")
	if errValue.IsNull() {
		errValue = exec.Data.Field("error")
	}

	if msg, ok := errValue.Path("error", "message").Str(); ok && msg != "" {
		return msg
	}
	if msg, ok := errValue.Field("message").Str(); ok && msg != "" {
		return msg
	}
	if msg, ok := errValue.Str(); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("Workflow execution %s failed", exec.ID)
}

// CanceledMessage is the error reported for a canceled execution
func CanceledMessage(exec *models.N8nExecution) string {
	return fmt.Sprintf("Workflow execution %s was canceled", exec.ID)
}

// Outcome converts a finished execution into a Result
func Outcome(exec *models.N8nExecution) models.Result {
	var result models.Result
	switch exec.Status {
	case models.ExecutionSuccess, "":
		result = models.SuccessResult(ResultData(exec), exec.ID)
	case models.ExecutionCanceled:
		result = models.FailureResult(CanceledMessage(exec), exec.ID)
	default:
		result = models.FailureResult(ErrorMessage(exec), exec.ID)
	}
	result.WorkflowID = exec.WorkflowID
	return result
}
