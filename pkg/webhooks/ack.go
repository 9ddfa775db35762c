package webhooks

import (
	"regexp"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
)

var startedPattern = regexp.MustCompile(`(?i)workflow\s+(was\s+)?started`)

// ackKeys are the fields an n8n "Respond immediately" acknowledgement carries
var ackKeys = map[string]bool{
	"executionId": true,
	"workflowId":  true,
	"message":     true,
	"status":      true,
	"async":       true,
	"id":          true,
}

// looksAsync reports whether body acknowledges a started execution rather
// than carrying its result
func looksAsync(body jsonvalue.Value) bool {
	if !body.IsObject() {
		return false
	}
	if _, ok := body.Field("executionId").Scalar(); ok {
		return true
	}
	if _, ok := body.Path("data", "executionId").Scalar(); ok {
		return true
	}
	if body.Field("async").Truthy() {
		return true
	}
	msg, _ := body.Field("message").Str()
	return startedPattern.MatchString(msg)
}

// substantive reports whether body already looks like a workflow's output
func substantive(body jsonvalue.Value) bool {
	switch body.Kind() {
	case jsonvalue.Array:
		return body.Len() > 0
	case jsonvalue.Object:
		if body.Len() < 2 {
			return false
		}
		for _, k := range body.Keys() {
			if !ackKeys[k] {
				return true
			}
		}
	}
	return false
}
