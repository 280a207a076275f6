package webhook

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"enhancer/internal/domain"
	"enhancer/internal/jobstate"
)

// statusAliases maps engine vocabulary onto job statuses.
var statusAliases = map[string]domain.JobStatus{
	"processing": domain.JobStatusRendering,
	"succeeded":  domain.JobStatusCompleted,
	"success":    domain.JobStatusCompleted,
	"done":       domain.JobStatusCompleted,
	"error":      domain.JobStatusFailed,
	"cancelled":  domain.JobStatusCanceled,
}

// Callback is the normalized content of one engine callback.
type Callback struct {
	Status       domain.JobStatus
	Progress     *int
	Stage        string
	ErrorMessage string
	ErrorCode    string
	URLs         []string
	Strategy     string
}

// ParseCallback reads any of the body shapes the engine sends. A body that
// carries output URLs but no status means the job completed.
func ParseCallback(body []byte) (Callback, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Callback{}, domain.NewValidationError("body", "callback body is empty")
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		// Some engines post the bare output URL as text.
		doc = string(trimmed)
	}

	var cb Callback
	if obj, ok := doc.(map[string]any); ok {
		if raw, ok := obj["status"].(string); ok && strings.TrimSpace(raw) != "" {
			status, err := normalizeStatus(raw)
			if err != nil {
				return Callback{}, err
			}
			cb.Status = status
		}
		cb.Progress = firstInt(obj, "progress", "progressPercent", "progress_percent")
		cb.Stage = firstString(obj, "stage", "progressStage")
		cb.ErrorMessage, cb.ErrorCode = errorFields(obj)
	}

	cb.URLs, cb.Strategy = ExtractVariantURLs(doc)
	if cb.Status == "" {
		switch {
		case len(cb.URLs) > 0:
			cb.Status = domain.JobStatusCompleted
		case cb.ErrorMessage != "":
			cb.Status = domain.JobStatusFailed
		default:
			return Callback{}, domain.NewValidationError("status", "callback carries no status and no output")
		}
	}
	return cb, nil
}

func normalizeStatus(raw string) (domain.JobStatus, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := statusAliases[s]; ok {
		return alias, nil
	}
	status := domain.JobStatus(s)
	if !jobstate.Valid(status) {
		return "", domain.NewValidationError("status", "unknown status %q", raw)
	}
	return status, nil
}

func firstInt(obj map[string]any, keys ...string) *int {
	for _, k := range keys {
		if f, ok := obj[k].(float64); ok && !math.IsNaN(f) {
			v := int(math.Round(f))
			return &v
		}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func errorFields(obj map[string]any) (message, code string) {
	switch e := obj["error"].(type) {
	case string:
		message = e
	case map[string]any:
		message = firstString(e, "message", "detail")
		code = firstString(e, "code")
	}
	if message == "" {
		message = firstString(obj, "errorMessage", "error_message")
	}
	if code == "" {
		code = firstString(obj, "errorCode", "error_code")
	}
	return strings.TrimSpace(message), code
}
