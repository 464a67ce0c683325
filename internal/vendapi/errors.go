package vendapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"smartvend-client/internal/parse"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
	// Status is the machine-readable status from the body, e.g. "busy".
	Status      string
	LockedUntil time.Time
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Busy reports whether the machine is locked by someone else.
func (e *APIError) Busy() bool {
	return e.StatusCode == http.StatusConflict && e.Status == "busy"
}

type errorBody struct {
	Detail      json.RawMessage `json:"detail"`
	Message     string          `json:"message"`
	Error       string          `json:"error"`
	Status      string          `json:"status"`
	LockedUntil string          `json:"locked_until"`
}

func decodeError(code int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: code}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Status = body.Status
		apiErr.Message = firstNonEmpty(detailText(body.Detail), body.Message, body.Error)
		if t, err := parse.Instant(body.LockedUntil); err == nil {
			apiErr.LockedUntil = t
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.ToLower(http.StatusText(code))
	}
	return apiErr
}

// detailText accepts both a plain string and a list of validation errors.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
