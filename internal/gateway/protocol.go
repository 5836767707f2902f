package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// apiVersion is the protocol version answered to config.init.
const apiVersion = 1

// request is the client frame. Seq is client-monotonic and echoed back on the
// matching response.
type request struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response correlates to a request by Seq. Status carries an HTTP-style code
// on failure so clients can distinguish bad input from server faults.
type response struct {
	Seq    int64  `json:"seq"`
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
}

// pushFrame delivers a server-initiated event outside the request/response
// correlation.
type pushFrame struct {
	Push      bool         `json:"push"`
	SessionID string       `json:"sessionId"`
	Event     models.Event `json:"event"`
}

// retryable request types are re-attempted retryCount+1 times before the
// final error response. Only idempotent reads qualify.
var retryable = map[string]bool{
	"sessions.list":   true,
	"sessions.get":    true,
	"messages.list":   true,
	"messages.search": true,
	"memories.list":   true,
	"memories.search": true,
	"settings.get":    true,
	"models.list":     true,
	"tools.list":      true,
}

// requestError attaches an HTTP-style status to a handler failure.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// statusFor maps handler errors onto response statuses. Store failures come
// back as 5xx so retryable requests re-attempt them.
func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, settings.ErrProtectedKey):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
