package web

// errors.go provides unified error response handling for the API.
//
// Every failed request:
//  1. is mapped through core.MapError to a user message and code
//  2. is logged with the technical error and the request id
//  3. gets a JSON body with the message, suggested action and code
//
// The HTTP status follows from the code, so handlers never pick one.

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/markbook/internal/core"
	"github.com/JonMunkholm/markbook/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// badRequestError is a malformed request detected by the web layer itself.
type badRequestError struct {
	msg string
	err error
}

func (e *badRequestError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *badRequestError) Unwrap() error { return e.err }

// codeStatus maps user message codes to HTTP statuses.
var codeStatus = map[string]int{
	"STO001": http.StatusConflict,
	"STO002": http.StatusNotFound,
	"STO003": http.StatusConflict,
	"STO004": http.StatusInternalServerError,
	"STO005": http.StatusInternalServerError,
	"STO006": http.StatusServiceUnavailable,
	"WS001":  http.StatusBadRequest,
	"WS002":  http.StatusNotFound,
	"WS003":  http.StatusBadRequest,
	"BAK001": http.StatusBadRequest,
	"BAK002": http.StatusBadRequest,
	"BAK003": http.StatusRequestEntityTooLarge,
	"VAL001": http.StatusBadRequest,
	"VAL002": http.StatusConflict,
	"VAL003": http.StatusBadRequest,
	"OP001":  http.StatusConflict,
	"OP002":  http.StatusRequestTimeout,
	"OP003":  http.StatusGatewayTimeout,
}

// statusFor returns the HTTP status of a user message code.
func statusFor(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError logs err server-side and writes the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var msg core.UserMessage
	var bad *badRequestError
	if errors.As(err, &bad) {
		msg = core.UserMessage{
			Message: bad.msg,
			Action:  "Check the request and try again",
			Code:    "REQ001",
		}
	} else {
		msg = core.MapError(err)
	}

	status := http.StatusBadRequest
	if bad == nil {
		status = statusFor(msg.Code)
	}

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}
