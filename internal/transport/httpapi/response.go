package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// ErrorResponse is the JSON body of a failed non-streaming request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the protocol error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with the status mapped from the
// protocol error code.
func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, protocol.HTTPStatus(code), ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// writeEventOutcome renders a terminal handler event as an HTTP response:
// result data becomes the 200 body, error events map to their status.
func writeEventOutcome(w http.ResponseWriter, e protocol.Event) {
	if e.Type == protocol.EventError {
		code, _ := e.Data["code"].(string)
		message, _ := e.Data["message"].(string)
		if code == "" {
			code = protocol.ErrCodeHandler
		}
		writeError(w, code, message)
		return
	}
	writeJSON(w, http.StatusOK, e.Data)
}
