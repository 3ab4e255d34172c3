package protocol

import "net/http"

// Error codes carried in the "code" field of error events, grouped by source.
const (
	// Parse / validation (client-authored input).
	ErrCodeParseError     = "PARSE_ERROR"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownCommand = "UNKNOWN_COMMAND"
	ErrCodeValidation     = "VALIDATION_ERROR"

	// Lookup.
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeApprovalNotFound = "APPROVAL_NOT_FOUND"
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeAgentNotFound    = "AGENT_NOT_FOUND"
	ErrCodeBundleNotFound   = "BUNDLE_NOT_FOUND"

	// Bundle / provider.
	ErrCodeBundleError        = "BUNDLE_ERROR"
	ErrCodeBundleAddFailed    = "BUNDLE_ADD_FAILED"
	ErrCodeBundleRemoveFailed = "BUNDLE_REMOVE_FAILED"
	ErrCodeBundleInstall      = "BUNDLE_INSTALL_ERROR"

	// Execution.
	ErrCodeExecution = "EXECUTION_ERROR"
	ErrCodeHandler   = "HANDLER_ERROR"

	// Transport.
	ErrCodeTransportClosed = "transport_closed"
	ErrCodeTransportError  = "transport_error"
	ErrCodeTimeout         = "timeout"
)

// HTTPStatus maps an error code to the status used by non-streaming HTTP
// endpoints: parse errors are 400, lookups 404, everything else 500.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeParseError, ErrCodeInvalidRequest, ErrCodeUnknownCommand, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeSessionNotFound, ErrCodeApprovalNotFound, ErrCodeToolNotFound,
		ErrCodeAgentNotFound, ErrCodeBundleNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
