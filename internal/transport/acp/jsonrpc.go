// Package acp adapts the runtime's command/event protocol onto JSON-RPC 2.0
// for editor integrations. Streaming is exposed as session/update
// notifications; approvals become server-to-client permission requests.
package acp

import (
	"encoding/json"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// jsonrpcVersion is the constant version marker on every message.
const jsonrpcVersion = "2.0"

// Message is a JSON-RPC 2.0 message: request, response or notification,
// distinguished by which fields are present. A Method with an ID is a
// request; a Method without an ID is a notification; no Method means a
// response to an earlier server-to-client request.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether the message is fire-and-forget.
func (m Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether the message answers a server-issued request.
func (m Message) IsResponse() bool { return m.Method == "" }

// Error is the standard JSON-RPC 2.0 error shape.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Implementation-defined server errors.
	CodeSessionNotFound = -32001
	CodeBundleError     = -32002
	CodeExecutionError  = -32003
)

// Methods.
const (
	MethodInitialize     = "initialize"
	MethodSessionNew     = "session/new"
	MethodSessionLoad    = "session/load"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionSetMode = "session/set_mode"
	MethodSessionList    = "session/list"
	MethodSessionCancel  = "session/cancel"

	// Server -> client.
	NotificationSessionUpdate = "session/update"
	MethodRequestPermission   = "session/request_permission"
)

// ProtocolVersion is the ACP protocol revision this adapter speaks.
const ProtocolVersion = 1

func newResponse(id any, result any) (Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: jsonrpcVersion, ID: id, Result: data}, nil
}

func newError(id any, code int, message string) Message {
	return Message{JSONRPC: jsonrpcVersion, ID: id, Error: &Error{Code: code, Message: message}}
}

func newNotification(method string, params any) Message {
	data, _ := json.Marshal(params)
	return Message{JSONRPC: jsonrpcVersion, Method: method, Params: data}
}

func newRequest(id any, method string, params any) Message {
	data, _ := json.Marshal(params)
	return Message{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: data}
}

// rpcCode maps a protocol error code onto the JSON-RPC taxonomy.
func rpcCode(code string) int {
	switch code {
	case protocol.ErrCodeParseError:
		return CodeParseError
	case protocol.ErrCodeInvalidRequest:
		return CodeInvalidRequest
	case protocol.ErrCodeUnknownCommand:
		return CodeMethodNotFound
	case protocol.ErrCodeValidation:
		return CodeInvalidParams
	case protocol.ErrCodeSessionNotFound, protocol.ErrCodeApprovalNotFound,
		protocol.ErrCodeBundleNotFound, protocol.ErrCodeAgentNotFound, protocol.ErrCodeToolNotFound:
		return CodeSessionNotFound
	case protocol.ErrCodeBundleError, protocol.ErrCodeBundleInstall,
		protocol.ErrCodeBundleAddFailed, protocol.ErrCodeBundleRemoveFailed:
		return CodeBundleError
	case protocol.ErrCodeExecution:
		return CodeExecutionError
	default:
		return CodeInternalError
	}
}
