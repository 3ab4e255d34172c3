package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/oklog/ulid/v2"
)

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NewCommandID returns a client-side command id: "cmd_" + 12 hex chars.
func NewCommandID() string {
	return "cmd_" + randomHex(6)
}

// NewSessionID returns a session id: "sess_" + 12 hex chars.
func NewSessionID() string {
	return "sess_" + randomHex(6)
}

// NewACPSessionID returns a session id for the JSON-RPC transport:
// "acp_" + 12 hex chars.
func NewACPSessionID() string {
	return "acp_" + randomHex(6)
}

// NewEventID returns a unique event id. Events need ids for client-side
// de-dup after SSE reconnect, so a ULID keeps them sortable.
func NewEventID() string {
	return "evt_" + strings.ToLower(ulid.Make().String())
}

// NewRequestID returns an approval request id.
func NewRequestID() string {
	return "req_" + randomHex(6)
}
