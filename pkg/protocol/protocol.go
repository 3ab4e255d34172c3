// Package protocol defines the command/event wire model shared by every
// transport and by the client SDK.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is a client request. ID is client-allocated and opaque; it becomes
// the correlation id of every event in the response stream.
type Command struct {
	ID        string         `json:"id"`
	Cmd       string         `json:"cmd"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Event is one record in a command's response stream, or a server-initiated
// notification when CorrelationID is empty. Sequence is only set on
// correlated events and counts from 0 within one correlation.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     string         `json:"timestamp"`
	Sequence      *int           `json:"sequence,omitempty"`
	Final         bool           `json:"final"`
}

// Event types.
const (
	EventResult           = "result"
	EventError            = "error"
	EventAck              = "ack"
	EventContentStart     = "content.start"
	EventContentDelta     = "content.delta"
	EventContentEnd       = "content.end"
	EventThinkingDelta    = "thinking.delta"
	EventThinkingEnd      = "thinking.end"
	EventToolCall         = "tool.call"
	EventToolResult       = "tool.result"
	EventToolError        = "tool.error"
	EventSessionCreated   = "session.created"
	EventSessionUpdated   = "session.updated"
	EventSessionDeleted   = "session.deleted"
	EventSessionState     = "session.state"
	EventApprovalRequired = "approval.required"
	EventApprovalResolved = "approval.resolved"
	EventApprovalTimeout  = "approval.timeout"
	EventDisplayMessage   = "display.message"
	EventConnected        = "connected"
	EventPong             = "pong"
	EventNotification     = "notification"
	EventHeartbeat        = "heartbeat"
	EventInstallProgress  = "bundle.install.progress"
)

// Command names.
const (
	CmdSessionCreate     = "session.create"
	CmdSessionGet        = "session.get"
	CmdSessionInfo       = "session.info"
	CmdSessionList       = "session.list"
	CmdSessionDelete     = "session.delete"
	CmdSessionReset      = "session.reset"
	CmdPromptSend        = "prompt.send"
	CmdPromptCancel      = "prompt.cancel"
	CmdApprovalRespond   = "approval.respond"
	CmdPing              = "ping"
	CmdCapabilities      = "capabilities"
	CmdConfigGet         = "config.get"
	CmdProviderList      = "provider.list"
	CmdBundleList        = "bundle.list"
	CmdBundleAdd         = "bundle.add"
	CmdBundleRemove      = "bundle.remove"
	CmdBundleInstall     = "bundle.install"
	CmdAgentsList        = "agents.list"
	CmdToolsList         = "tools.list"
	CmdSlashCommandsList = "slash_commands.list"
)

// knownCommands is the closed set of accepted command names.
var knownCommands = map[string]bool{
	CmdSessionCreate:     true,
	CmdSessionGet:        true,
	CmdSessionInfo:       true,
	CmdSessionList:       true,
	CmdSessionDelete:     true,
	CmdSessionReset:      true,
	CmdPromptSend:        true,
	CmdPromptCancel:      true,
	CmdApprovalRespond:   true,
	CmdPing:              true,
	CmdCapabilities:      true,
	CmdConfigGet:         true,
	CmdProviderList:      true,
	CmdBundleList:        true,
	CmdBundleAdd:         true,
	CmdBundleRemove:      true,
	CmdBundleInstall:     true,
	CmdAgentsList:        true,
	CmdToolsList:         true,
	CmdSlashCommandsList: true,
}

// KnownCommand reports whether name is in the closed command set.
func KnownCommand(name string) bool {
	return knownCommands[name]
}

// Commands returns the closed command set, for the capabilities response.
func Commands() []string {
	out := make([]string, 0, len(knownCommands))
	for name := range knownCommands {
		out = append(out, name)
	}
	return out
}

// Now returns the protocol timestamp format: ISO-8601 with timezone.
func Now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// EncodeEvent marshals an event to compact JSON.
func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent unmarshals an event from JSON.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// EncodeCommand marshals a command to compact JSON.
func EncodeCommand(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand unmarshals and validates a command.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.ID == "" {
		return Command{}, fmt.Errorf("command missing id")
	}
	if c.Cmd == "" {
		return Command{}, fmt.Errorf("command missing cmd")
	}
	return c, nil
}

// Seq returns a pointer to n, for building correlated events in tests.
func Seq(n int) *int {
	return &n
}
