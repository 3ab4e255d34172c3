package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/internal/session"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// Peer is the server-to-client half of one ACP connection: notifications
// and permission requests flow through it.
type Peer interface {
	// Notify sends a fire-and-forget notification.
	Notify(method string, params any)
	// Request sends a server-to-client request and awaits the response
	// result. Used for session/request_permission.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Adapter translates JSON-RPC methods to protocol commands. It is shared by
// every ACP connection (stdio, HTTP, WebSocket); per-connection state lives
// in the Peer.
type Adapter struct {
	handler *handler.Handler
	log     zerolog.Logger

	mu    sync.Mutex
	modes map[string]string
}

// NewAdapter creates an ACP adapter over the command handler.
func NewAdapter(h *handler.Handler) *Adapter {
	return &Adapter{
		handler: h,
		log:     logging.Component("acp"),
		modes:   make(map[string]string),
	}
}

// Handle dispatches one inbound message. Returns nil when no response is
// due (notifications).
func (a *Adapter) Handle(ctx context.Context, msg Message, peer Peer) *Message {
	if msg.IsNotification() {
		a.handleNotification(ctx, msg)
		return nil
	}
	if !msg.IsRequest() {
		a.log.Warn().Any("id", msg.ID).Msg("dropping response with unknown id")
		return nil
	}

	resp := a.dispatch(ctx, msg, peer)
	return &resp
}

func (a *Adapter) dispatch(ctx context.Context, msg Message, peer Peer) Message {
	switch msg.Method {
	case MethodInitialize:
		return a.initialize(msg)
	case MethodSessionNew:
		return a.sessionNew(ctx, msg, peer)
	case MethodSessionLoad:
		return a.sessionLoad(ctx, msg, peer)
	case MethodSessionPrompt:
		return a.sessionPrompt(ctx, msg, peer)
	case MethodSessionSetMode:
		return a.sessionSetMode(msg)
	case MethodSessionList:
		return a.sessionList(ctx, msg)
	default:
		return newError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method))
	}
}

func (a *Adapter) handleNotification(ctx context.Context, msg Message) {
	switch msg.Method {
	case MethodSessionCancel:
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.SessionID == "" {
			return
		}
		a.runCommand(ctx, protocol.CmdPromptCancel, map[string]any{"session_id": params.SessionID})
	default:
		a.log.Debug().Str("method", msg.Method).Msg("ignoring notification")
	}
}

func (a *Adapter) initialize(msg Message) Message {
	var params struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return newError(msg.ID, CodeInvalidParams, "invalid initialize params")
		}
	}
	if params.ProtocolVersion > ProtocolVersion {
		// Negotiate down to the version this adapter speaks.
		a.log.Debug().Int("requested", params.ProtocolVersion).Msg("negotiating protocol version down")
	}

	resp, err := newResponse(msg.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]any{
			"name":    "amplifier",
			"version": handler.Version,
		},
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]any{
				"image":           true,
				"audio":           false,
				"embeddedContext": true,
			},
		},
	})
	if err != nil {
		return newError(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (a *Adapter) sessionNew(ctx context.Context, msg Message, peer Peer) Message {
	var params struct {
		Cwd string `json:"cwd"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return newError(msg.ID, CodeInvalidParams, "invalid session/new params")
		}
	}

	final := a.runCommand(ctx, protocol.CmdSessionCreate, map[string]any{
		"working_directory": params.Cwd,
		"acp":               true,
	})
	if final.Type == protocol.EventError {
		return errorFromEvent(msg.ID, final)
	}

	id, _ := final.Data["session_id"].(string)
	a.attach(id, peer)

	resp, err := newResponse(msg.ID, map[string]any{"sessionId": id})
	if err != nil {
		return newError(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (a *Adapter) sessionLoad(ctx context.Context, msg Message, peer Peer) Message {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.SessionID == "" {
		return newError(msg.ID, CodeInvalidParams, "sessionId is required")
	}

	final := a.runCommand(ctx, protocol.CmdSessionGet, map[string]any{"session_id": params.SessionID})
	if final.Type == protocol.EventError {
		return errorFromEvent(msg.ID, final)
	}
	a.attach(params.SessionID, peer)

	// Replay the stored conversation so the editor can render history.
	if messages, ok := final.Data["messages"].([]map[string]any); ok {
		for _, m := range messages {
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			kind := "agent_message_chunk"
			if role == "user" {
				kind = "user_message_chunk"
			}
			peer.Notify(NotificationSessionUpdate, map[string]any{
				"sessionId": params.SessionID,
				"update": map[string]any{
					"sessionUpdate": kind,
					"content":       map[string]any{"type": "text", "text": content},
				},
			})
		}
	}

	resp, err := newResponse(msg.ID, map[string]any{"sessionId": params.SessionID, "restored": true})
	if err != nil {
		return newError(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (a *Adapter) sessionPrompt(ctx context.Context, msg Message, peer Peer) Message {
	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.SessionID == "" {
		return newError(msg.ID, CodeInvalidParams, "sessionId is required")
	}

	var b strings.Builder
	for _, block := range params.Prompt {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	a.attach(params.SessionID, peer)

	var final protocol.Event
	for e := range a.handler.Handle(ctx, protocol.Command{
		ID:  protocol.NewCommandID(),
		Cmd: protocol.CmdPromptSend,
		Params: map[string]any{
			"session_id": params.SessionID,
			"content":    b.String(),
		},
	}) {
		if e.Final {
			final = e
			continue
		}
		switch e.Type {
		case protocol.EventAck:
			// Swallowed: JSON-RPC acknowledges via the eventual response.
		case protocol.EventApprovalRequired, protocol.EventApprovalResolved:
			// Carried as session/request_permission round-trips instead.
		default:
			peer.Notify(NotificationSessionUpdate, updateParams(params.SessionID, e))
		}
	}

	if final.Type == protocol.EventError {
		return errorFromEvent(msg.ID, final)
	}

	stopReason := "end_turn"
	if state, _ := final.Data["state"].(string); state == string(session.StateCancelled) {
		stopReason = "cancelled"
	}
	resp, err := newResponse(msg.ID, map[string]any{"stopReason": stopReason})
	if err != nil {
		return newError(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (a *Adapter) sessionSetMode(msg Message) Message {
	var params struct {
		SessionID string `json:"sessionId"`
		ModeID    string `json:"modeId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.SessionID == "" {
		return newError(msg.ID, CodeInvalidParams, "sessionId is required")
	}

	a.mu.Lock()
	a.modes[params.SessionID] = params.ModeID
	a.mu.Unlock()

	resp, err := newResponse(msg.ID, map[string]any{})
	if err != nil {
		return newError(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

// Mode returns the mode recorded for a session by session/set_mode.
func (a *Adapter) Mode(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modes[sessionID]
}

func (a *Adapter) sessionList(ctx context.Context, msg Message) Message {
	final := a.runCommand(ctx, protocol.CmdSessionList, nil)
	if final.Type == protocol.EventError {
		return errorFromEvent(msg.ID, final)
	}
	resp, err := newResponse(msg.ID, final.Data)
	if err != nil {
		return newError(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

// runCommand executes a command and returns its terminal event.
func (a *Adapter) runCommand(ctx context.Context, cmd string, params map[string]any) protocol.Event {
	var last protocol.Event
	for e := range a.handler.Handle(ctx, protocol.Command{
		ID:     protocol.NewCommandID(),
		Cmd:    cmd,
		Params: params,
	}) {
		last = e
	}
	return last
}

// attach routes the session's side channel through the peer: approvals
// become session/request_permission round-trips, everything else becomes
// session/update notifications.
func (a *Adapter) attach(sessionID string, peer Peer) {
	s, err := a.handler.Sessions().Get(sessionID)
	if err != nil {
		return
	}
	s.SetSend(func(e protocol.Event) {
		if e.Type == protocol.EventApprovalRequired {
			go a.requestPermission(s, e, peer)
			return
		}
		peer.Notify(NotificationSessionUpdate, updateParams(sessionID, e))
	})
}

// requestPermission performs the server-to-client permission round-trip and
// feeds the outcome back into the approval broker. On failure the broker's
// own timeout applies the default.
func (a *Adapter) requestPermission(s *session.Session, e protocol.Event, peer Peer) {
	requestID, _ := e.Data["request_id"].(string)
	prompt, _ := e.Data["prompt"].(string)
	rawOptions, _ := e.Data["options"].([]string)

	options := make([]map[string]any, 0, len(rawOptions))
	for i, opt := range rawOptions {
		options = append(options, map[string]any{
			"optionId": fmt.Sprintf("opt_%d", i),
			"name":     opt,
			"kind":     optionKind(opt),
		})
	}

	result, err := peer.Request(context.Background(), MethodRequestPermission, map[string]any{
		"sessionId": s.ID,
		"toolCall":  map[string]any{"title": prompt},
		"options":   options,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("requestID", requestID).Msg("permission request failed")
		return
	}

	var outcome struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(result, &outcome); err != nil {
		return
	}

	choice := ""
	for i, opt := range rawOptions {
		if fmt.Sprintf("opt_%d", i) == outcome.Outcome.OptionID {
			choice = opt
			break
		}
	}
	if outcome.Outcome.Outcome == "cancelled" || choice == "" {
		choice = session.MatchDefault(rawOptions, "deny")
	}
	if err := s.Approvals().Respond(requestID, choice); err != nil {
		a.log.Debug().Err(err).Str("requestID", requestID).Msg("approval already settled")
	}
}

// optionKind classifies an option label for editor rendering.
func optionKind(opt string) string {
	lower := strings.ToLower(opt)
	switch {
	case strings.Contains(lower, "always") && (strings.Contains(lower, "allow") || strings.Contains(lower, "yes")):
		return "allow_always"
	case strings.Contains(lower, "allow") || strings.Contains(lower, "yes"):
		return "allow_once"
	case strings.Contains(lower, "always"):
		return "reject_always"
	default:
		return "reject_once"
	}
}

// updateParams converts a protocol event into session/update params.
func updateParams(sessionID string, e protocol.Event) map[string]any {
	update := map[string]any{}
	switch e.Type {
	case protocol.EventContentDelta:
		update["sessionUpdate"] = "agent_message_chunk"
		update["content"] = map[string]any{"type": "text", "text": deltaText(e.Data)}
	case protocol.EventThinkingDelta:
		update["sessionUpdate"] = "agent_thought_chunk"
		update["content"] = map[string]any{"type": "text", "text": deltaText(e.Data)}
	case protocol.EventToolCall:
		update["sessionUpdate"] = "tool_call"
		update["data"] = e.Data
	case protocol.EventToolResult, protocol.EventToolError:
		update["sessionUpdate"] = "tool_call_update"
		update["data"] = e.Data
	default:
		update["sessionUpdate"] = e.Type
		update["data"] = e.Data
	}
	return map[string]any{"sessionId": sessionID, "update": update}
}

// deltaText extracts text from a content delta payload, which may be a bare
// string or a nested delta object.
func deltaText(data map[string]any) string {
	switch delta := data["delta"].(type) {
	case string:
		return delta
	case map[string]any:
		text, _ := delta["text"].(string)
		return text
	}
	text, _ := data["text"].(string)
	return text
}

func errorFromEvent(id any, e protocol.Event) Message {
	code, _ := e.Data["code"].(string)
	message, _ := e.Data["message"].(string)
	return newError(id, rpcCode(code), message)
}
