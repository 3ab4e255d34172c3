// Package ws serves the protocol over WebSocket: full-duplex JSON messages
// of shape {type, payload, request_id?}. One goroutine owns all writes; each
// inbound command runs concurrently so approvals interleave with streams.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024
)

// Client message types.
const (
	msgPrompt   = "prompt"
	msgAbort    = "abort"
	msgApproval = "approval"
	msgPing     = "ping"
	msgCommand  = "command"
)

// Server message types.
const (
	msgEvent     = "event"
	msgError     = "error"
	msgPong      = "pong"
	msgConnected = "connected"
)

type clientMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type serverMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler upgrades HTTP requests and serves protocol traffic over the
// socket.
type Handler struct {
	handler  *handler.Handler
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a WebSocket handler around the command handler.
func NewHandler(h *handler.Handler) *Handler {
	return &Handler{
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logging.Component("ws"),
	}
}

// Serve handles /ws: every command names its session explicitly.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// ServeSession handles /ws/sessions/{sessionID}: commands are scoped to the
// session in the path unless the payload names another.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, chi.URLParam(r, "sessionID"))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		socket:    socket,
		handler:   h.handler,
		sessionID: sessionID,
		send:      make(chan serverMessage, 256),
		ctx:       ctx,
		cancel:    cancel,
		log:       h.log,
	}
	c.run()
}

// conn is one WebSocket connection.
type conn struct {
	socket    *websocket.Conn
	handler   *handler.Handler
	sessionID string
	send      chan serverMessage

	// ctx is cancelled on disconnect, aborting every in-flight execution
	// started from this connection.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log zerolog.Logger
}

func (c *conn) run() {
	go c.writePump()

	c.enqueue(serverMessage{
		Type:    msgConnected,
		Payload: map[string]any{"protocol_version": handler.ProtocolVersion},
	})

	c.readPump()

	c.cancel()
	c.wg.Wait()
}

func (c *conn) readPump() {
	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorMessage("", protocol.ErrCodeParseError, "invalid message format"))
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleMessage(msg)
		}()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *conn) handleMessage(msg clientMessage) {
	switch msg.Type {
	case msgPing:
		c.enqueue(serverMessage{Type: msgPong, RequestID: msg.RequestID})

	case msgPrompt:
		c.runCommand(msg, protocol.CmdPromptSend)

	case msgAbort:
		c.runCommand(msg, protocol.CmdPromptCancel)

	case msgApproval:
		c.runCommand(msg, protocol.CmdApprovalRespond)

	case msgCommand:
		var payload struct {
			Cmd    string         `json:"cmd"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Cmd == "" {
			c.enqueue(errorMessage(msg.RequestID, protocol.ErrCodeInvalidRequest, "command payload requires cmd"))
			return
		}
		c.dispatch(msg.RequestID, payload.Cmd, payload.Params)

	default:
		c.enqueue(errorMessage(msg.RequestID, protocol.ErrCodeInvalidRequest, "unknown message type "+msg.Type))
	}
}

// runCommand maps a shorthand message (prompt/abort/approval) onto its
// protocol command, scoping it to the connection's session when the payload
// names none.
func (c *conn) runCommand(msg clientMessage, cmd string) {
	params := map[string]any{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &params); err != nil {
			c.enqueue(errorMessage(msg.RequestID, protocol.ErrCodeParseError, "invalid payload"))
			return
		}
	}
	c.dispatch(msg.RequestID, cmd, params)
}

func (c *conn) dispatch(requestID, cmd string, params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["session_id"]; !ok && c.sessionID != "" {
		params["session_id"] = c.sessionID
	}

	id := requestID
	if id == "" {
		id = protocol.NewCommandID()
	}

	c.attachSend(params)
	for e := range c.handler.Handle(c.ctx, protocol.Command{ID: id, Cmd: cmd, Params: params}) {
		c.enqueue(serverMessage{Type: msgEvent, Payload: e, RequestID: requestID})
		if e.Final && e.Type == protocol.EventResult {
			if sid, _ := e.Data["session_id"].(string); sid != "" {
				c.attach(sid)
			}
		}
	}
}

// attachSend points the addressed session's side channel at this socket.
func (c *conn) attachSend(params map[string]any) {
	if id, _ := params["session_id"].(string); id != "" {
		c.attach(id)
	}
}

func (c *conn) attach(id string) {
	s, err := c.handler.Sessions().Get(id)
	if err != nil {
		return
	}
	s.SetSend(func(e protocol.Event) {
		c.enqueue(serverMessage{Type: msgEvent, Payload: e})
	})
}

// enqueue queues a message for the write pump, dropping it if the connection
// is gone or the client has stopped reading.
func (c *conn) enqueue(msg serverMessage) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func errorMessage(requestID, code, message string) serverMessage {
	return serverMessage{
		Type:      msgError,
		Payload:   map[string]any{"code": code, "message": message},
		RequestID: requestID,
	}
}
