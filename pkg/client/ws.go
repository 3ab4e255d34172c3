package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// wsClientMessage mirrors the server's inbound frame shape.
type wsClientMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// wsServerMessage mirrors the server's outbound frame shape.
type wsServerMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// WSClient speaks the WebSocket framing: commands go out as
// {type: "command"} frames keyed by request_id, events come back demuxed by
// the same id.
type WSClient struct {
	connID string
	socket *websocket.Conn

	writeMu sync.Mutex
	demux   *demux
	done    chan struct{}
	log     zerolog.Logger
}

// DialWS connects to a ws:// or wss:// endpoint such as
// "ws://127.0.0.1:8765/ws". The server's connected frame is consumed before
// returning.
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	connID := uuid.NewString()
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{"X-Client-ID": {connID}})
	if err != nil {
		return nil, err
	}

	c := &WSClient{
		connID: connID,
		socket: socket,
		demux:  newDemux(),
		done:   make(chan struct{}),
		log:    logging.Component("client"),
	}

	socket.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello wsServerMessage
	if err := socket.ReadJSON(&hello); err != nil {
		socket.Close()
		return nil, fmt.Errorf("client: handshake failed: %w", err)
	}
	if hello.Type != "connected" {
		socket.Close()
		return nil, fmt.Errorf("client: unexpected handshake frame %q", hello.Type)
	}
	socket.SetReadDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.demux.closeAll()
	defer close(c.done)

	for {
		var msg wsServerMessage
		if err := c.socket.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "event":
			e, err := protocol.DecodeEvent(msg.Payload)
			if err != nil {
				c.log.Debug().Err(err).Msg("skipping undecodable event frame")
				continue
			}
			c.demux.deliver(e)
		case "error":
			// Frame-level errors carry no envelope; synthesize one so the
			// waiting stream terminates.
			var detail map[string]any
			json.Unmarshal(msg.Payload, &detail)
			c.demux.deliver(protocol.Event{
				ID:            protocol.NewEventID(),
				Type:          protocol.EventError,
				CorrelationID: msg.RequestID,
				Data:          detail,
				Timestamp:     protocol.Now(),
				Final:         true,
			})
		case "pong", "connected":
			// Keepalive traffic.
		default:
			c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown frame")
		}
	}
}

// Do implements Client.
func (c *WSClient) Do(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error) {
	ensureID(&cmd)

	ch, err := c.demux.register(cmd.ID)
	if err != nil {
		return nil, err
	}

	frame := wsClientMessage{
		Type:      "command",
		RequestID: cmd.ID,
		Payload:   map[string]any{"cmd": cmd.Cmd, "params": cmd.Params},
	}

	c.writeMu.Lock()
	c.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.socket.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.demux.release(cmd.ID)
		return nil, err
	}
	return ch, nil
}

// Notifications implements Client.
func (c *WSClient) Notifications() <-chan protocol.Event {
	return c.demux.notifs
}

// Close implements Client.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	c.socket.SetWriteDeadline(time.Now().Add(time.Second))
	c.socket.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.socket.Close()
}

// Done is closed once the server side hangs up.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}
