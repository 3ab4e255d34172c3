package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/amplifier-ai/runtime/internal/event"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1024 * 1024
)

// HTTPHandler exposes the ACP surface over HTTP: single-shot JSON-RPC posts,
// a notification feed, and a full-duplex WebSocket endpoint.
type HTTPHandler struct {
	adapter  *Adapter
	bus      *event.Bus
	upgrader websocket.Upgrader
}

// NewHTTPHandler wraps an adapter for mounting onto a router. The bus feeds
// the /acp/events stream.
func NewHTTPHandler(adapter *Adapter, bus *event.Bus) *HTTPHandler {
	return &HTTPHandler{
		adapter: adapter,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mount registers the ACP routes on the router.
func (h *HTTPHandler) Mount(router chi.Router) {
	router.Post("/acp/rpc", h.serveRPC)
	router.Get("/acp/events", h.serveEvents)
	router.Get("/acp/ws", h.serveWS)
}

// serveEvents streams runtime bus traffic as session/update notifications
// over SSE, one JSON-RPC frame per record.
func (h *HTTPHandler) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for e := range h.bus.Stream(r.Context()) {
		sessionID, _ := e.Data["session_id"].(string)
		frame := newNotification(NotificationSessionUpdate, updateParams(sessionID, e))
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// serveRPC answers one JSON-RPC message per request. Notifications produced
// while the call runs (streaming session/update) are returned as a batch
// ahead of the response. Server-to-client requests cannot round-trip here,
// so permission prompts fall back to the approval timeout default; clients
// that need interactive approvals use the WebSocket or stdio transports.
func (h *HTTPHandler) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, wsMaxMessageSize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeRPC(w, newError(nil, CodeParseError, "parse error"))
		return
	}

	peer := &postPeer{}
	resp := h.adapter.Handle(r.Context(), msg, peer)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	peer.mu.Lock()
	batch := peer.notifications
	peer.mu.Unlock()
	if len(batch) == 0 {
		writeRPC(w, *resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(append(batch, *resp))
}

func writeRPC(w http.ResponseWriter, msg Message) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

// postPeer buffers notifications for a single-shot HTTP call.
type postPeer struct {
	mu            sync.Mutex
	notifications []Message
}

func (p *postPeer) Notify(method string, params any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, newNotification(method, params))
}

func (p *postPeer) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return nil, ErrConnClosed
}

// serveWS runs the full message loop over a WebSocket, one JSON-RPC message
// per frame.
func (h *HTTPHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer socket.Close()

	c := newConn(r.Context(), h.adapter, func(msg Message) error {
		socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return socket.WriteJSON(msg)
	})
	defer c.close()

	stopPings := make(chan struct{})
	defer close(stopPings)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err := socket.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stopPings:
				return
			}
		}
	}()

	socket.SetReadLimit(wsMaxMessageSize)
	socket.SetReadDeadline(time.Now().Add(wsPongWait))
	socket.SetPongHandler(func(string) error {
		socket.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			return
		}
		c.handleData(data)
	}
}
