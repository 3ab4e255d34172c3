package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// HeartbeatInterval is how often the /event stream emits a keep-alive event.
const HeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE output.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one `data: <json>` SSE record and flushes it.
func (s *sseWriter) writeEvent(e protocol.Event) error {
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sendPrompt streams a prompt.send correlation as SSE records, ending at the
// final event.
func (s *Server) sendPrompt(w http.ResponseWriter, r *http.Request) {
	params, err := decodeBody(r)
	if err != nil {
		writeError(w, protocol.ErrCodeParseError, err.Error())
		return
	}
	params["session_id"] = chi.URLParam(r, "sessionID")

	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, protocol.ErrCodeTransportError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	events := s.handler.Handle(r.Context(), protocol.Command{
		ID:     protocol.NewCommandID(),
		Cmd:    protocol.CmdPromptSend,
		Params: params,
	})
	for e := range events {
		if err := sse.writeEvent(e); err != nil {
			s.log.Debug().Err(err).Msg("sse client gone mid-stream")
			// Keep draining so the handler unwinds; the request context
			// cancellation aborts the execution underneath.
			for range events {
			}
			return
		}
		if e.Final {
			break
		}
	}
}

// allEvents attaches to the event bus and streams every event (uncorrelated
// observability feed). Heartbeats keep intermediaries from closing the
// connection.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, protocol.ErrCodeTransportError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	connected := protocol.Event{
		ID:        protocol.NewEventID(),
		Type:      protocol.EventConnected,
		Data:      map[string]any{"protocol_version": "1.0"},
		Timestamp: protocol.Now(),
	}
	if err := sse.writeEvent(connected); err != nil {
		return
	}

	stream := s.bus.Stream(r.Context())
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			if err := sse.writeEvent(e); err != nil {
				return
			}
		case <-heartbeat.C:
			hb := protocol.Event{
				ID:        protocol.NewEventID(),
				Type:      protocol.EventHeartbeat,
				Timestamp: protocol.Now(),
			}
			if err := sse.writeEvent(hb); err != nil {
				return
			}
		}
	}
}
