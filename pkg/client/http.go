package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// HTTPClient speaks the REST surface: plain commands map to JSON endpoints,
// prompt.send streams its body as SSE, and the /event feed backs
// Notifications.
type HTTPClient struct {
	base   string
	connID string
	http   *http.Client
	demux  *demux
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewHTTP connects to a server base URL such as "http://127.0.0.1:8765".
// A background goroutine follows the /event feed until Close.
func NewHTTP(base string) *HTTPClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		connID: uuid.NewString(),
		http:   &http.Client{},
		demux:  newDemux(),
		cancel: cancel,
		log:    logging.Component("client"),
	}
	go c.followEvents(ctx)
	return c
}

// Do implements Client.
func (c *HTTPClient) Do(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error) {
	ensureID(&cmd)

	if cmd.Cmd == protocol.CmdPromptSend {
		return c.doStream(ctx, cmd)
	}

	method, path, body, err := routeCommand(cmd)
	if err != nil {
		return nil, err
	}

	ch, err := c.demux.register(cmd.ID)
	if err != nil {
		return nil, err
	}

	go func() {
		e := c.roundTrip(ctx, method, path, body)
		e.CorrelationID = cmd.ID
		e.Sequence = protocol.Seq(0)
		c.demux.deliver(e)
	}()
	return ch, nil
}

// doStream posts the prompt and relays the SSE body, re-correlating the
// server's envelope onto the caller's command id.
func (c *HTTPClient) doStream(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error) {
	sessionID, _ := cmd.Params["session_id"].(string)
	if sessionID == "" {
		return nil, fmt.Errorf("client: prompt.send requires session_id")
	}

	body := map[string]any{}
	for k, v := range cmd.Params {
		if k != "session_id" {
			body[k] = v
		}
	}

	resp, err := c.post(ctx, "/session/"+sessionID+"/prompt", body)
	if err != nil {
		return nil, err
	}

	ch, err := c.demux.register(cmd.ID)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		sawFinal := false
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			e, err := protocol.DecodeEvent([]byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				continue
			}
			e.CorrelationID = cmd.ID
			c.demux.deliver(e)
			if e.Final {
				sawFinal = true
				break
			}
		}
		if !sawFinal {
			c.demux.deliver(protocol.Event{
				ID:            protocol.NewEventID(),
				Type:          protocol.EventError,
				CorrelationID: cmd.ID,
				Data: map[string]any{
					"code":    protocol.ErrCodeTransportClosed,
					"message": "stream ended before final event",
				},
				Timestamp: protocol.Now(),
				Final:     true,
			})
		}
	}()
	return ch, nil
}

// roundTrip performs one JSON request and synthesizes the terminal event.
func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body map[string]any) protocol.Event {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return transportError(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", c.connID)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return transportError(err)
	}

	e := protocol.Event{
		ID:        protocol.NewEventID(),
		Timestamp: protocol.Now(),
		Final:     true,
	}
	if resp.StatusCode >= 400 {
		e.Type = protocol.EventError
		if detail, ok := payload["error"].(map[string]any); ok {
			e.Data = detail
		} else {
			e.Data = map[string]any{"code": protocol.ErrCodeTransportError, "message": fmt.Sprintf("http %d", resp.StatusCode)}
		}
		return e
	}
	e.Type = protocol.EventResult
	e.Data = payload
	return e
}

func (c *HTTPClient) post(ctx context.Context, path string, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", c.connID)
	return c.http.Do(req)
}

// followEvents tails GET /event, reconnecting with a short pause, and feeds
// uncorrelated records into the notification channel.
func (c *HTTPClient) followEvents(ctx context.Context) {
	for {
		if err := c.streamEvents(ctx); err != nil {
			c.log.Debug().Err(err).Msg("event feed disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (c *HTTPClient) streamEvents(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/event", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Client-ID", c.connID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		e, err := protocol.DecodeEvent([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			continue
		}
		if e.Type == protocol.EventHeartbeat || e.Type == protocol.EventConnected {
			continue
		}
		c.demux.deliver(e)
	}
	return scanner.Err()
}

// Notifications implements Client.
func (c *HTTPClient) Notifications() <-chan protocol.Event {
	return c.demux.notifs
}

// Close implements Client.
func (c *HTTPClient) Close() error {
	c.cancel()
	c.demux.closeAll()
	return nil
}

// routeCommand maps a command onto its REST endpoint.
func routeCommand(cmd protocol.Command) (method, path string, body map[string]any, err error) {
	sessionID, _ := cmd.Params["session_id"].(string)
	rest := map[string]any{}
	for k, v := range cmd.Params {
		if k != "session_id" {
			rest[k] = v
		}
	}

	switch cmd.Cmd {
	case protocol.CmdPing:
		return http.MethodGet, "/ping", nil, nil
	case protocol.CmdCapabilities:
		return http.MethodGet, "/capabilities", nil, nil
	case protocol.CmdSessionCreate:
		return http.MethodPost, "/session", cmd.Params, nil
	case protocol.CmdSessionList:
		return http.MethodGet, "/session/", nil, nil
	case protocol.CmdSessionGet, protocol.CmdSessionInfo:
		if sessionID == "" {
			return "", "", nil, fmt.Errorf("client: %s requires session_id", cmd.Cmd)
		}
		return http.MethodGet, "/session/" + sessionID, nil, nil
	case protocol.CmdSessionDelete:
		if sessionID == "" {
			return "", "", nil, fmt.Errorf("client: %s requires session_id", cmd.Cmd)
		}
		return http.MethodDelete, "/session/" + sessionID, nil, nil
	case protocol.CmdSessionReset:
		if sessionID == "" {
			return "", "", nil, fmt.Errorf("client: %s requires session_id", cmd.Cmd)
		}
		return http.MethodPost, "/session/" + sessionID + "/reset", rest, nil
	case protocol.CmdPromptCancel:
		if sessionID == "" {
			return "", "", nil, fmt.Errorf("client: %s requires session_id", cmd.Cmd)
		}
		return http.MethodPost, "/session/" + sessionID + "/cancel", rest, nil
	case protocol.CmdApprovalRespond:
		if sessionID == "" {
			return "", "", nil, fmt.Errorf("client: %s requires session_id", cmd.Cmd)
		}
		return http.MethodPost, "/session/" + sessionID + "/approval", rest, nil
	default:
		return "", "", nil, fmt.Errorf("client: no HTTP route for %s", cmd.Cmd)
	}
}

func transportError(err error) protocol.Event {
	return protocol.Event{
		ID:        protocol.NewEventID(),
		Type:      protocol.EventError,
		Data:      map[string]any{"code": protocol.ErrCodeTransportError, "message": err.Error()},
		Timestamp: protocol.Now(),
		Final:     true,
	}
}
