package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/bundle/bundletest"
	"github.com/amplifier-ai/runtime/internal/config"
	"github.com/amplifier-ai/runtime/internal/event"
	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/session"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

type fixture struct {
	server  *httptest.Server
	handler *handler.Handler
}

func newFixture(t *testing.T, steps []bundletest.Step) *fixture {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg := &config.Config{
		StorageDir:    t.TempDir(),
		DefaultBundle: "foundation",
		BundleDir:     t.TempDir(),
	}
	bus := event.NewBus()
	bundles := bundle.NewManager(cfg)
	bundles.RegisterFactory(bundletest.Factory(steps, nil))
	st := store.New(cfg.StorageDir, "/work/project")
	sessions := session.NewManager(cfg, st, bundles, bus)
	h := handler.New(cfg, sessions, bundles, bus)

	wsHandler := NewHandler(h)
	router := chi.NewRouter()
	router.Get("/ws", wsHandler.Serve)
	router.Get("/ws/sessions/{sessionID}", wsHandler.ServeSession)

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		ts.Close()
		bus.Close()
	})
	return &fixture{server: ts, handler: h}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readEvent returns the next event message, decoding the embedded protocol
// event.
func readEvent(t *testing.T, conn *websocket.Conn) (serverMessage, protocol.Event) {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, msgEvent, msg.Type)
	data, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	e, err := protocol.DecodeEvent(data)
	require.NoError(t, err)
	return msg, e
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.WriteJSON(msg))
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func (f *fixture) createSession(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	writeMessage(t, conn, clientMessage{
		Type:      msgCommand,
		RequestID: "r-create",
		Payload:   payload(t, map[string]any{"cmd": protocol.CmdSessionCreate, "params": map[string]any{"working_directory": "/work/project"}}),
	})
	_, e := readEvent(t, conn)
	require.Equal(t, protocol.EventResult, e.Type)
	id, _ := e.Data["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestConnectedOnDial(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws")

	msg := readMessage(t, conn)
	assert.Equal(t, msgConnected, msg.Type)
	p := msg.Payload.(map[string]any)
	assert.Equal(t, "1.0", p["protocol_version"])
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws")
	readMessage(t, conn) // connected

	writeMessage(t, conn, clientMessage{Type: msgPing, RequestID: "r1"})
	msg := readMessage(t, conn)
	assert.Equal(t, msgPong, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws")
	readMessage(t, conn)

	writeMessage(t, conn, clientMessage{Type: "nonsense", RequestID: "r1"})
	msg := readMessage(t, conn)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
}

func TestInvalidJSONGetsErrorMessage(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws")
	readMessage(t, conn)

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, msgError, msg.Type)
}

func TestPromptStreamOverWebSocket(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("ws reply"))
	conn := f.dial(t, "/ws")
	readMessage(t, conn)

	id := f.createSession(t, conn)
	writeMessage(t, conn, clientMessage{
		Type:      msgPrompt,
		RequestID: "r-prompt",
		Payload:   payload(t, map[string]any{"session_id": id, "content": "hello"}),
	})

	var got []string
	for {
		msg, e := readEvent(t, conn)
		assert.Equal(t, "r-prompt", msg.RequestID)
		got = append(got, e.Type)
		if e.Final {
			break
		}
	}
	assert.Equal(t, []string{
		protocol.EventAck,
		protocol.EventContentStart,
		protocol.EventContentDelta,
		protocol.EventContentEnd,
		protocol.EventResult,
	}, got)
}

func TestSessionScopedEndpoint(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("scoped"))
	setup := f.dial(t, "/ws")
	readMessage(t, setup)
	id := f.createSession(t, setup)

	conn := f.dial(t, "/ws/sessions/"+id)
	readMessage(t, conn)

	// No session_id in the payload: the path scope supplies it.
	writeMessage(t, conn, clientMessage{
		Type:      msgPrompt,
		RequestID: "r1",
		Payload:   payload(t, map[string]any{"content": "hi"}),
	})

	var final protocol.Event
	for {
		_, e := readEvent(t, conn)
		if e.Final {
			final = e
			break
		}
	}
	assert.Equal(t, protocol.EventResult, final.Type)
	assert.Equal(t, id, final.Data["session_id"])
}

func TestAbortCancelsPrompt(t *testing.T) {
	f := newFixture(t, []bundletest.Step{{Block: true}})
	conn := f.dial(t, "/ws")
	readMessage(t, conn)
	id := f.createSession(t, conn)

	writeMessage(t, conn, clientMessage{
		Type:      msgPrompt,
		RequestID: "r-prompt",
		Payload:   payload(t, map[string]any{"session_id": id, "content": "hang"}),
	})
	// ack arrives, then the stream hangs on the blocked host.
	_, ack := readEvent(t, conn)
	require.Equal(t, protocol.EventAck, ack.Type)

	writeMessage(t, conn, clientMessage{
		Type:      msgAbort,
		RequestID: "r-abort",
		Payload:   payload(t, map[string]any{"session_id": id}),
	})

	sawCancelResult := false
	sawPromptFinal := false
	for !sawCancelResult || !sawPromptFinal {
		msg, e := readEvent(t, conn)
		if msg.RequestID == "r-abort" && e.Final {
			assert.Equal(t, true, e.Data["cancelled"])
			sawCancelResult = true
		}
		if msg.RequestID == "r-prompt" && e.Final {
			sawPromptFinal = true
		}
	}
}

func TestDisconnectCancelsInFlight(t *testing.T) {
	f := newFixture(t, []bundletest.Step{{Block: true}})
	conn := f.dial(t, "/ws")
	readMessage(t, conn)
	id := f.createSession(t, conn)

	writeMessage(t, conn, clientMessage{
		Type:    msgPrompt,
		Payload: payload(t, map[string]any{"session_id": id, "content": "hang"}),
	})
	_, ack := readEvent(t, conn)
	require.Equal(t, protocol.EventAck, ack.Type)

	conn.Close()

	s, err := f.handler.Sessions().Get(id)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return s.State() != session.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
}
