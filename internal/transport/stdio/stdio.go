// Package stdio serves the protocol over stdin/stdout as newline-delimited
// JSON. Stdout carries only protocol events; all logging goes to stderr.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Transport reads commands from r and writes events to w, one JSON document
// per LF-terminated line. Input lines tolerate CRLF and a leading BOM.
type Transport struct {
	handler *handler.Handler
	r       io.Reader

	mu sync.Mutex
	w  *bufio.Writer

	log zerolog.Logger
}

// New creates a stdio transport.
func New(h *handler.Handler, r io.Reader, w io.Writer) *Transport {
	return &Transport{
		handler: h,
		r:       r,
		w:       bufio.NewWriter(w),
		log:     logging.Component("stdio"),
	}
}

// Serve runs the read loop until EOF (graceful shutdown, returns nil) or ctx
// cancellation. Commands run concurrently so the approval back-channel stays
// responsive while a prompt streams; in-flight work is cancelled when the
// loop exits.
func (t *Transport) Serve(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	// EOF is a graceful shutdown: let in-flight streams finish before the
	// connection context is torn down. A cancelled parent ctx still aborts
	// them immediately.
	defer cancel()
	defer wg.Wait()

	t.write(protocol.Event{
		ID:        protocol.NewEventID(),
		Type:      protocol.EventConnected,
		Data:      map[string]any{"protocol_version": handler.ProtocolVersion, "version": handler.Version},
		Timestamp: protocol.Now(),
	})

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimPrefix(scanner.Bytes(), utf8BOM)
		line = bytes.TrimRight(line, "\r")
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			t.log.Warn().Err(err).Msg("unparseable command line")
			t.write(protocol.Event{
				ID:        protocol.NewEventID(),
				Type:      protocol.EventError,
				Data:      map[string]any{"code": protocol.ErrCodeParseError, "message": err.Error()},
				Timestamp: protocol.Now(),
				Final:     true,
			})
			continue
		}

		t.attachSend(cmd)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range t.handler.Handle(connCtx, cmd) {
				t.write(e)
				if e.Final && e.Type == protocol.EventResult {
					t.attachFromResult(e)
				}
			}
		}()
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	t.log.Debug().Msg("stdin closed, shutting down")
	return nil
}

// attachSend points the command's session at this connection so uncorrelated
// events (approvals, display messages) reach the client.
func (t *Transport) attachSend(cmd protocol.Command) {
	id, _ := cmd.Params["session_id"].(string)
	t.attach(id)
}

func (t *Transport) attachFromResult(e protocol.Event) {
	id, _ := e.Data["session_id"].(string)
	t.attach(id)
}

func (t *Transport) attach(id string) {
	if id == "" {
		return
	}
	if s, err := t.handler.Sessions().Get(id); err == nil {
		s.SetSend(t.write)
	}
}

func (t *Transport) write(e protocol.Event) {
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		t.log.Error().Err(err).Str("eventType", e.Type).Msg("encode event failed")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Write(data)
	t.w.WriteByte('\n')
	if err := t.w.Flush(); err != nil {
		t.log.Error().Err(err).Msg("stdout write failed")
	}
}
