package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/logging"
)

// ErrConnClosed is returned by Request when the connection goes away before
// the client answers.
var ErrConnClosed = errors.New("acp: connection closed")

// conn runs the JSON-RPC message loop for one connection, independent of the
// underlying transport. Outbound messages are serialized through write;
// server-issued requests are matched to responses via the pending map.
type conn struct {
	adapter *Adapter
	writeFn func(Message) error
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]chan Message

	log zerolog.Logger
}

func newConn(ctx context.Context, adapter *Adapter, write func(Message) error) *conn {
	cctx, cancel := context.WithCancel(ctx)
	return &conn{
		adapter: adapter,
		writeFn: write,
		ctx:     cctx,
		cancel:  cancel,
		pending: make(map[string]chan Message),
		log:     logging.Component("acp"),
	}
}

func (c *conn) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFn(msg)
}

// Notify implements Peer.
func (c *conn) Notify(method string, params any) {
	if err := c.write(newNotification(method, params)); err != nil {
		c.log.Debug().Err(err).Str("method", method).Msg("notify failed")
	}
}

// Request implements Peer: it sends a server-to-client request and blocks
// until the matching response arrives or the context ends.
func (c *conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := fmt.Sprintf("srv_%d", c.nextID.Add(1))
	ch := make(chan Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(newRequest(id, method, params)); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("acp: client error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrConnClosed
	}
}

// handleData processes one raw inbound message.
func (c *conn) handleData(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.write(newError(nil, CodeParseError, "parse error"))
		return
	}

	if msg.IsResponse() {
		c.resolve(msg)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if resp := c.adapter.Handle(c.ctx, msg, c); resp != nil {
			if err := c.write(*resp); err != nil {
				c.log.Debug().Err(err).Msg("response write failed")
			}
		}
	}()
}

// resolve delivers a client response to the goroutine waiting on the matching
// server-issued request. Responses with unknown ids are logged and dropped.
func (c *conn) resolve(msg Message) {
	id, _ := msg.ID.(string)

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Warn().Any("id", msg.ID).Msg("dropping response with unknown id")
		return
	}
	ch <- msg
}

// close tears down the connection, releasing every waiter.
func (c *conn) close() {
	c.cancel()
	c.wg.Wait()
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ServeStdio runs the ACP message loop over newline-delimited JSON on the
// given reader and writer until EOF or context cancellation. EOF is a
// graceful shutdown: in-flight requests finish before teardown.
func ServeStdio(ctx context.Context, adapter *Adapter, r io.Reader, w io.Writer) error {
	out := bufio.NewWriter(w)
	c := newConn(ctx, adapter, func(msg Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		if err := out.WriteByte('\n'); err != nil {
			return err
		}
		return out.Flush()
	})
	defer c.close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimPrefix(scanner.Bytes(), utf8BOM)
		line = bytes.TrimRight(line, "\r")
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.handleData(line)
	}
	return scanner.Err()
}
