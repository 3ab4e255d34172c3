package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// StdioClient speaks newline-delimited JSON over a reader/writer pair,
// typically a server subprocess's pipes.
type StdioClient struct {
	connID string

	writeMu sync.Mutex
	w       *bufio.Writer

	closer io.Closer
	demux  *demux
	done   chan struct{}
	log    zerolog.Logger
}

// NewStdio wraps an established reader/writer pair. The optional closer is
// invoked on Close.
func NewStdio(r io.Reader, w io.Writer, closer io.Closer) *StdioClient {
	c := &StdioClient{
		connID: uuid.NewString(),
		w:      bufio.NewWriter(w),
		closer: closer,
		demux:  newDemux(),
		done:   make(chan struct{}),
		log:    logging.Component("client"),
	}
	go c.readLoop(r)
	return c
}

// DialStdio starts the named server binary and connects to its pipes. The
// subprocess is killed when ctx ends.
func DialStdio(ctx context.Context, name string, args ...string) (*StdioClient, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return NewStdio(stdout, stdin, stdin), nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (c *StdioClient) readLoop(r io.Reader) {
	defer c.demux.closeAll()
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimPrefix(scanner.Bytes(), utf8BOM)
		line = bytes.TrimSpace(bytes.TrimRight(line, "\r"))
		if len(line) == 0 {
			continue
		}
		e, err := protocol.DecodeEvent(line)
		if err != nil {
			c.log.Debug().Err(err).Str("conn", c.connID).Msg("skipping undecodable line")
			continue
		}
		c.demux.deliver(e)
	}
}

// Do implements Client.
func (c *StdioClient) Do(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error) {
	ensureID(&cmd)
	if cmd.Timestamp == "" {
		cmd.Timestamp = protocol.Now()
	}

	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	ch, err := c.demux.register(cmd.ID)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		c.demux.release(cmd.ID)
		return nil, err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		c.demux.release(cmd.ID)
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		c.demux.release(cmd.ID)
		return nil, err
	}
	return ch, nil
}

// Notifications implements Client.
func (c *StdioClient) Notifications() <-chan protocol.Event {
	return c.demux.notifs
}

// Close implements Client. Closing the write side signals EOF to the server,
// which finishes in-flight work before exiting.
func (c *StdioClient) Close() error {
	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	c.demux.closeAll()
	return err
}

// Done is closed once the server side hangs up.
func (c *StdioClient) Done() <-chan struct{} {
	return c.done
}
