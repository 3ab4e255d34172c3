// Package client is the consumer-side SDK: it dials a runtime server over
// stdio, HTTP or WebSocket and turns commands into streams of events.
// Correlated events arrive on the channel returned by Do, which closes after
// the final event; uncorrelated side-channel traffic surfaces on
// Notifications.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// ErrClosed is returned by Do after the client has shut down.
var ErrClosed = errors.New("client: closed")

// notificationBuffer bounds the side-channel queue; events beyond it are
// dropped rather than stalling the read loop.
const notificationBuffer = 256

// streamBuffer bounds one command's event queue.
const streamBuffer = 64

// Client issues commands against a runtime server.
type Client interface {
	// Do sends a command and returns its event stream. The channel closes
	// after the final event.
	Do(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error)
	// Notifications returns the uncorrelated side-channel feed.
	Notifications() <-chan protocol.Event
	// Close tears the connection down, closing every open stream.
	Close() error
}

// demux routes inbound events to per-command streams by correlation id.
type demux struct {
	mu      sync.Mutex
	streams map[string]chan protocol.Event
	notifs  chan protocol.Event
	closed  bool
}

func newDemux() *demux {
	return &demux{
		streams: make(map[string]chan protocol.Event),
		notifs:  make(chan protocol.Event, notificationBuffer),
	}
}

// register opens a stream for the given correlation id.
func (d *demux) register(id string) (<-chan protocol.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	ch := make(chan protocol.Event, streamBuffer)
	d.streams[id] = ch
	return ch, nil
}

// deliver routes one event. Final events close and release their stream.
// The lock is held across the send so Close cannot shut a channel with a
// delivery in flight.
func (d *demux) deliver(e protocol.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if e.CorrelationID == "" {
		select {
		case d.notifs <- e:
		default:
		}
		return
	}

	ch, ok := d.streams[e.CorrelationID]
	if !ok {
		return
	}
	if e.Final {
		delete(d.streams, e.CorrelationID)
	}
	ch <- e
	if e.Final {
		close(ch)
	}
}

// release drops a stream without closing it, for abandoned commands.
func (d *demux) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, id)
}

// closeAll shuts every stream and the notification feed.
func (d *demux) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.streams {
		close(ch)
		delete(d.streams, id)
	}
	close(d.notifs)
}

// ensureID fills in a fresh command id when the caller left it empty.
func ensureID(cmd *protocol.Command) {
	if cmd.ID == "" {
		cmd.ID = protocol.NewCommandID()
	}
}
