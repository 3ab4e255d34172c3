package session

import (
	"sync"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// Display is the fire-and-forget half of the back-channel: bundle hosts and
// the runtime push human-readable messages at the client without expecting a
// reply. Nesting depth distinguishes output from spawned sub-sessions.
type Display struct {
	mu    sync.Mutex
	depth int
	emit  func(u Update)
}

// NewDisplay creates a display channel emitting through emit.
func NewDisplay(emit func(u Update)) *Display {
	return &Display{emit: emit}
}

// Show pushes one display message. Level defaults to "info".
func (d *Display) Show(text, level, source string) {
	if level == "" {
		level = "info"
	}
	d.mu.Lock()
	depth := d.depth
	d.mu.Unlock()

	data := map[string]any{
		"text":          text,
		"level":         level,
		"nesting_depth": depth,
	}
	if source != "" {
		data["source"] = source
	}
	d.emit(Update{Type: protocol.EventDisplayMessage, Data: data})
}

// PushNesting increments the nesting depth for subsequent messages.
func (d *Display) PushNesting() {
	d.mu.Lock()
	d.depth++
	d.mu.Unlock()
}

// PopNesting decrements the nesting depth, never below zero.
func (d *Display) PopNesting() {
	d.mu.Lock()
	if d.depth > 0 {
		d.depth--
	}
	d.mu.Unlock()
}

// Depth returns the current nesting depth.
func (d *Display) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}
