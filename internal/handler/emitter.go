package handler

import (
	"context"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// emitter stamps correlation id and sequence onto every event of one
// command's response stream. Sequence counts from 0; exactly one final event
// is emitted, after which the emitter goes quiet.
type emitter struct {
	ctx           context.Context
	correlationID string
	seq           int
	out           chan<- protocol.Event
	done          bool
}

func (e *emitter) send(eventType string, data map[string]any, final bool) {
	if e.done {
		return
	}
	if final {
		e.done = true
	}

	seq := e.seq
	e.seq++
	ev := protocol.Event{
		ID:            protocol.NewEventID(),
		Type:          eventType,
		CorrelationID: e.correlationID,
		Data:          data,
		Timestamp:     protocol.Now(),
		Sequence:      &seq,
		Final:         final,
	}

	select {
	case e.out <- ev:
	case <-e.ctx.Done():
		e.done = true
	}
}

// emit yields an intermediate event.
func (e *emitter) emit(eventType string, data map[string]any) {
	e.send(eventType, data, false)
}

// final yields a terminal event of an arbitrary type (ping's pong).
func (e *emitter) final(eventType string, data map[string]any) {
	e.send(eventType, data, true)
}

// result yields the terminal success event.
func (e *emitter) result(data map[string]any) {
	e.send(protocol.EventResult, data, true)
}

// fail yields the terminal error event with a code and message.
func (e *emitter) fail(code, message string) {
	e.send(protocol.EventError, map[string]any{"code": code, "message": message}, true)
}

// finalError yields the terminal error event with a prebuilt payload.
func (e *emitter) finalError(data map[string]any) {
	e.send(protocol.EventError, data, true)
}
