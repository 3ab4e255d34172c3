package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// Result summarizes a finished turn.
type Result struct {
	SessionID string
	State     State
	Turn      int
	// Err is set when the turn ended in an execution error. The update
	// stream already carried the error event; Err lets the handler pick the
	// terminal envelope.
	Err error
}

// Execute runs one turn: appends the user message, streams mapped host
// events on the returned channel, then persists the transcript. The channel
// closes when the turn finishes; the Result func reports the outcome and
// must be called only after the channel closes.
//
// Valid only in ready or paused; returns ErrBusy otherwise.
func (m *Manager) Execute(ctx context.Context, s *Session, prompt string) (<-chan Update, func() Result, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: state %q", ErrBusy, state)
	}
	s.state = StateRunning
	s.turnCount++
	turn := s.turnCount
	s.cancelled.Store(false)
	s.updatedAt = time.Now()
	host := s.host
	done := make(chan struct{})
	s.execDone = done
	s.mu.Unlock()

	m.publishState(s)

	userMsg := store.Message{Role: "user", Content: prompt, Timestamp: protocol.Now()}
	s.appendTranscript(userMsg)
	m.appendPersisted(ctx, s, userMsg)

	execCtx, stop := context.WithCancel(ctx)
	s.mu.Lock()
	s.execStop = stop
	s.mu.Unlock()

	events, err := host.Execute(execCtx, prompt)
	if err != nil {
		stop()
		s.setError(err.Error())
		m.publishState(s)
		m.persistMeta(ctx, s)
		close(done)
		return nil, nil, err
	}

	out := make(chan Update, 64)
	result := &Result{SessionID: s.ID, Turn: turn}

	s.setCorrEmit(func(u Update) {
		select {
		case out <- u:
		case <-execCtx.Done():
		}
	})

	go func() {
		defer close(done)
		defer close(out)
		defer stop()
		defer s.setCorrEmit(nil)

		var assistant strings.Builder
		var execErr error

	loop:
		for {
			select {
			case <-execCtx.Done():
				break loop
			case ev, ok := <-events:
				if !ok {
					break loop
				}
				if s.cancelled.Load() {
					break loop
				}

				if ev.Type == bundle.EventContentBlockEnd {
					if text := blockText(ev.Data); text != "" {
						assistant.WriteString(text)
					}
				}
				if ev.Type == bundle.EventError {
					msg, _ := ev.Data["message"].(string)
					if msg == "" {
						msg = "bundle execution failed"
					}
					execErr = fmt.Errorf("%s", msg)
				}

				u, ok := mapHostEvent(ev, m.cfg.ShowThinkingEnabled())
				if !ok {
					continue
				}
				select {
				case out <- u:
				case <-execCtx.Done():
					break loop
				}
				if u.Type == protocol.EventError {
					break loop
				}
			}
		}

		if text := assistant.String(); text != "" {
			msg := store.Message{Role: "assistant", Content: text, Timestamp: protocol.Now()}
			s.appendTranscript(msg)
			m.appendPersisted(ctx, s, msg)
		}

		switch {
		case s.cancelled.Load():
			s.setState(StateCancelled)
			result.Err = execErr
		case execErr != nil:
			s.setError(execErr.Error())
			result.Err = execErr
		case execCtx.Err() != nil && ctx.Err() != nil:
			// Parent context gone: connection closed mid-turn.
			s.setState(StateCancelled)
			result.Err = ctx.Err()
		default:
			s.setState(StateReady)
		}

		s.mu.Lock()
		s.execStop = nil
		s.execDone = nil
		s.mu.Unlock()

		m.persistMeta(context.WithoutCancel(ctx), s)
		m.publishState(s)
		result.State = s.State()
	}()

	return out, func() Result { return *result }, nil
}

// appendPersisted streams one message to the on-disk transcript so a crash
// mid-turn loses at most the in-flight assistant message.
func (m *Manager) appendPersisted(ctx context.Context, s *Session, msg store.Message) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendMessage(context.WithoutCancel(ctx), s.ID, msg); err != nil {
		m.log.Error().Err(err).Str("sessionID", s.ID).Msg("append transcript failed")
	}
}
