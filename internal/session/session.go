// Package session owns the per-session lifecycle: the state machine, turn
// execution against a bundle host, the approval and display back-channels,
// and persistence after each turn.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated         State = "created"
	StateReady           State = "ready"
	StateRunning         State = "running"
	StateWaitingApproval State = "waiting_approval"
	StatePaused          State = "paused"
	StateCompleted       State = "completed"
	StateError           State = "error"
	StateCancelled       State = "cancelled"
)

// Update is an unstamped protocol event: type plus payload. The command
// handler stamps correlation id and sequence; the session manager wraps
// side-channel updates into uncorrelated events itself.
type Update struct {
	Type string
	Data map[string]any
}

// SendFunc pushes an uncorrelated event to whichever transport currently
// serves this session. The reference is replaceable: reconnecting a
// transport swaps it without the session ever owning the transport.
type SendFunc func(e protocol.Event)

// Session is one stateful conversation with a bundle host.
type Session struct {
	ID string

	mu         sync.Mutex
	state      State
	bundleName string
	cwd        string
	turnCount  int
	createdAt  time.Time
	updatedAt  time.Time
	parentID   string
	errMsg     string
	transcript []store.Message
	children   int

	host      bundle.Host
	approvals *Broker
	display   *Display

	// cancelled is the per-session cancel signal, observed at every yield
	// point of an in-flight execution.
	cancelled atomic.Bool
	execStop  func()
	execDone  chan struct{}

	// corrEmit injects side-channel updates into the active streaming
	// correlation; nil between turns.
	corrMu   sync.Mutex
	corrEmit func(u Update)

	send atomic.Value // SendFunc
}

// Info is an externally visible session snapshot.
type Info struct {
	SessionID       string `json:"session_id"`
	State           State  `json:"state"`
	Bundle          string `json:"bundle"`
	Cwd             string `json:"cwd"`
	TurnCount       int    `json:"turn_count"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:       s.ID,
		State:           s.state,
		Bundle:          s.bundleName,
		Cwd:             s.cwd,
		TurnCount:       s.turnCount,
		CreatedAt:       s.createdAt.Format(time.RFC3339Nano),
		UpdatedAt:       s.updatedAt.Format(time.RFC3339Nano),
		ParentSessionID: s.parentID,
		Error:           s.errMsg,
	}
}

// DataMap renders the snapshot as event payload data.
func (i Info) DataMap() map[string]any {
	data := map[string]any{
		"session_id": i.SessionID,
		"state":      string(i.State),
		"bundle":     i.Bundle,
		"cwd":        i.Cwd,
		"turn_count": i.TurnCount,
		"created_at": i.CreatedAt,
		"updated_at": i.UpdatedAt,
	}
	if i.ParentSessionID != "" {
		data["parent_session_id"] = i.ParentSessionID
	}
	if i.Error != "" {
		data["error"] = i.Error
	}
	return data
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns a copy of the in-memory message log.
func (s *Session) Transcript() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Approvals returns the session's approval broker.
func (s *Session) Approvals() *Broker {
	return s.approvals
}

// Display returns the session's display back-channel.
func (s *Session) Display() *Display {
	return s.display
}

// SetSend replaces the transport send function. A nil fn detaches the
// session from its transport; side-channel events are then bus-only.
func (s *Session) SetSend(fn SendFunc) {
	s.send.Store(sendBox{fn: fn})
}

type sendBox struct{ fn SendFunc }

func (s *Session) sendFunc() SendFunc {
	if box, ok := s.send.Load().(sendBox); ok {
		return box.fn
	}
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.state = StateError
	s.errMsg = msg
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) metadata() store.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Metadata{
		Bundle:          s.bundleName,
		TurnCount:       s.turnCount,
		Created:         s.createdAt.Format(time.RFC3339Nano),
		Updated:         s.updatedAt.Format(time.RFC3339Nano),
		Cwd:             s.cwd,
		ParentSessionID: s.parentID,
		State:           string(s.state),
		Error:           s.errMsg,
	}
}

// forwardCorrelated injects a side-channel update into the active streaming
// correlation, if one is running. No-op between turns.
func (s *Session) forwardCorrelated(u Update) {
	s.corrMu.Lock()
	emit := s.corrEmit
	s.corrMu.Unlock()
	if emit != nil {
		emit(u)
	}
}

func (s *Session) setCorrEmit(fn func(u Update)) {
	s.corrMu.Lock()
	s.corrEmit = fn
	s.corrMu.Unlock()
}

func (s *Session) appendTranscript(msg store.Message) {
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.updatedAt = time.Now()
	s.mu.Unlock()
}
