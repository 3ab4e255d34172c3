package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/config"
	"github.com/amplifier-ai/runtime/internal/event"
	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// ErrNotFound aliases the store's not-found error so callers match one value
// whether a session is missing from memory or from disk.
var ErrNotFound = store.ErrNotFound

// ErrBusy is returned when an operation requires an idle session.
var ErrBusy = fmt.Errorf("session is busy")

// CreateOptions configure a new session.
type CreateOptions struct {
	Bundle           string
	Provider         string
	Model            string
	Behaviors        []string
	Inline           map[string]any
	WorkingDirectory string
	// ParentID marks the session as a spawned child of an existing session.
	ParentID string
	// ACP sessions get the JSON-RPC transport's id prefix.
	ACP bool
}

// Manager owns the session map and drives the lifecycle state machine. The
// store is nil when persistence is disabled; every persistence call checks.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	bundles *bundle.Manager
	bus     *event.Bus
	log     zerolog.Logger

	approvalTimeout time.Duration
	approvalDefault string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. st may be nil to disable persistence.
func NewManager(cfg *config.Config, st *store.Store, bundles *bundle.Manager, bus *event.Bus) *Manager {
	return &Manager{
		cfg:             cfg,
		store:           st,
		bundles:         bundles,
		bus:             bus,
		log:             logging.Component("session"),
		approvalTimeout: DefaultApprovalTimeout,
		approvalDefault: "deny",
		sessions:        make(map[string]*Session),
	}
}

// SetApprovalPolicy overrides the broker timeout and default choice used for
// sessions created afterwards.
func (m *Manager) SetApprovalPolicy(timeout time.Duration, defaultChoice string) {
	m.approvalTimeout = timeout
	m.approvalDefault = defaultChoice
}

// Create builds, initializes and registers a session. On bundle load failure
// the session is registered in the error state and the error returned, so
// the failure reason stays queryable.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.WorkingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.WorkingDirectory = wd
		}
	}
	return m.createWithID(ctx, m.allocateID(opts), opts)
}

// initialize wires hooks and loads the bundle host. Only valid in created.
func (m *Manager) initialize(ctx context.Context, s *Session, opts CreateOptions) error {
	if s.State() != StateCreated {
		return fmt.Errorf("initialize called in state %q", s.State())
	}

	def := bundle.Definition{
		Name:      opts.Bundle,
		Provider:  opts.Provider,
		Model:     opts.Model,
		Behaviors: opts.Behaviors,
		Inline:    opts.Inline,
	}
	host, err := m.bundles.Load(ctx, def, m.hooks(s))
	if err != nil {
		return err
	}
	s.host = host
	return nil
}

// hooks builds the back-channel callbacks handed to a session's bundle host.
func (m *Manager) hooks(s *Session) bundle.Hooks {
	return bundle.Hooks{
		RequestApproval: func(ctx context.Context, prompt string, options []string) (string, error) {
			// The approval wait is the one place a running turn suspends on
			// the client; surface it in the lifecycle state.
			prev := s.State()
			if prev == StateRunning {
				s.setState(StateWaitingApproval)
				m.publishState(s)
			}
			choice, err := s.approvals.Request(ctx, prompt, options)
			if prev == StateRunning && s.State() == StateWaitingApproval {
				s.setState(StateRunning)
				m.publishState(s)
			}
			return choice, err
		},
		ShowMessage: func(text, level string) {
			s.display.Show(text, level, s.ID)
		},
	}
}

// Get returns an in-memory session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// Resolve returns an in-memory session, falling back to resuming a persisted
// one when the store has it.
func (m *Manager) Resolve(ctx context.Context, id string) (*Session, error) {
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return m.Resume(ctx, id)
}

// List returns session entries, persisted and live, newest first. Live
// sessions overlay their current state on whatever the store has.
func (m *Manager) List(ctx context.Context, opts store.ListOptions) ([]store.ListEntry, error) {
	var entries []store.ListEntry
	if m.store != nil {
		var err error
		entries, err = m.store.ListSessions(ctx, opts)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		seen[entry.SessionID] = i
	}

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		if opts.TopLevelOnly && store.IsSubSession(s.ID) {
			continue
		}
		meta := s.metadata()
		if opts.MinTurns > 0 && meta.TurnCount < opts.MinTurns {
			continue
		}
		if opts.State != "" && meta.State != opts.State {
			continue
		}
		if i, ok := seen[s.ID]; ok {
			entries[i].Metadata = meta
		} else {
			entries = append(entries, store.ListEntry{SessionID: s.ID, Metadata: meta})
		}
	}

	sortEntries(entries)
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// Delete removes a session from memory and disk. A running execution is
// awaited first; deletion never yanks a session out from under a turn.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		// Not live; still try the persisted copy.
		if m.store != nil {
			if derr := m.store.DeleteSession(ctx, id); derr == nil {
				m.bus.Publish(m.stamp(protocol.EventSessionDeleted, map[string]any{"session_id": id}))
				return nil
			}
		}
		return err
	}

	if err := m.awaitIdle(ctx, s); err != nil {
		return err
	}

	s.approvals.CancelAll()
	if s.host != nil {
		s.host.Cancel()
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSession(ctx, id); err != nil && err != store.ErrNotFound {
			return err
		}
	}

	m.bus.Publish(m.stamp(protocol.EventSessionDeleted, map[string]any{"session_id": id}))
	m.log.Info().Str("sessionID", id).Msg("session deleted")
	return nil
}

// Reset cancels any in-flight work and reloads the session's bundle host.
// With preserveHistory the transcript is kept and re-seeded into the new
// host; otherwise history and turn count start over.
func (m *Manager) Reset(ctx context.Context, id, bundleName string, preserveHistory bool) (*Session, error) {
	s, err := m.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	m.CancelExecution(s)
	if err := m.awaitIdle(ctx, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if bundleName != "" {
		s.bundleName = bundleName
	}
	name := s.bundleName
	if !preserveHistory {
		s.transcript = nil
		s.turnCount = 0
	}
	s.errMsg = ""
	s.state = StateCreated
	s.cancelled.Store(false)
	transcript := s.transcript
	s.mu.Unlock()

	host, err := m.bundles.Load(ctx, bundle.Definition{Name: name}, m.hooks(s))
	if err != nil {
		s.setError(err.Error())
		m.persistMeta(ctx, s)
		return nil, err
	}
	s.host = host
	if preserveHistory && len(transcript) > 0 {
		host.SeedContext(toBundleMessages(transcript))
	}

	s.setState(StateReady)
	m.persist(ctx, s)
	m.bus.Publish(m.stamp(protocol.EventSessionUpdated, s.Info().DataMap()))
	return s, nil
}

// Resume reconstructs a persisted session in the ready state and seeds the
// bundle host's context with the stored transcript.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s, err := m.Get(id); err == nil {
		return s, nil
	}

	transcript, meta, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	bundleName := meta.Bundle
	if bundleName == "" {
		bundleName = m.bundles.DefaultBundle()
	}

	s := &Session{
		ID:         id,
		state:      StateCreated,
		bundleName: bundleName,
		cwd:        meta.Cwd,
		turnCount:  meta.TurnCount,
		parentID:   meta.ParentSessionID,
		transcript: transcript,
		createdAt:  parseTimeOr(meta.Created, time.Now()),
		updatedAt:  parseTimeOr(meta.Updated, time.Now()),
	}
	s.approvals = NewBroker(m.approvalTimeout, m.approvalDefault, func(u Update) {
		m.emitSide(s, u)
	})
	s.display = NewDisplay(func(u Update) {
		m.emitSide(s, u)
	})

	host, err := m.bundles.Load(ctx, bundle.Definition{Name: bundleName}, m.hooks(s))
	if err != nil {
		return nil, err
	}
	s.host = host
	if len(transcript) > 0 {
		host.SeedContext(toBundleMessages(transcript))
	}

	s.setState(StateReady)
	m.register(s)
	m.persistMeta(ctx, s)
	m.log.Info().Str("sessionID", id).Int("messages", len(transcript)).Msg("session resumed")
	return s, nil
}

// Spawn creates a child session of parent. The child id extends the parent's
// with an underscore-separated ordinal, which is what marks it as a
// sub-session on disk and in listings.
func (m *Manager) Spawn(ctx context.Context, parentID string, opts CreateOptions) (*Session, error) {
	parent, err := m.Get(parentID)
	if err != nil {
		return nil, err
	}

	parent.mu.Lock()
	parent.children++
	n := parent.children
	parent.mu.Unlock()

	opts.ParentID = parentID
	if opts.WorkingDirectory == "" {
		opts.WorkingDirectory = parent.Info().Cwd
	}

	parent.display.PushNesting()
	child, err := m.createWithID(ctx, fmt.Sprintf("%s_%s", parentID, strconv.Itoa(n)), opts)
	if err != nil {
		parent.display.PopNesting()
		return nil, err
	}
	// Child shares the parent's display so its output renders nested.
	child.display = parent.display
	return child, nil
}

// ReleaseChild pops the parent's display nesting after a spawned child ends.
func (m *Manager) ReleaseChild(parentID string) {
	if parent, err := m.Get(parentID); err == nil {
		parent.display.PopNesting()
	}
}

// Cancel aborts a session's in-flight execution: sets the cancel flag,
// resolves pending approvals to deny, and forwards cancel to the host.
func (m *Manager) Cancel(ctx context.Context, id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.CancelExecution(s)
	return s, nil
}

// CancelExecution performs the cancel steps on a session handle directly.
func (m *Manager) CancelExecution(s *Session) {
	s.cancelled.Store(true)

	s.mu.Lock()
	stop := s.execStop
	host := s.host
	s.mu.Unlock()

	s.approvals.CancelAll()
	if stop != nil {
		stop()
	}
	if host != nil {
		host.Cancel()
	}
}

// CleanupOld removes persisted sessions unused for the given number of days.
func (m *Manager) CleanupOld(ctx context.Context, days int) ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.CleanupOldSessions(ctx, days)
}

// Close cancels every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		m.CancelExecution(s)
	}
}

func (m *Manager) allocateID(opts CreateOptions) string {
	if opts.ACP {
		return protocol.NewACPSessionID()
	}
	return protocol.NewSessionID()
}

func (m *Manager) createWithID(ctx context.Context, id string, opts CreateOptions) (*Session, error) {
	cwd := opts.WorkingDirectory
	bundleName := opts.Bundle
	if bundleName == "" && opts.Inline == nil {
		bundleName = m.bundles.DefaultBundle()
	}

	now := time.Now()
	s := &Session{
		ID:         id,
		state:      StateCreated,
		bundleName: bundleName,
		cwd:        cwd,
		createdAt:  now,
		updatedAt:  now,
		parentID:   opts.ParentID,
	}
	s.approvals = NewBroker(m.approvalTimeout, m.approvalDefault, func(u Update) {
		m.emitSide(s, u)
	})
	s.display = NewDisplay(func(u Update) {
		m.emitSide(s, u)
	})

	m.register(s)

	if err := m.initialize(ctx, s, opts); err != nil {
		s.setError(err.Error())
		m.persistMeta(ctx, s)
		return s, err
	}

	s.setState(StateReady)
	m.persistMeta(ctx, s)
	m.bus.Publish(m.stamp(protocol.EventSessionCreated, s.Info().DataMap()))
	m.log.Info().Str("sessionID", s.ID).Str("bundle", bundleName).Msg("session created")
	return s, nil
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// awaitIdle blocks until the session's current execution (if any) finishes.
func (m *Manager) awaitIdle(ctx context.Context, s *Session) error {
	s.mu.Lock()
	done := s.execDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emitSide pushes an uncorrelated event through the session's transport send
// function and the event bus. When a streaming execution is active the same
// update is also injected into its correlated stream, so clients following a
// prompt see approvals and display messages in order.
func (m *Manager) emitSide(s *Session, u Update) {
	e := m.stamp(u.Type, u.Data)
	if send := s.sendFunc(); send != nil {
		send(e)
	}
	m.bus.Publish(e)
	s.forwardCorrelated(u)
}

// stamp materializes an uncorrelated protocol event from an update.
func (m *Manager) stamp(eventType string, data map[string]any) protocol.Event {
	return protocol.Event{
		ID:        protocol.NewEventID(),
		Type:      eventType,
		Data:      data,
		Timestamp: protocol.Now(),
	}
}

func (m *Manager) publishState(s *Session) {
	info := s.Info()
	m.bus.Publish(m.stamp(protocol.EventSessionState, map[string]any{
		"session_id": info.SessionID,
		"state":      string(info.State),
	}))
}

// persist writes transcript and metadata; persistMeta writes metadata only.
func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, s.ID, s.Transcript(), s.metadata()); err != nil {
		m.log.Error().Err(err).Str("sessionID", s.ID).Msg("persist session failed")
	}
}

func (m *Manager) persistMeta(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveMetadata(ctx, s.ID, s.metadata()); err != nil {
		m.log.Error().Err(err).Str("sessionID", s.ID).Msg("persist metadata failed")
	}
}

func toBundleMessages(transcript []store.Message) []bundle.Message {
	out := make([]bundle.Message, 0, len(transcript))
	for _, msg := range transcript {
		out = append(out, bundle.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func parseTimeOr(s string, fallback time.Time) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t
}

func sortEntries(entries []store.ListEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.Updated > entries[j].Metadata.Updated
	})
}
