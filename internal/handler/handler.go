// Package handler dispatches protocol commands to the session manager and
// streams back correlated events. Every transport funnels through Handle, so
// the correlation and sequencing rules live in exactly one place.
package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/config"
	"github.com/amplifier-ai/runtime/internal/event"
	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/internal/session"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// Version is the server version reported by capabilities.
const Version = "0.4.0"

// ProtocolVersion is the wire protocol version.
const ProtocolVersion = "1.0"

// Handler routes commands to the session manager.
type Handler struct {
	cfg      *config.Config
	sessions *session.Manager
	bundles  *bundle.Manager
	bus      *event.Bus
}

// New creates a command handler.
func New(cfg *config.Config, sessions *session.Manager, bundles *bundle.Manager, bus *event.Bus) *Handler {
	return &Handler{cfg: cfg, sessions: sessions, bundles: bundles, bus: bus}
}

// Sessions exposes the session manager to transports that need direct access
// (send-function attachment, disconnect cancellation).
func (h *Handler) Sessions() *session.Manager {
	return h.sessions
}

// Handle dispatches a command. The returned channel yields the correlated
// event stream and closes after the terminal event. Every event carries the
// command id as correlation id and a contiguous sequence starting at 0; the
// last event has final=true.
func (h *Handler) Handle(ctx context.Context, cmd protocol.Command) <-chan protocol.Event {
	out := make(chan protocol.Event, 64)
	em := &emitter{ctx: ctx, correlationID: cmd.ID, out: out}

	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				logging.Error().
					Str("cmd", cmd.Cmd).
					Any("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("command handler panicked")
				em.fail(protocol.ErrCodeHandler, fmt.Sprintf("internal error: %v", r))
			}
		}()
		h.dispatch(ctx, cmd, em)
	}()

	return out
}

func (h *Handler) dispatch(ctx context.Context, cmd protocol.Command, em *emitter) {
	p := params(cmd.Params)

	switch cmd.Cmd {
	case protocol.CmdPing:
		em.final(protocol.EventPong, map[string]any{"timestamp": protocol.Now()})

	case protocol.CmdCapabilities:
		em.result(h.capabilities())

	case protocol.CmdSessionCreate:
		h.sessionCreate(ctx, p, em)

	case protocol.CmdSessionGet:
		h.sessionGet(ctx, p, em, true)

	case protocol.CmdSessionInfo:
		h.sessionGet(ctx, p, em, false)

	case protocol.CmdSessionList:
		h.sessionList(ctx, p, em)

	case protocol.CmdSessionDelete:
		h.sessionDelete(ctx, p, em)

	case protocol.CmdSessionReset:
		h.sessionReset(ctx, p, em)

	case protocol.CmdPromptSend:
		h.promptSend(ctx, p, em)

	case protocol.CmdPromptCancel:
		h.promptCancel(ctx, p, em)

	case protocol.CmdApprovalRespond:
		h.approvalRespond(ctx, p, em)

	case protocol.CmdConfigGet:
		em.result(map[string]any{
			"storage_dir":    h.cfg.StorageDir,
			"no_persist":     h.cfg.NoPersist,
			"default_bundle": h.cfg.DefaultBundle,
			"bundle_dir":     h.cfg.BundleDir,
			"show_thinking":  h.cfg.ShowThinkingEnabled(),
		})

	case protocol.CmdProviderList:
		providers := config.DetectProviders()
		names := make([]string, 0, len(providers))
		for _, p := range providers {
			names = append(names, p.Name)
		}
		data := map[string]any{"providers": names}
		if def := config.DefaultProvider(); def != "" {
			data["default"] = def
		}
		em.result(data)

	case protocol.CmdBundleList:
		em.result(map[string]any{
			"bundles": h.bundles.List(),
			"default": h.bundles.DefaultBundle(),
		})

	case protocol.CmdBundleAdd:
		h.bundleAdd(p, em)

	case protocol.CmdBundleRemove:
		h.bundleRemove(p, em)

	case protocol.CmdBundleInstall:
		h.bundleInstall(ctx, p, em)

	case protocol.CmdAgentsList:
		// Agents are the installed bundles from the runtime's point of view;
		// finer-grained agent inventories live inside the bundle host.
		em.result(map[string]any{"agents": h.bundles.List()})

	case protocol.CmdToolsList:
		em.result(map[string]any{"tools": []string{}})

	case protocol.CmdSlashCommandsList:
		em.result(map[string]any{"slash_commands": []string{}})

	default:
		em.fail(protocol.ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd.Cmd))
	}
}

func (h *Handler) capabilities() map[string]any {
	commands := protocol.Commands()
	sort.Strings(commands)
	return map[string]any{
		"version":          Version,
		"protocol_version": ProtocolVersion,
		"commands":         commands,
		"events": []string{
			protocol.EventResult, protocol.EventError, protocol.EventAck,
			protocol.EventContentStart, protocol.EventContentDelta, protocol.EventContentEnd,
			protocol.EventThinkingDelta, protocol.EventThinkingEnd,
			protocol.EventToolCall, protocol.EventToolResult, protocol.EventToolError,
			protocol.EventSessionCreated, protocol.EventSessionUpdated,
			protocol.EventSessionDeleted, protocol.EventSessionState,
			protocol.EventApprovalRequired, protocol.EventApprovalResolved, protocol.EventApprovalTimeout,
			protocol.EventDisplayMessage, protocol.EventConnected, protocol.EventPong,
			protocol.EventNotification, protocol.EventHeartbeat,
			protocol.EventInstallProgress,
		},
		"features": map[string]any{
			"streaming":    true,
			"approvals":    true,
			"persistence":  !h.cfg.NoPersist,
			"sub_sessions": true,
		},
	}
}

func (h *Handler) sessionCreate(ctx context.Context, p params, em *emitter) {
	opts := session.CreateOptions{
		Bundle:           p.str("bundle"),
		Provider:         p.str("provider"),
		Model:            p.str("model"),
		Behaviors:        p.strs("behaviors"),
		Inline:           p.obj("bundle_definition"),
		WorkingDirectory: p.str("working_directory"),
		ACP:              p.boolean("acp"),
	}

	var (
		s   *session.Session
		err error
	)
	if parent := p.str("parent_session_id"); parent != "" {
		s, err = h.sessions.Spawn(ctx, parent, opts)
	} else {
		s, err = h.sessions.Create(ctx, opts)
	}
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			em.fail(protocol.ErrCodeSessionNotFound, err.Error())
			return
		}
		em.fail(protocol.ErrCodeBundleError, err.Error())
		return
	}

	info := s.Info()
	em.result(map[string]any{
		"session_id": info.SessionID,
		"state":      string(info.State),
		"bundle":     info.Bundle,
	})
}

func (h *Handler) sessionGet(ctx context.Context, p params, em *emitter, withMessages bool) {
	id := p.str("session_id")
	if id == "" {
		em.fail(protocol.ErrCodeValidation, "session_id is required")
		return
	}
	s, err := h.sessions.Resolve(ctx, id)
	if err != nil {
		em.fail(protocol.ErrCodeSessionNotFound, err.Error())
		return
	}

	data := s.Info().DataMap()
	if withMessages {
		transcript := s.Transcript()
		messages := make([]map[string]any, 0, len(transcript))
		for _, msg := range transcript {
			messages = append(messages, map[string]any{
				"role":      msg.Role,
				"content":   msg.Content,
				"timestamp": msg.Timestamp,
			})
		}
		data["messages"] = messages
	}
	em.result(data)
}

func (h *Handler) sessionList(ctx context.Context, p params, em *emitter) {
	entries, err := h.sessions.List(ctx, store.ListOptions{
		TopLevelOnly: p.boolean("top_level_only"),
		MinTurns:     p.integer("min_turns"),
		State:        p.str("state"),
		Limit:        p.integer("limit"),
	})
	if err != nil {
		em.fail(protocol.ErrCodeExecution, err.Error())
		return
	}

	sessions := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		sessions = append(sessions, map[string]any{
			"session_id": entry.SessionID,
			"bundle":     entry.Metadata.Bundle,
			"state":      entry.Metadata.State,
			"turn_count": entry.Metadata.TurnCount,
			"created":    entry.Metadata.Created,
			"updated":    entry.Metadata.Updated,
			"cwd":        entry.Metadata.Cwd,
		})
	}
	em.result(map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (h *Handler) sessionDelete(ctx context.Context, p params, em *emitter) {
	id := p.str("session_id")
	if id == "" {
		em.fail(protocol.ErrCodeValidation, "session_id is required")
		return
	}
	if err := h.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			em.fail(protocol.ErrCodeSessionNotFound, err.Error())
			return
		}
		em.fail(protocol.ErrCodeExecution, err.Error())
		return
	}
	em.result(map[string]any{"deleted": true, "session_id": id})
}

func (h *Handler) sessionReset(ctx context.Context, p params, em *emitter) {
	id := p.str("session_id")
	if id == "" {
		em.fail(protocol.ErrCodeValidation, "session_id is required")
		return
	}

	em.emit(protocol.EventAck, map[string]any{"command": protocol.CmdSessionReset})
	em.emit("session.reset.started", map[string]any{"session_id": id})

	s, err := h.sessions.Reset(ctx, id, p.str("bundle"), p.boolean("preserve_history"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			em.fail(protocol.ErrCodeSessionNotFound, err.Error())
			return
		}
		em.fail(protocol.ErrCodeBundleError, err.Error())
		return
	}

	info := s.Info()
	em.emit("session.reset.completed", map[string]any{
		"session_id": id,
		"state":      string(info.State),
		"bundle":     info.Bundle,
	})
	em.result(map[string]any{"session_id": id, "state": string(info.State)})
}

func (h *Handler) promptSend(ctx context.Context, p params, em *emitter) {
	id := p.str("session_id")
	if id == "" {
		em.fail(protocol.ErrCodeValidation, "session_id is required")
		return
	}
	content, ok := promptContent(p["content"])
	if !ok {
		em.fail(protocol.ErrCodeValidation, "content must be a string or a list of content parts")
		return
	}

	s, err := h.sessions.Resolve(ctx, id)
	if err != nil {
		em.fail(protocol.ErrCodeSessionNotFound, err.Error())
		return
	}

	em.emit(protocol.EventAck, map[string]any{"command": protocol.CmdPromptSend, "session_id": id})

	updates, result, err := h.sessions.Execute(ctx, s, content)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			em.finalError(map[string]any{
				"code":    protocol.ErrCodeValidation,
				"message": err.Error(),
				"state":   string(s.State()),
			})
			return
		}
		em.fail(protocol.ErrCodeExecution, err.Error())
		return
	}

	for u := range updates {
		if u.Type == protocol.EventError {
			data := u.Data
			if data == nil {
				data = map[string]any{}
			}
			if _, ok := data["code"]; !ok {
				data["code"] = protocol.ErrCodeExecution
			}
			em.finalError(data)
			drainUpdates(updates)
			return
		}
		em.emit(u.Type, u.Data)
	}

	res := result()
	if res.Err != nil {
		em.fail(protocol.ErrCodeExecution, res.Err.Error())
		return
	}
	em.result(map[string]any{
		"session_id": res.SessionID,
		"state":      string(res.State),
		"turn":       res.Turn,
	})
}

func (h *Handler) promptCancel(ctx context.Context, p params, em *emitter) {
	id := p.str("session_id")
	if id == "" {
		em.fail(protocol.ErrCodeValidation, "session_id is required")
		return
	}
	s, err := h.sessions.Cancel(ctx, id)
	if err != nil {
		em.fail(protocol.ErrCodeSessionNotFound, err.Error())
		return
	}
	em.result(map[string]any{
		"cancelled":  true,
		"session_id": id,
		"state":      string(s.State()),
	})
}

func (h *Handler) approvalRespond(ctx context.Context, p params, em *emitter) {
	id := p.str("session_id")
	requestID := p.str("request_id")
	choice := p.str("choice")
	if id == "" || requestID == "" || choice == "" {
		em.fail(protocol.ErrCodeValidation, "session_id, request_id and choice are required")
		return
	}

	s, err := h.sessions.Get(id)
	if err != nil {
		em.fail(protocol.ErrCodeSessionNotFound, err.Error())
		return
	}
	if err := s.Approvals().Respond(requestID, choice); err != nil {
		em.fail(protocol.ErrCodeApprovalNotFound, err.Error())
		return
	}
	em.result(map[string]any{"resolved": true, "request_id": requestID, "choice": choice})
}

func (h *Handler) bundleAdd(p params, em *emitter) {
	name := p.str("name")
	if name == "" {
		em.fail(protocol.ErrCodeValidation, "name is required")
		return
	}
	if err := h.bundles.Add(name, p.obj("definition")); err != nil {
		em.fail(protocol.ErrCodeBundleAddFailed, err.Error())
		return
	}
	em.result(map[string]any{"added": true, "name": name})
}

func (h *Handler) bundleRemove(p params, em *emitter) {
	name := p.str("name")
	if name == "" {
		em.fail(protocol.ErrCodeValidation, "name is required")
		return
	}
	if err := h.bundles.Remove(name); err != nil {
		em.fail(protocol.ErrCodeBundleRemoveFailed, err.Error())
		return
	}
	em.result(map[string]any{"removed": true, "name": name})
}

func (h *Handler) bundleInstall(ctx context.Context, p params, em *emitter) {
	name := p.str("name")
	source := p.str("source")
	if name == "" || source == "" {
		em.fail(protocol.ErrCodeValidation, "name and source are required")
		return
	}

	em.emit(protocol.EventAck, map[string]any{"command": protocol.CmdBundleInstall, "name": name})

	err := h.bundles.Install(ctx, name, source, func(stage string, detail map[string]any) {
		data := map[string]any{"name": name, "stage": stage}
		for k, v := range detail {
			data[k] = v
		}
		em.emit(protocol.EventInstallProgress, data)
	})
	if err != nil {
		em.finalError(map[string]any{
			"code":    protocol.ErrCodeBundleInstall,
			"message": err.Error(),
			"name":    name,
		})
		return
	}
	em.result(map[string]any{"installed": true, "name": name, "bundles": h.bundles.List()})
}

func drainUpdates(updates <-chan session.Update) {
	for range updates {
	}
}
