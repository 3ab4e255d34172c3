package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// runCommand executes a command through the handler and returns its terminal
// event. Intermediate events are discarded: non-streaming endpoints only
// surface the outcome.
func (s *Server) runCommand(r *http.Request, cmd string, params map[string]any) protocol.Event {
	var last protocol.Event
	for e := range s.handler.Handle(r.Context(), protocol.Command{
		ID:     protocol.NewCommandID(),
		Cmd:    cmd,
		Params: params,
	}) {
		last = e
	}
	return last
}

// decodeBody parses an optional JSON object body. An empty body is fine.
func decodeBody(r *http.Request) (map[string]any, error) {
	params := map[string]any{}
	if r.Body == nil || r.ContentLength == 0 {
		return params, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": handler.Version,
	})
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeEventOutcome(w, s.runCommand(r, protocol.CmdPing, nil))
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	writeEventOutcome(w, s.runCommand(r, protocol.CmdCapabilities, nil))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	q := r.URL.Query()
	if q.Get("top_level_only") == "true" {
		params["top_level_only"] = true
	}
	if state := q.Get("state"); state != "" {
		params["state"] = state
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, protocol.ErrCodeValidation, "limit must be an integer")
			return
		}
		params["limit"] = n
	}
	if minTurns := q.Get("min_turns"); minTurns != "" {
		n, err := strconv.Atoi(minTurns)
		if err != nil {
			writeError(w, protocol.ErrCodeValidation, "min_turns must be an integer")
			return
		}
		params["min_turns"] = n
	}
	writeEventOutcome(w, s.runCommand(r, protocol.CmdSessionList, params))
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	params, err := decodeBody(r)
	if err != nil {
		writeError(w, protocol.ErrCodeParseError, err.Error())
		return
	}
	writeEventOutcome(w, s.runCommand(r, protocol.CmdSessionCreate, params))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	writeEventOutcome(w, s.runCommand(r, protocol.CmdSessionGet, map[string]any{
		"session_id": chi.URLParam(r, "sessionID"),
	}))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	writeEventOutcome(w, s.runCommand(r, protocol.CmdSessionDelete, map[string]any{
		"session_id": chi.URLParam(r, "sessionID"),
	}))
}

func (s *Server) cancelPrompt(w http.ResponseWriter, r *http.Request) {
	writeEventOutcome(w, s.runCommand(r, protocol.CmdPromptCancel, map[string]any{
		"session_id": chi.URLParam(r, "sessionID"),
	}))
}

func (s *Server) respondApproval(w http.ResponseWriter, r *http.Request) {
	params, err := decodeBody(r)
	if err != nil {
		writeError(w, protocol.ErrCodeParseError, err.Error())
		return
	}
	params["session_id"] = chi.URLParam(r, "sessionID")
	writeEventOutcome(w, s.runCommand(r, protocol.CmdApprovalRespond, params))
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	params, err := decodeBody(r)
	if err != nil {
		writeError(w, protocol.ErrCodeParseError, err.Error())
		return
	}
	params["session_id"] = chi.URLParam(r, "sessionID")

	// Reset streams progress events; surface only the outcome here.
	writeEventOutcome(w, s.runCommand(r, protocol.CmdSessionReset, params))
}
