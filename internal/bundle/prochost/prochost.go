// Package prochost runs a bundle host as a subprocess, bridging the host
// interface onto newline-delimited JSON over the child's pipes. One child
// per session; the runtime writes requests to stdin and consumes execution
// events from stdout.
//
// Wire shape, child-bound:
//
//	{"op":"execute","prompt":"..."}
//	{"op":"seed","messages":[{"role":"user","content":"..."}]}
//	{"op":"approval","choice":"Allow once"}
//	{"op":"cancel"}
//
// Runtime-bound lines are {"type":"...","data":{...}} using the host event
// vocabulary, plus {"type":"done"} closing a turn.
package prochost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/config"
	"github.com/amplifier-ai/runtime/internal/logging"
)

// EnvHostCommand names the host launcher, e.g. "python -m amplifier_host".
const EnvHostCommand = "AMPLIFIER_HOST_CMD"

// request is one child-bound line.
type request struct {
	Op       string           `json:"op"`
	Prompt   string           `json:"prompt,omitempty"`
	Messages []bundle.Message `json:"messages,omitempty"`
	Choice   string           `json:"choice,omitempty"`
	Bundle   json.RawMessage  `json:"bundle,omitempty"`
}

// record is one runtime-bound line.
type record struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Factory returns a bundle.HostFactory that starts command args... per
// session. Provider API keys are passed through the child environment.
func Factory(command string, args ...string) bundle.HostFactory {
	return func(ctx context.Context, def bundle.Definition, providers []config.Provider, hooks bundle.Hooks) (bundle.Host, error) {
		return start(ctx, command, args, def, providers, hooks)
	}
}

// FactoryFromEnv builds a factory from AMPLIFIER_HOST_CMD, or nil when the
// variable is unset.
func FactoryFromEnv() bundle.HostFactory {
	command, args := splitCommand(os.Getenv(EnvHostCommand))
	if command == "" {
		return nil
	}
	return Factory(command, args...)
}

// Host is one live subprocess bound to a session.
type Host struct {
	cmd *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	hooks bundle.Hooks
	log   zerolog.Logger

	mu      sync.Mutex
	context []bundle.Message
	running bool
}

func start(ctx context.Context, command string, args []string, def bundle.Definition, providers []config.Provider, hooks bundle.Hooks) (*Host, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("prochost: starting %s: %w", command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	h := &Host{
		cmd:     cmd,
		stdin:   stdin,
		scanner: scanner,
		hooks:   hooks,
		log:     logging.Component("prochost"),
	}

	// Hand the child its bundle definition before the first turn.
	defData, err := json.Marshal(def)
	if err != nil {
		h.kill()
		return nil, err
	}
	if err := h.write(request{Op: "load", Bundle: defData}); err != nil {
		h.kill()
		return nil, fmt.Errorf("prochost: handshake failed: %w", err)
	}
	return h, nil
}

func (h *Host) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(data); err != nil {
		return err
	}
	_, err = h.stdin.Write([]byte{'\n'})
	return err
}

// Execute implements bundle.Host. The returned channel closes when the child
// reports the turn done or the stream breaks.
func (h *Host) Execute(ctx context.Context, prompt string) (<-chan bundle.Event, error) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil, fmt.Errorf("prochost: execution already in flight")
	}
	h.running = true
	h.context = append(h.context, bundle.Message{Role: "user", Content: prompt})
	h.mu.Unlock()

	if err := h.write(request{Op: "execute", Prompt: prompt}); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return nil, err
	}

	out := make(chan bundle.Event, 16)
	go h.readTurn(ctx, out)
	return out, nil
}

func (h *Host) readTurn(ctx context.Context, out chan<- bundle.Event) {
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		close(out)
	}()

	var assistant string
	for h.scanner.Scan() {
		line := h.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			h.log.Warn().Err(err).Msg("undecodable host line")
			continue
		}

		switch rec.Type {
		case "done":
			h.mu.Lock()
			if assistant != "" {
				h.context = append(h.context, bundle.Message{Role: "assistant", Content: assistant})
			}
			h.mu.Unlock()
			return

		case bundle.EventApprovalRequired:
			h.handleApproval(ctx, rec)
			continue

		case "display:message":
			if h.hooks.ShowMessage != nil {
				text, _ := rec.Data["text"].(string)
				level, _ := rec.Data["level"].(string)
				h.hooks.ShowMessage(text, level)
			}
			continue

		case bundle.EventContentBlockEnd:
			if block, ok := rec.Data["block"].(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					assistant += text
				}
			}
		}

		select {
		case out <- bundle.Event{Type: rec.Type, Data: rec.Data}:
		case <-ctx.Done():
			return
		}

		if rec.Type == bundle.EventError {
			return
		}
	}

	// Child hung up mid-turn.
	out <- bundle.Event{Type: bundle.EventError, Data: map[string]any{"message": "bundle host exited unexpectedly"}}
}

// handleApproval runs the blocking hook round-trip and feeds the choice back
// to the child.
func (h *Host) handleApproval(ctx context.Context, rec record) {
	if h.hooks.RequestApproval == nil {
		h.write(request{Op: "approval", Choice: ""})
		return
	}
	prompt, _ := rec.Data["prompt"].(string)
	options := stringSlice(rec.Data["options"])
	choice, err := h.hooks.RequestApproval(ctx, prompt, options)
	if err != nil {
		h.log.Warn().Err(err).Msg("approval hook failed")
	}
	if err := h.write(request{Op: "approval", Choice: choice}); err != nil {
		h.log.Warn().Err(err).Msg("approval reply failed")
	}
}

// Cancel implements bundle.Host.
func (h *Host) Cancel() {
	if err := h.write(request{Op: "cancel"}); err != nil {
		h.kill()
	}
}

// Context implements bundle.Host.
func (h *Host) Context() []bundle.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bundle.Message, len(h.context))
	copy(out, h.context)
	return out
}

// SeedContext implements bundle.Host.
func (h *Host) SeedContext(messages []bundle.Message) {
	h.mu.Lock()
	h.context = append([]bundle.Message(nil), messages...)
	h.mu.Unlock()
	if err := h.write(request{Op: "seed", Messages: messages}); err != nil {
		h.log.Warn().Err(err).Msg("seed failed")
	}
}

func (h *Host) kill() {
	h.stdin.Close()
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.cmd.Wait()
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func splitCommand(s string) (string, []string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
