// Package bundletest provides a scripted bundle host for tests: it replays
// a fixed sequence of execution events, optionally pausing on approval
// round-trips or blocking until cancelled.
package bundletest

import (
	"context"
	"strings"
	"sync"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/config"
)

// Step is one scripted action. Exactly one field should be set.
type Step struct {
	// Emit sends this event downstream.
	Emit *bundle.Event
	// Approval calls the RequestApproval hook and records the choice.
	Approval *ApprovalStep
	// Block waits until the execution is cancelled.
	Block bool
}

// ApprovalStep requests approval through the runtime's back-channel.
type ApprovalStep struct {
	Prompt  string
	Options []string
	// DenySubstring aborts the turn when the choice contains it.
	DenySubstring string
}

// Host replays scripted steps. Safe for a single Execute at a time, which
// is all the session manager ever runs.
type Host struct {
	mu       sync.Mutex
	steps    []Step
	hooks    bundle.Hooks
	context  []bundle.Message
	cancelCh chan struct{}
	canceled bool

	// Prompts records every prompt passed to Execute.
	Prompts []string
	// Choices records approval choices returned by the hook.
	Choices []string
}

// Factory returns a bundle.HostFactory that builds a fresh scripted host
// per session, sharing the recorded state through the returned pointer list.
func Factory(steps []Step, record *[]*Host) bundle.HostFactory {
	return func(ctx context.Context, def bundle.Definition, providers []config.Provider, hooks bundle.Hooks) (bundle.Host, error) {
		h := New(steps)
		h.hooks = hooks
		if record != nil {
			*record = append(*record, h)
		}
		return h, nil
	}
}

// New creates a scripted host with the given steps.
func New(steps []Step) *Host {
	return &Host{
		steps:    steps,
		cancelCh: make(chan struct{}),
	}
}

// SetHooks installs runtime hooks when the host is built directly in a test.
func (h *Host) SetHooks(hooks bundle.Hooks) {
	h.hooks = hooks
}

// Execute replays the script.
func (h *Host) Execute(ctx context.Context, prompt string) (<-chan bundle.Event, error) {
	h.mu.Lock()
	h.Prompts = append(h.Prompts, prompt)
	h.context = append(h.context, bundle.Message{Role: "user", Content: prompt})
	steps := h.steps
	cancelCh := h.cancelCh
	h.mu.Unlock()

	out := make(chan bundle.Event, 16)
	go func() {
		defer close(out)
		for _, step := range steps {
			select {
			case <-ctx.Done():
				return
			case <-cancelCh:
				return
			default:
			}

			switch {
			case step.Emit != nil:
				select {
				case out <- *step.Emit:
				case <-ctx.Done():
					return
				case <-cancelCh:
					return
				}

			case step.Approval != nil:
				if h.hooks.RequestApproval == nil {
					out <- bundle.Event{Type: bundle.EventError, Data: map[string]any{"message": "no approval hook"}}
					return
				}
				choice, err := h.hooks.RequestApproval(ctx, step.Approval.Prompt, step.Approval.Options)
				if err != nil {
					return
				}
				h.mu.Lock()
				h.Choices = append(h.Choices, choice)
				h.mu.Unlock()
				if step.Approval.DenySubstring != "" && contains(choice, step.Approval.DenySubstring) {
					out <- bundle.Event{Type: bundle.EventToolError, Data: map[string]any{"message": "denied: " + choice}}
					return
				}

			case step.Block:
				select {
				case <-ctx.Done():
				case <-cancelCh:
				}
				return
			}
		}
	}()
	return out, nil
}

// Cancel aborts an in-flight Execute.
func (h *Host) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.canceled {
		h.canceled = true
		close(h.cancelCh)
	}
}

// Context returns the seeded plus accumulated conversation.
func (h *Host) Context() []bundle.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bundle.Message, len(h.context))
	copy(out, h.context)
	return out
}

// SeedContext replaces the host's conversation context.
func (h *Host) SeedContext(messages []bundle.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.context = append([]bundle.Message(nil), messages...)
}

// TextTurn builds the steps for a plain one-block text response.
func TextTurn(text string) []Step {
	return []Step{
		{Emit: &bundle.Event{Type: bundle.EventPromptSubmit, Data: map[string]any{}}},
		{Emit: &bundle.Event{Type: bundle.EventContentBlockStart, Data: map[string]any{"block_type": "text", "index": 0}}},
		{Emit: &bundle.Event{Type: bundle.EventContentBlockDelta, Data: map[string]any{"delta": map[string]any{"text": text}, "index": 0}}},
		{Emit: &bundle.Event{Type: bundle.EventContentBlockEnd, Data: map[string]any{"block": map[string]any{"text": text}, "index": 0}}},
		{Emit: &bundle.Event{Type: bundle.EventPromptComplete, Data: map[string]any{}}},
	}
}

func contains(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
