// Package bundle defines the interface between the runtime and the external
// bundle hosts that own models and tools, plus the manager that loads them.
//
// The runtime never talks to an LLM provider directly: it hands a prompt to
// a Host and consumes the host's execution event stream. Everything behind
// Execute (model calls, tool dispatch, context assembly) belongs to the
// bundle implementation.
package bundle

import "context"

// Event is one execution event emitted by a bundle host. Types use the
// colon-delimited host vocabulary; the session manager maps them onto the
// dotted protocol event names.
type Event struct {
	Type string
	Data map[string]any
}

// Host event types.
const (
	EventContentBlockStart = "content_block:start"
	EventContentBlockDelta = "content_block:delta"
	EventContentBlockEnd   = "content_block:end"
	EventThinkingDelta     = "thinking:delta"
	EventThinkingFinal     = "thinking:final"
	EventToolPre           = "tool:pre"
	EventToolPost          = "tool:post"
	EventToolError         = "tool:error"
	EventApprovalRequired  = "approval:required"
	EventPromptSubmit      = "prompt:submit"
	EventPromptComplete    = "prompt:complete"
	EventContextUpdated    = "context:updated"
	EventError             = "error"
)

// Message is one conversation entry seeded into or read from a host's
// context.
type Message struct {
	Role    string
	Content string
}

// Host is one loaded bundle: a model plus its tools, bound to a session.
// Execute returns a stream of events that closes when the turn finishes;
// Cancel aborts an in-flight Execute. A Host is owned by exactly one session
// and dropped when the session is deleted.
type Host interface {
	Execute(ctx context.Context, prompt string) (<-chan Event, error)
	Cancel()
	Context() []Message
	SeedContext(messages []Message)
}

// Hooks are the callbacks a host uses to reach back into the runtime:
// blocking approval prompts and fire-and-forget display messages.
type Hooks struct {
	// RequestApproval blocks tool execution until the client answers (or the
	// broker times out). Returns the chosen option.
	RequestApproval func(ctx context.Context, prompt string, options []string) (string, error)
	// ShowMessage pushes a display message to the client.
	ShowMessage func(text, level string)
}

// Definition describes the bundle a session should load: either a named,
// installed bundle or a full inline definition.
type Definition struct {
	Name      string         `json:"name,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Behaviors []string       `json:"behaviors,omitempty"`
	Inline    map[string]any `json:"inline,omitempty"`
}
