package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// ErrApprovalNotFound is returned when a response names no pending request.
var ErrApprovalNotFound = errors.New("approval request not found")

// DefaultApprovalTimeout bounds how long a tool waits for a client answer
// before the configured default choice is applied.
const DefaultApprovalTimeout = 120 * time.Second

type pendingApproval struct {
	prompt   string
	options  []string
	ch       chan string
	cacheKey string
}

// Broker mediates approval round-trips between a bundle host and the client.
// Request blocks the calling host goroutine until the client responds, the
// timeout fires, or the session is cancelled. "Always"-style answers are
// cached by (prompt, options) so repeats skip the client entirely.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	cache   map[string]string

	timeout       time.Duration
	defaultChoice string
	emit          func(u Update)
}

// NewBroker creates a broker. emit pushes approval lifecycle events out to
// the client; defaultChoice is "allow" or "deny" and applies on timeout.
func NewBroker(timeout time.Duration, defaultChoice string, emit func(u Update)) *Broker {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if defaultChoice == "" {
		defaultChoice = "deny"
	}
	return &Broker{
		pending:       make(map[string]*pendingApproval),
		cache:         make(map[string]string),
		timeout:       timeout,
		defaultChoice: defaultChoice,
		emit:          emit,
	}
}

// Request asks the client to choose one of options. Returns the chosen
// option, the cached "always" decision, or the default-matched option on
// timeout. The only error case is context cancellation.
func (b *Broker) Request(ctx context.Context, prompt string, options []string) (string, error) {
	key := cacheKey(prompt, options)

	b.mu.Lock()
	if cached, ok := b.cache[key]; ok && containsFold(cached, "always") {
		b.mu.Unlock()
		return cached, nil
	}

	requestID := protocol.NewRequestID()
	// Buffered so the responder never blocks; removal from the pending map
	// guarantees at most one send.
	p := &pendingApproval{
		prompt:   prompt,
		options:  options,
		ch:       make(chan string, 1),
		cacheKey: key,
	}
	b.pending[requestID] = p
	b.mu.Unlock()

	b.emit(Update{Type: protocol.EventApprovalRequired, Data: map[string]any{
		"request_id": requestID,
		"prompt":     prompt,
		"options":    options,
		"timeout":    b.timeout.Seconds(),
		"default":    b.defaultChoice,
	}})

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case choice := <-p.ch:
		return choice, nil

	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
		b.emit(Update{Type: protocol.EventApprovalTimeout, Data: map[string]any{
			"request_id": requestID,
			"prompt":     prompt,
		}})
		return MatchDefault(options, b.defaultChoice), nil

	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
		return "", ctx.Err()
	}
}

// Respond resolves a pending request with the client's choice. Choices not
// present in the request's options are accepted with a warning so custom
// options never deadlock a tool.
func (b *Broker) Respond(requestID, choice string) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrApprovalNotFound, requestID)
	}
	delete(b.pending, requestID)
	if containsFold(choice, "always") {
		b.cache[p.cacheKey] = choice
	}
	b.mu.Unlock()

	if !optionListed(p.options, choice) {
		logging.Warn().
			Str("requestID", requestID).
			Str("choice", choice).
			Msg("approval choice not among offered options")
	}

	b.emit(Update{Type: protocol.EventApprovalResolved, Data: map[string]any{
		"request_id": requestID,
		"choice":     choice,
	}})

	p.ch <- choice
	return nil
}

// CancelAll resolves every pending request to its deny option. Called when
// the session is cancelled or reset.
func (b *Broker) CancelAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingApproval)
	b.mu.Unlock()

	for requestID, p := range pending {
		choice := MatchDefault(p.options, "deny")
		b.emit(Update{Type: protocol.EventApprovalResolved, Data: map[string]any{
			"request_id": requestID,
			"choice":     choice,
		}})
		p.ch <- choice
	}
}

// PendingCount returns how many requests currently await a response.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// MatchDefault picks the option matching def ("allow" or "deny") by
// substring: allow matches "allow" or "yes", deny matches "deny" or "no".
// With no match, allow falls back to the first option and deny to the last.
func MatchDefault(options []string, def string) string {
	if len(options) == 0 {
		return def
	}
	var needles []string
	if def == "allow" {
		needles = []string{"allow", "yes"}
	} else {
		needles = []string{"deny", "no"}
	}
	for _, opt := range options {
		for _, needle := range needles {
			if containsFold(opt, needle) {
				return opt
			}
		}
	}
	if def == "allow" {
		return options[0]
	}
	return options[len(options)-1]
}

func cacheKey(prompt string, options []string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	for _, opt := range options {
		h.Write([]byte{0})
		h.Write([]byte(opt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func optionListed(options []string, choice string) bool {
	for _, opt := range options {
		if opt == choice {
			return true
		}
	}
	return false
}
