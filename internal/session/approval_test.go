package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier-ai/runtime/pkg/protocol"
)

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) emit(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *updateRecorder) byType(eventType string) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if u.Type == eventType {
			out = append(out, u)
		}
	}
	return out
}

func TestBrokerRespondResolvesRequest(t *testing.T) {
	rec := &updateRecorder{}
	b := NewBroker(5*time.Second, "deny", rec.emit)

	done := make(chan string, 1)
	go func() {
		choice, err := b.Request(context.Background(), "Run ls?", []string{"Allow once", "Deny"})
		require.NoError(t, err)
		done <- choice
	}()

	requestID := waitForRequestID(t, rec)
	require.NoError(t, b.Respond(requestID, "Allow once"))

	assert.Equal(t, "Allow once", <-done)
	resolved := rec.byType(protocol.EventApprovalResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "Allow once", resolved[0].Data["choice"])
	assert.Zero(t, b.PendingCount())
}

func TestBrokerAlwaysChoiceIsCached(t *testing.T) {
	rec := &updateRecorder{}
	b := NewBroker(5*time.Second, "deny", rec.emit)
	options := []string{"Allow once", "Allow always", "Deny"}

	done := make(chan string, 1)
	go func() {
		choice, _ := b.Request(context.Background(), "Run rm?", options)
		done <- choice
	}()
	require.NoError(t, b.Respond(waitForRequestID(t, rec), "Allow always"))
	assert.Equal(t, "Allow always", <-done)

	// Same prompt and options: no second round-trip.
	choice, err := b.Request(context.Background(), "Run rm?", options)
	require.NoError(t, err)
	assert.Equal(t, "Allow always", choice)
	assert.Len(t, rec.byType(protocol.EventApprovalRequired), 1)

	// Different options miss the cache.
	go func() {
		choice, _ := b.Request(context.Background(), "Run rm?", []string{"Yes", "No"})
		done <- choice
	}()
	require.NoError(t, b.Respond(waitForRequestID(t, rec), "Yes"))
	assert.Equal(t, "Yes", <-done)
}

func TestBrokerTimeoutReturnsDefault(t *testing.T) {
	rec := &updateRecorder{}
	b := NewBroker(30*time.Millisecond, "deny", rec.emit)

	choice, err := b.Request(context.Background(), "Run curl?", []string{"Allow once", "Deny"})
	require.NoError(t, err)
	assert.Equal(t, "Deny", choice)
	assert.Len(t, rec.byType(protocol.EventApprovalTimeout), 1)
	assert.Zero(t, b.PendingCount())
}

func TestBrokerTimeoutAllowDefault(t *testing.T) {
	rec := &updateRecorder{}
	b := NewBroker(30*time.Millisecond, "allow", rec.emit)

	choice, err := b.Request(context.Background(), "Run curl?", []string{"Yes please", "Deny"})
	require.NoError(t, err)
	assert.Equal(t, "Yes please", choice)
}

func TestBrokerCancelAllResolvesDeny(t *testing.T) {
	rec := &updateRecorder{}
	b := NewBroker(5*time.Second, "deny", rec.emit)

	done := make(chan string, 1)
	go func() {
		choice, _ := b.Request(context.Background(), "Run ls?", []string{"Allow once", "Deny"})
		done <- choice
	}()
	waitForRequestID(t, rec)

	b.CancelAll()
	assert.Equal(t, "Deny", <-done)
	assert.Zero(t, b.PendingCount())
}

func TestBrokerUnknownRequestID(t *testing.T) {
	b := NewBroker(time.Second, "deny", func(Update) {})
	assert.ErrorIs(t, b.Respond("req_missing", "Allow once"), ErrApprovalNotFound)
}

func TestBrokerAcceptsUnlistedChoice(t *testing.T) {
	rec := &updateRecorder{}
	b := NewBroker(5*time.Second, "deny", rec.emit)

	done := make(chan string, 1)
	go func() {
		choice, _ := b.Request(context.Background(), "Pick one", []string{"A", "B"})
		done <- choice
	}()
	require.NoError(t, b.Respond(waitForRequestID(t, rec), "custom choice"))
	assert.Equal(t, "custom choice", <-done)
}

func TestMatchDefault(t *testing.T) {
	tests := []struct {
		name    string
		options []string
		def     string
		want    string
	}{
		{"deny substring", []string{"Allow once", "Deny"}, "deny", "Deny"},
		{"no substring", []string{"Yes", "No way"}, "deny", "No way"},
		{"allow substring", []string{"Allow once", "Deny"}, "allow", "Allow once"},
		{"yes substring", []string{"Yes please", "Never"}, "allow", "Yes please"},
		{"deny fallback last", []string{"First", "Second"}, "deny", "Second"},
		{"allow fallback first", []string{"First", "Second"}, "allow", "First"},
		{"empty options", nil, "deny", "deny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchDefault(tt.options, tt.def))
		})
	}
}

func waitForRequestID(t *testing.T, rec *updateRecorder) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if reqs := rec.byType(protocol.EventApprovalRequired); len(reqs) > 0 {
			id, _ := reqs[len(reqs)-1].Data["request_id"].(string)
			require.NotEmpty(t, id)
			return id
		}
		select {
		case <-deadline:
			t.Fatal("approval.required never emitted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
