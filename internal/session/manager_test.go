package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/bundle/bundletest"
	"github.com/amplifier-ai/runtime/internal/config"
	"github.com/amplifier-ai/runtime/internal/event"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

type fixture struct {
	manager *Manager
	store   *store.Store
	bus     *event.Bus
	hosts   []*bundletest.Host
}

func newFixture(t *testing.T, steps []bundletest.Step) *fixture {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg := &config.Config{
		DefaultBundle: "foundation",
		BundleDir:     t.TempDir(),
	}
	f := &fixture{
		store: store.New(t.TempDir(), "/work/project"),
		bus:   event.NewBus(),
	}
	bundles := bundle.NewManager(cfg)
	bundles.RegisterFactory(bundletest.Factory(steps, &f.hosts))
	f.manager = NewManager(cfg, f.store, bundles, f.bus)
	t.Cleanup(func() { f.bus.Close() })
	return f
}

func drain(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("update stream never closed")
		}
	}
}

func types(updates []Update) []string {
	out := make([]string, len(updates))
	for i, u := range updates {
		out[i] = u.Type
	}
	return out
}

func TestCreateInitializesToReady(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hi"))

	var created []protocol.Event
	f.bus.Subscribe(protocol.EventSessionCreated, func(e protocol.Event) {
		created = append(created, e)
	})

	s, err := f.manager.Create(context.Background(), CreateOptions{WorkingDirectory: "/work/project"})
	require.NoError(t, err)

	assert.Equal(t, StateReady, s.State())
	assert.Contains(t, s.ID, "sess_")
	require.Len(t, created, 1)
	assert.Equal(t, s.ID, created[0].Data["session_id"])
	assert.Empty(t, created[0].CorrelationID)
	assert.Nil(t, created[0].Sequence)

	meta, err := f.store.LoadMetadata(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "foundation", meta.Bundle)
	assert.Equal(t, string(StateReady), meta.State)
}

func TestCreateBundleFailurePreservesReason(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.manager.Create(context.Background(), CreateOptions{Bundle: "missing"})
	require.Error(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StateError, s.State())
	assert.Contains(t, s.Info().Error, "not installed")
}

func TestExecuteStreamsAndPersists(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hello there"))
	s, err := f.manager.Create(context.Background(), CreateOptions{WorkingDirectory: "/work/project"})
	require.NoError(t, err)

	updates, result, err := f.manager.Execute(context.Background(), s, "greet me")
	require.NoError(t, err)

	got := drain(t, updates)
	assert.Equal(t, []string{
		protocol.EventContentStart,
		protocol.EventContentDelta,
		protocol.EventContentEnd,
	}, types(got))

	res := result()
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, 1, res.Turn)
	assert.NoError(t, res.Err)

	transcript, meta, err := f.store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "user", transcript[0].Role)
	assert.Equal(t, "greet me", transcript[0].Content)
	assert.Equal(t, "assistant", transcript[1].Role)
	assert.Equal(t, "hello there", transcript[1].Content)
	assert.Equal(t, 1, meta.TurnCount)
}

func TestExecuteRejectedWhileRunning(t *testing.T) {
	f := newFixture(t, []bundletest.Step{{Block: true}})
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	updates, _, err := f.manager.Execute(context.Background(), s, "first")
	require.NoError(t, err)

	_, _, err = f.manager.Execute(context.Background(), s, "second")
	assert.ErrorIs(t, err, ErrBusy)

	_, err = f.manager.Cancel(context.Background(), s.ID)
	require.NoError(t, err)
	drain(t, updates)
}

func TestCancelMidTurn(t *testing.T) {
	f := newFixture(t, []bundletest.Step{
		{Emit: &bundle.Event{Type: bundle.EventContentBlockStart, Data: map[string]any{"index": 0}}},
		{Block: true},
	})
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	updates, result, err := f.manager.Execute(context.Background(), s, "hang")
	require.NoError(t, err)

	// Wait for the first streamed event so the host is mid-turn.
	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("no first event")
	}

	_, err = f.manager.Cancel(context.Background(), s.ID)
	require.NoError(t, err)

	drain(t, updates)
	assert.Equal(t, StateCancelled, result().State)
	assert.Equal(t, StateCancelled, s.State())
}

func TestApprovalRoundTripInStream(t *testing.T) {
	f := newFixture(t, []bundletest.Step{
		{Approval: &bundletest.ApprovalStep{Prompt: "Run ls?", Options: []string{"Allow once", "Deny"}, DenySubstring: "deny"}},
		{Emit: &bundle.Event{Type: bundle.EventContentBlockEnd, Data: map[string]any{"block": map[string]any{"text": "done"}}}},
	})
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	f.bus.Subscribe(protocol.EventApprovalRequired, func(e protocol.Event) {
		id, _ := e.Data["request_id"].(string)
		go s.Approvals().Respond(id, "Allow once")
	})

	updates, result, err := f.manager.Execute(context.Background(), s, "list files")
	require.NoError(t, err)
	got := types(drain(t, updates))

	// The back-channel events ride inside the correlated stream too.
	assert.Contains(t, got, protocol.EventApprovalRequired)
	assert.Contains(t, got, protocol.EventApprovalResolved)
	assert.Contains(t, got, protocol.EventContentEnd)
	assert.Equal(t, StateReady, result().State)
	require.Len(t, f.hosts, 1)
	assert.Equal(t, []string{"Allow once"}, f.hosts[0].Choices)
}

func TestAlwaysDecisionSkipsSecondRoundTrip(t *testing.T) {
	approval := &bundletest.ApprovalStep{Prompt: "Run rm?", Options: []string{"Allow once", "Allow always", "Deny"}}
	f := newFixture(t, []bundletest.Step{
		{Approval: approval},
		{Approval: approval},
		{Emit: &bundle.Event{Type: bundle.EventContentBlockEnd, Data: map[string]any{"block": map[string]any{"text": "ok"}}}},
	})
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	var required int
	f.bus.Subscribe(protocol.EventApprovalRequired, func(e protocol.Event) {
		required++
		id, _ := e.Data["request_id"].(string)
		go s.Approvals().Respond(id, "Allow always")
	})

	updates, _, err := f.manager.Execute(context.Background(), s, "remove it")
	require.NoError(t, err)
	drain(t, updates)

	assert.Equal(t, 1, required)
	require.Len(t, f.hosts, 1)
	assert.Equal(t, []string{"Allow always", "Allow always"}, f.hosts[0].Choices)
}

func TestResumeSeedsHostContext(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("first answer"))
	s, err := f.manager.Create(context.Background(), CreateOptions{WorkingDirectory: "/work/project"})
	require.NoError(t, err)
	updates, _, err := f.manager.Execute(context.Background(), s, "first question")
	require.NoError(t, err)
	drain(t, updates)

	// A new manager over the same store simulates a process restart.
	cfg := &config.Config{DefaultBundle: "foundation", BundleDir: t.TempDir()}
	bundles := bundle.NewManager(cfg)
	var hosts []*bundletest.Host
	bundles.RegisterFactory(bundletest.Factory(nil, &hosts))
	m2 := NewManager(cfg, f.store, bundles, event.NewBus())

	resumed, err := m2.Resume(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, resumed.State())
	assert.Equal(t, 1, resumed.Info().TurnCount)

	require.Len(t, hosts, 1)
	seeded := hosts[0].Context()
	require.Len(t, seeded, 2)
	assert.Equal(t, "first question", seeded[0].Content)
	assert.Equal(t, "first answer", seeded[1].Content)
}

func TestResetDropsHistory(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("answer"))
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	updates, _, err := f.manager.Execute(context.Background(), s, "question")
	require.NoError(t, err)
	drain(t, updates)
	require.Equal(t, 1, s.Info().TurnCount)

	reset, err := f.manager.Reset(context.Background(), s.ID, "", false)
	require.NoError(t, err)
	assert.Equal(t, StateReady, reset.State())
	assert.Zero(t, reset.Info().TurnCount)
	assert.Empty(t, reset.Transcript())
	// A fresh host was loaded for the reset session.
	assert.Len(t, f.hosts, 2)
}

func TestResetPreservesHistory(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("answer"))
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	updates, _, err := f.manager.Execute(context.Background(), s, "question")
	require.NoError(t, err)
	drain(t, updates)

	reset, err := f.manager.Reset(context.Background(), s.ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, reset.Info().TurnCount)
	require.Len(t, f.hosts, 2)
	assert.Len(t, f.hosts[1].Context(), 2)
}

func TestDeleteRemovesMemoryAndDisk(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hi"))
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	var deleted []protocol.Event
	f.bus.Subscribe(protocol.EventSessionDeleted, func(e protocol.Event) {
		deleted = append(deleted, e)
	})

	require.NoError(t, f.manager.Delete(context.Background(), s.ID))

	_, err = f.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.LoadMetadata(context.Background(), s.ID)
	require.NoError(t, err)
	entries, err := f.store.ListSessions(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.Len(t, deleted, 1)
	assert.Equal(t, s.ID, deleted[0].Data["session_id"])
}

func TestSpawnCreatesSubSession(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hi"))
	parent, err := f.manager.Create(context.Background(), CreateOptions{WorkingDirectory: "/work/project"})
	require.NoError(t, err)

	child, err := f.manager.Spawn(context.Background(), parent.ID, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, parent.ID+"_1", child.ID)
	assert.True(t, store.IsSubSession(child.ID))
	assert.Equal(t, parent.ID, child.Info().ParentSessionID)
	assert.Equal(t, "/work/project", child.Info().Cwd)
	assert.Equal(t, 1, parent.Display().Depth())

	f.manager.ReleaseChild(parent.ID)
	assert.Zero(t, parent.Display().Depth())
}

func TestListMergesLiveAndPersisted(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hi"))
	a, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	b, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	_, err = f.manager.Spawn(context.Background(), b.ID, CreateOptions{})
	require.NoError(t, err)

	entries, err := f.manager.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	top, err := f.manager.List(context.Background(), store.ListOptions{TopLevelOnly: true})
	require.NoError(t, err)
	require.Len(t, top, 2)
	for _, entry := range top {
		assert.Contains(t, []string{a.ID, b.ID}, entry.SessionID)
	}
}

func TestSessionSendReceivesSideChannel(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hi"))
	s, err := f.manager.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	var sent []protocol.Event
	s.SetSend(func(e protocol.Event) { sent = append(sent, e) })

	s.Display().Show("working on it", "info", "")

	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventDisplayMessage, sent[0].Type)
	assert.Equal(t, "working on it", sent[0].Data["text"])
	assert.Equal(t, "info", sent[0].Data["level"])
	assert.Empty(t, sent[0].CorrelationID)
}

func TestNoPersistManagerSkipsDisk(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	cfg := &config.Config{DefaultBundle: "foundation", BundleDir: t.TempDir()}
	bundles := bundle.NewManager(cfg)
	var hosts []*bundletest.Host
	bundles.RegisterFactory(bundletest.Factory(bundletest.TextTurn("hi"), &hosts))

	storageDir := t.TempDir()
	m := NewManager(cfg, nil, bundles, event.NewBus())

	s, err := m.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	updates, _, err := m.Execute(context.Background(), s, "hello")
	require.NoError(t, err)
	drain(t, updates)

	entries, err := os.ReadDir(storageDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, s.Transcript(), 2)

	// Resume has nothing to load from.
	_, err = m.Resolve(context.Background(), "sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadataFilesOnDisk(t *testing.T) {
	f := newFixture(t, bundletest.TextTurn("hi"))
	s, err := f.manager.Create(context.Background(), CreateOptions{WorkingDirectory: "/work/project"})
	require.NoError(t, err)

	dir := filepath.Join(f.store.Root(), f.store.Slug(), "sessions", s.ID)
	_, err = os.Stat(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
}
