package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkspace = "/home/dev/project"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), testWorkspace)
}

func meta(turns int) Metadata {
	now := time.Now().Format(time.RFC3339Nano)
	return Metadata{
		Bundle:    "foundation",
		TurnCount: turns,
		Created:   now,
		Updated:   now,
		Cwd:       testWorkspace,
		State:     "ready",
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transcript := []Message{
		{Role: "user", Content: "hello", Timestamp: "2026-08-24T10:00:00Z"},
		{Role: "assistant", Content: "hi there", Timestamp: "2026-08-24T10:00:01Z"},
	}
	m := meta(1)

	require.NoError(t, s.Save(ctx, "sess_aaa111bbb222", transcript, m))

	gotTranscript, gotMeta, err := s.Load(ctx, "sess_aaa111bbb222")
	require.NoError(t, err)
	assert.Equal(t, transcript, gotTranscript)
	assert.Equal(t, m, gotMeta)
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Load(context.Background(), "sess_000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidIDsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "a/b", `a\b`, "..", "sess_..x", ".", "sess.abc", "sess_a.b"} {
		err := s.Save(ctx, id, nil, meta(0))
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)

		_, _, err = s.Load(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestAppendMessageGrowsTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transcript := []Message{{Role: "user", Content: "turn one", Timestamp: "2026-08-24T10:00:00Z"}}
	require.NoError(t, s.Save(ctx, "sess_abc123abc123", transcript, meta(1)))

	require.NoError(t, s.AppendMessage(ctx, "sess_abc123abc123", Message{Role: "assistant", Content: "reply"}))

	got, _, err := s.Load(ctx, "sess_abc123abc123")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reply", got[1].Content)
	assert.NotEmpty(t, got[1].Timestamp, "timestamp populated on append")
}

func TestAppendDropsSystemAndDeveloperRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, "sess_abc123abc123", Message{Role: "system", Content: "prompt"}))
	require.NoError(t, s.AppendMessage(ctx, "sess_abc123abc123", Message{Role: "developer", Content: "note"}))
	require.NoError(t, s.AppendMessage(ctx, "sess_abc123abc123", Message{Role: "user", Content: "hi"}))

	got, _, err := s.Load(ctx, "sess_abc123abc123")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "user", got[0].Role)
}

func TestTurnCountRecomputedOnLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transcript := []Message{
		{Role: "user", Content: "one", Timestamp: "2026-08-24T10:00:00Z"},
		{Role: "assistant", Content: "r1", Timestamp: "2026-08-24T10:00:01Z"},
		{Role: "user", Content: "two", Timestamp: "2026-08-24T10:00:02Z"},
	}
	m := meta(0) // stale turn count

	require.NoError(t, s.Save(ctx, "sess_turncount001", transcript, m))

	_, gotMeta, err := s.Load(ctx, "sess_turncount001")
	require.NoError(t, err)
	assert.Equal(t, 2, gotMeta.TurnCount)
}

func TestMetadataAtomicWriteLeavesNoTemp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMetadata(ctx, "sess_atomic000001", meta(0)))

	dir := s.sessionDir("sess_atomic000001")
	_, err := os.Stat(filepath.Join(dir, "metadata.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should not survive a write")
}

func TestLoadMetadataAbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)
	m, err := s.LoadMetadata(context.Background(), "sess_missing00001")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestListSessionsSortedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := meta(1)
	old.Updated = "2026-01-01T00:00:00Z"
	old.State = "completed"
	recent := meta(3)
	recent.Updated = "2026-08-01T00:00:00Z"
	sub := meta(2)
	sub.Updated = "2026-06-01T00:00:00Z"
	sub.ParentSessionID = "sess_bbb"

	require.NoError(t, s.Save(ctx, "sess_aaa111111111", nil, old))
	require.NoError(t, s.Save(ctx, "sess_bbb222222222", nil, recent))
	require.NoError(t, s.Save(ctx, "sess_bbb222222222_1", nil, sub))

	all, err := s.ListSessions(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sess_bbb222222222", all[0].SessionID, "newest first")

	top, err := s.ListSessions(ctx, ListOptions{TopLevelOnly: true})
	require.NoError(t, err)
	require.Len(t, top, 2)
	for _, entry := range top {
		assert.False(t, IsSubSession(entry.SessionID))
	}

	turny, err := s.ListSessions(ctx, ListOptions{MinTurns: 2})
	require.NoError(t, err)
	require.Len(t, turny, 2)

	done, err := s.ListSessions(ctx, ListOptions{State: "completed"})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "sess_aaa111111111", done[0].SessionID)

	limited, err := s.ListSessions(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFindSessionPrefixMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "sess_abc111111111", nil, meta(0)))
	require.NoError(t, s.Save(ctx, "sess_abd222222222", nil, meta(0)))

	id, err := s.FindSession(ctx, "sess_abc")
	require.NoError(t, err)
	assert.Equal(t, "sess_abc111111111", id)

	_, err = s.FindSession(ctx, "sess_ab")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = s.FindSession(ctx, "sess_zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "sess_del000000001", nil, meta(0)))
	require.NoError(t, s.DeleteSession(ctx, "sess_del000000001"))

	_, _, err := s.Load(ctx, "sess_del000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteSession(ctx, "sess_del000000001"), ErrNotFound)
}

func TestCleanupOldSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := meta(1)
	stale.Updated = time.Now().AddDate(0, 0, -60).Format(time.RFC3339Nano)
	fresh := meta(1)

	require.NoError(t, s.Save(ctx, "sess_stale0000001", nil, stale))
	require.NoError(t, s.Save(ctx, "sess_fresh0000001", nil, fresh))

	removed, err := s.CleanupOldSessions(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_stale0000001"}, removed)

	left, err := s.ListSessions(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "sess_fresh0000001", left[0].SessionID)
}

func TestTranscriptIsJSONLWithLFOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transcript := []Message{
		{Role: "user", Content: "a", Timestamp: "2026-08-24T10:00:00Z"},
		{Role: "assistant", Content: "b", Timestamp: "2026-08-24T10:00:01Z"},
	}
	require.NoError(t, s.Save(ctx, "sess_jsonl0000001", transcript, meta(1)))

	raw, err := os.ReadFile(filepath.Join(s.sessionDir("sess_jsonl0000001"), "transcript.jsonl"))
	require.NoError(t, err)

	text := string(raw)
	assert.NotContains(t, text, "\r")
	assert.False(t, strings.HasPrefix(text, "\ufeff"), "no BOM")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	assert.Len(t, lines, 2)
}

func TestIsSubSession(t *testing.T) {
	assert.False(t, IsSubSession("sess_abc123def456"))
	assert.False(t, IsSubSession("acp_abc123def456"))
	assert.True(t, IsSubSession("sess_abc123def456_1"))
	assert.True(t, IsSubSession("acp_abc123def456_2"))
}
