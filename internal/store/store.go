// Package store persists session transcripts and metadata on disk.
//
// Layout per session:
//
//	<root>/<project-slug>/sessions/<session-id>/metadata.json
//	<root>/<project-slug>/sessions/<session-id>/transcript.jsonl
//
// metadata.json is rewritten whole, atomically (temp file + rename).
// transcript.jsonl holds one message object per line and is append-only
// during streaming so a turn never rewrites the full transcript.
// All writes are UTF-8 with LF newlines and no BOM.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrAmbiguous = errors.New("ambiguous session id")
	ErrInvalidID = errors.New("invalid session id")
)

// Message is one transcript entry.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Metadata is the per-session metadata document. Field names match the
// on-disk JSON keys exactly.
type Metadata struct {
	Bundle          string `json:"bundle"`
	TurnCount       int    `json:"turn_count"`
	Created         string `json:"created"`
	Updated         string `json:"updated"`
	Name            string `json:"name,omitempty"`
	Cwd             string `json:"cwd"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
}

// ListOptions filter ListSessions results.
type ListOptions struct {
	// TopLevelOnly excludes spawned sub-sessions.
	TopLevelOnly bool
	// MinTurns keeps only sessions with at least this many turns.
	MinTurns int
	// State keeps only sessions whose persisted state matches.
	State string
	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// ListEntry is one ListSessions result.
type ListEntry struct {
	SessionID string   `json:"session_id"`
	Metadata  Metadata `json:"metadata"`
}

// Store is a filesystem-backed session store scoped to one project
// (workspace directory). Writes within one session are serialized by the
// session's own lock; sessions never contend with each other.
type Store struct {
	root string
	slug string

	mu    sync.Mutex
	locks map[string]*dirLock
}

// New creates a store rooted at root for the given absolute workspace path.
func New(root, workspace string) *Store {
	return &Store{
		root:  root,
		slug:  PathToSlug(workspace),
		locks: make(map[string]*dirLock),
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Slug returns the project slug this store writes under.
func (s *Store) Slug() string {
	return s.slug
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.root, s.slug, "sessions")
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.sessionsDir(), id)
}

// ValidateID rejects ids that could escape the sessions directory.
func ValidateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// IsSubSession reports whether id names a spawned sub-session. Session ids
// carry one underscore from their prefix ("sess_", "acp_"); a second
// underscore marks a child spawned from a parent session.
func IsSubSession(id string) bool {
	_, rest, ok := strings.Cut(id, "_")
	return ok && strings.Contains(rest, "_")
}

// Save writes transcript and metadata for a session, atomically.
func (s *Store) Save(ctx context.Context, id string, transcript []Message, meta Metadata) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	lock := s.getLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := writeTranscript(filepath.Join(dir, "transcript.jsonl"), transcript); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "metadata.json"), meta)
}

// Load reads a session's transcript and metadata. The stored turn count is
// recomputed from the transcript when it lags the count of user messages.
func (s *Store) Load(ctx context.Context, id string) ([]Message, Metadata, error) {
	if err := ValidateID(id); err != nil {
		return nil, Metadata{}, err
	}
	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, ErrNotFound
		}
		return nil, Metadata{}, fmt.Errorf("stat session dir: %w", err)
	}

	transcript, err := readTranscript(filepath.Join(dir, "transcript.jsonl"))
	if err != nil {
		return nil, Metadata{}, err
	}

	meta, err := s.LoadMetadata(ctx, id)
	if err != nil {
		return nil, Metadata{}, err
	}
	if meta == nil {
		meta = &Metadata{}
	}

	if userTurns := countUserMessages(transcript); meta.TurnCount < userTurns {
		meta.TurnCount = userTurns
	}

	return transcript, *meta, nil
}

// SaveMetadata rewrites a session's metadata file atomically.
func (s *Store) SaveMetadata(ctx context.Context, id string, meta Metadata) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	lock := s.getLock(dir)
	lock.Lock()
	defer lock.Unlock()

	return writeJSONAtomic(filepath.Join(dir, "metadata.json"), meta)
}

// LoadMetadata reads a session's metadata; returns nil (no error) when the
// metadata file does not exist.
func (s *Store) LoadMetadata(ctx context.Context, id string) (*Metadata, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// AppendMessage appends one message to the session's transcript. System and
// developer role messages are dropped: they are bundle plumbing, not
// conversation history. The message timestamp is populated if missing.
func (s *Store) AppendMessage(ctx context.Context, id string, msg Message) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if msg.Role == "system" || msg.Role == "developer" {
		return nil
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339Nano)
	}

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	lock := s.getLock(dir)
	lock.Lock()
	defer lock.Unlock()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "transcript.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListSessions scans the sessions directory and returns entries sorted by
// updated timestamp, newest first.
func (s *Store) ListSessions(ctx context.Context, opts ListOptions) ([]ListEntry, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []ListEntry{}, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []ListEntry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if opts.TopLevelOnly && IsSubSession(id) {
			continue
		}
		meta, err := s.LoadMetadata(ctx, id)
		if err != nil || meta == nil {
			continue
		}
		if opts.MinTurns > 0 && meta.TurnCount < opts.MinTurns {
			continue
		}
		if opts.State != "" && meta.State != opts.State {
			continue
		}
		out = append(out, ListEntry{SessionID: id, Metadata: *meta})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Updated > out[j].Metadata.Updated
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// FindSession resolves a partial session id by prefix match.
func (s *Store) FindSession(ctx context.Context, partial string) (string, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read sessions dir: %w", err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), partial) {
			matches = append(matches, entry.Name())
		}
	}

	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d sessions", ErrAmbiguous, partial, len(matches))
	}
}

// DeleteSession removes a session's directory tree.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// CleanupOldSessions removes sessions not updated within the given number of
// days. Returns the ids removed.
func (s *Store) CleanupOldSessions(ctx context.Context, days int) ([]string, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	entries, err := s.ListSessions(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, entry := range entries {
		updated, err := time.Parse(time.RFC3339Nano, entry.Metadata.Updated)
		if err != nil {
			continue
		}
		if updated.Before(cutoff) {
			if err := s.DeleteSession(ctx, entry.SessionID); err == nil {
				removed = append(removed, entry.SessionID)
			}
		}
	}
	return removed, nil
}

func (s *Store) getLock(dir string) *dirLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[dir]
	if !ok {
		lock = newDirLock(dir)
		s.locks[dir] = lock
	}
	return lock
}

func countUserMessages(transcript []Message) int {
	n := 0
	for _, msg := range transcript {
		if msg.Role == "user" {
			n++
		}
	}
	return n
}

func writeTranscript(path string, transcript []Message) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, msg := range transcript {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("marshal message: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close transcript: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename transcript: %w", err)
	}
	return nil
}

func readTranscript(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var transcript []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal transcript line: %w", err)
		}
		transcript = append(transcript, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return transcript, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}
