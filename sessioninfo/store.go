// Package sessioninfo persists per-session user metadata (custom name,
// pinned, archived, continuation linkage) in a single schema-versioned
// JSON document.
package sessioninfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cui-project/cui-server/log"
)

// CurrentSchemaVersion is the version every entry carries after
// Initialize returns.
const CurrentSchemaVersion = 3

// PermissionModeDefault is the mode assigned to entries that predate the
// permission_mode field.
const PermissionModeDefault = "default"

var logger = log.GetLogger("SessionInfo")

// SessionInfo is one session's user-editable metadata.
type SessionInfo struct {
	CustomName            string    `json:"custom_name"`
	Pinned                bool      `json:"pinned"`
	Archived              bool      `json:"archived"`
	ContinuationSessionID string    `json:"continuation_session_id"`
	InitialCommitHead     string    `json:"initial_commit_head"`
	PermissionMode        string    `json:"permission_mode"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	Version               int       `json:"version"`
}

// Update is a partial patch; nil fields are left unchanged.
type Update struct {
	CustomName            *string `json:"customName"`
	Pinned                *bool   `json:"pinned"`
	Archived              *bool   `json:"archived"`
	ContinuationSessionID *string `json:"continuationSessionId"`
	InitialCommitHead     *string `json:"initialCommitHead"`
	PermissionMode        *string `json:"permissionMode"`
}

// Stats summarizes the store for the system-status endpoint.
type Stats struct {
	SessionCount int       `json:"sessionCount"`
	DBSize       int64     `json:"dbSize"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

type metadata struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`
}

type document struct {
	Sessions map[string]SessionInfo `json:"sessions"`
	Metadata metadata               `json:"metadata"`
}

// Store guards the document with a single mutex; every operation is a
// serialized read-modify-write.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// NewStore creates a store backed by the given file path. Call
// Initialize before use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Initialize loads the document, running schema migrations if the file
// predates the current version. A migration that cannot be persisted
// fails initialization so readers never observe mixed-version entries.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		now := time.Now()
		s.doc = document{
			Sessions: make(map[string]SessionInfo),
			Metadata: metadata{SchemaVersion: CurrentSchemaVersion, CreatedAt: now, LastUpdated: now},
		}
		return nil
	}
	if err != nil {
		logger.Warn().Err(err).Str("path", s.path).Msg("session info unreadable, starting empty")
		now := time.Now()
		s.doc = document{
			Sessions: make(map[string]SessionInfo),
			Metadata: metadata{SchemaVersion: CurrentSchemaVersion, CreatedAt: now, LastUpdated: now},
		}
		return nil
	}

	migrated, changed, err := migrateDocument(raw)
	if err != nil {
		return fmt.Errorf("migrate session info: %w", err)
	}
	if changed {
		if err := writeAtomic(s.path, migrated); err != nil {
			return fmt.Errorf("persist migrated session info: %w", err)
		}
		logger.Info().Str("path", s.path).Int("schema", CurrentSchemaVersion).Msg("migrated session info store")
	}

	var doc document
	if err := json.Unmarshal(migrated, &doc); err != nil {
		return fmt.Errorf("decode session info: %w", err)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]SessionInfo)
	}
	s.doc = doc
	return nil
}

func defaultInfo(now time.Time) SessionInfo {
	return SessionInfo{
		PermissionMode: PermissionModeDefault,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        CurrentSchemaVersion,
	}
}

// Get returns the entry for a session, synthesizing and persisting a
// default one on first sight so later reads observe a stable created_at.
// If persisting the default fails the in-memory default is still
// returned.
func (s *Store) Get(sessionID string) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.doc.Sessions[sessionID]; ok {
		return info
	}
	info := defaultInfo(time.Now())
	s.doc.Sessions[sessionID] = info
	if err := s.persistLocked(); err != nil {
		logger.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to persist default session info")
	}
	return info
}

// Update merges a partial patch over the existing (or default) entry,
// refreshing updated_at and preserving created_at.
func (s *Store) Update(sessionID string, patch Update) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	info, ok := s.doc.Sessions[sessionID]
	if !ok {
		info = defaultInfo(now)
	}
	if patch.CustomName != nil {
		info.CustomName = *patch.CustomName
	}
	if patch.Pinned != nil {
		info.Pinned = *patch.Pinned
	}
	if patch.Archived != nil {
		info.Archived = *patch.Archived
	}
	if patch.ContinuationSessionID != nil {
		info.ContinuationSessionID = *patch.ContinuationSessionID
	}
	if patch.InitialCommitHead != nil {
		info.InitialCommitHead = *patch.InitialCommitHead
	}
	if patch.PermissionMode != nil {
		info.PermissionMode = *patch.PermissionMode
	}
	info.UpdatedAt = now
	info.Version = CurrentSchemaVersion
	s.doc.Sessions[sessionID] = info

	if err := s.persistLocked(); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// UpdateCustomName renames a session.
func (s *Store) UpdateCustomName(sessionID, name string) (SessionInfo, error) {
	return s.Update(sessionID, Update{CustomName: &name})
}

// Delete removes an entry; missing ids are a no-op.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Sessions[sessionID]; !ok {
		return nil
	}
	delete(s.doc.Sessions, sessionID)
	return s.persistLocked()
}

// ListAll returns a copy of every entry keyed by session id.
func (s *Store) ListAll() map[string]SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionInfo, len(s.doc.Sessions))
	for id, info := range s.doc.Sessions {
		out[id] = info
	}
	return out
}

// ArchiveAll marks every non-archived entry archived, returning how many
// entries changed.
func (s *Store) ArchiveAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for id, info := range s.doc.Sessions {
		if info.Archived {
			continue
		}
		info.Archived = true
		info.UpdatedAt = now
		s.doc.Sessions[id] = info
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return count, nil
}

// Stats reports entry count, on-disk size and last update time.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	if fi, err := os.Stat(s.path); err == nil {
		size = fi.Size()
	}
	return Stats{
		SessionCount: len(s.doc.Sessions),
		DBSize:       size,
		LastUpdated:  s.doc.Metadata.LastUpdated,
	}
}

// persistLocked serializes the document and writes it atomically.
// Caller holds s.mu.
func (s *Store) persistLocked() error {
	s.doc.Metadata.LastUpdated = time.Now()
	if s.doc.Metadata.SchemaVersion < CurrentSchemaVersion {
		s.doc.Metadata.SchemaVersion = CurrentSchemaVersion
	}
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.path, raw)
}

// writeAtomic writes via a temp file in the same directory plus rename,
// so readers never observe a torn document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-info-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
