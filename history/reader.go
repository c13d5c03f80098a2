// Package history indexes the CLI's on-disk conversation logs. Projects
// live as subdirectories under a fixed root; each holds append-only
// .jsonl files mixing messages and summary records. Sessions are not
// file-scoped: one file may carry several session ids.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cui-project/cui-server/log"
	"github.com/cui-project/cui-server/ndjson"
	"github.com/cui-project/cui-server/sessioninfo"
	"github.com/cui-project/cui-server/tracker"
)

// ErrConversationNotFound is returned when no log file contains the
// requested session id.
var ErrConversationNotFound = errors.New("conversation not found")

const defaultListLimit = 20

var logger = log.GetLogger("History")

// Reader scans the projects root on demand. It is stateless aside from a
// sessionId→file cache that the fsnotify watcher invalidates when
// project directories change.
type Reader struct {
	root     string
	sessions *sessioninfo.Store
	tracker  *tracker.Tracker

	cacheMu   sync.Mutex
	fileCache map[string]string // sessionId -> jsonl path
}

// NewReader creates a reader over the given projects root.
func NewReader(root string, sessions *sessioninfo.Store, tr *tracker.Tracker) *Reader {
	return &Reader{
		root:      root,
		sessions:  sessions,
		tracker:   tr,
		fileCache: make(map[string]string),
	}
}

// sessionAggregate accumulates per-session digest fields during a scan.
type sessionAggregate struct {
	sessionID      string
	projectPath    string
	createdAt      time.Time
	updatedAt      time.Time
	messageCount   int
	totalDuration  int64
	model          string
	assistantUUIDs []string // append order; newest last
}

// scan walks every project directory and aggregates all sessions.
// Returns the per-session aggregates plus the leafUuid→summary map.
func (r *Reader) scan() (map[string]*sessionAggregate, map[string]string, error) {
	entries, err := os.ReadDir(r.root)
	if os.IsNotExist(err) {
		return map[string]*sessionAggregate{}, map[string]string{}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	aggregates := make(map[string]*sessionAggregate)
	summaries := make(map[string]string)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable project dir")
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			r.scanFile(filepath.Join(dir, f.Name()), aggregates, summaries)
		}
	}
	return aggregates, summaries, nil
}

// scanFile stream-parses one log file. Malformed lines are skipped with
// a warning; parsing never aborts the file.
func (r *Reader) scanFile(path string, aggregates map[string]*sessionAggregate, summaries map[string]string) {
	f, err := os.Open(path)
	if err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable log file")
		return
	}
	defer f.Close()

	err = ndjson.ForEach(f, func(raw json.RawMessage) error {
		var line persistedLine
		if err := json.Unmarshal(raw, &line); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("skipping malformed log line")
			return nil
		}
		if line.Type == "summary" {
			if line.LeafUUID != "" {
				// Latest record wins for a given leaf uuid.
				summaries[line.LeafUUID] = line.Summary
			}
			return nil
		}
		if line.SessionID == "" {
			return nil
		}

		agg := aggregates[line.SessionID]
		if agg == nil {
			agg = &sessionAggregate{sessionID: line.SessionID}
			aggregates[line.SessionID] = agg
		}
		agg.messageCount++
		agg.totalDuration += line.DurationMs
		if line.Cwd != "" {
			agg.projectPath = line.Cwd
		}
		if ts, err := time.Parse(time.RFC3339, line.Timestamp); err == nil {
			if agg.createdAt.IsZero() || ts.Before(agg.createdAt) {
				agg.createdAt = ts
			}
			if ts.After(agg.updatedAt) {
				agg.updatedAt = ts
			}
		}
		if line.Type == "assistant" {
			agg.assistantUUIDs = append(agg.assistantUUIDs, line.UUID)
			var body messageBody
			if err := json.Unmarshal(line.Message, &body); err == nil && body.Model != "" {
				agg.model = body.Model
			}
		}
		return nil
	}, func(badLine []byte, err error) {
		logger.Warn().Err(err).Str("file", path).Msg("skipping malformed log line")
	})
	if err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("log file read aborted")
	}
}

// resolveSummary picks the summary bound to the newest assistant message
// uuid that has one; empty string when none exists.
func resolveSummary(agg *sessionAggregate, summaries map[string]string) string {
	for i := len(agg.assistantUUIDs) - 1; i >= 0; i-- {
		if s, ok := summaries[agg.assistantUUIDs[i]]; ok {
			return s
		}
	}
	return ""
}

// summarize produces the listing digest for one aggregate, attaching
// session info and live status.
func (r *Reader) summarize(agg *sessionAggregate, summaries map[string]string) ConversationSummary {
	info := r.sessions.Get(agg.sessionID)
	cs := ConversationSummary{
		SessionID:             agg.sessionID,
		ProjectPath:           agg.projectPath,
		Summary:               resolveSummary(agg, summaries),
		CustomName:            info.CustomName,
		CreatedAt:             agg.createdAt,
		UpdatedAt:             agg.updatedAt,
		MessageCount:          agg.messageCount,
		TotalDuration:         agg.totalDuration,
		Model:                 agg.model,
		Pinned:                info.Pinned,
		Archived:              info.Archived,
		ContinuationSessionID: info.ContinuationSessionID,
		Status:                string(tracker.StatusCompleted),
	}
	if r.tracker != nil {
		cs.Status = string(r.tracker.GetStatus(agg.sessionID))
		if streamingID, ok := r.tracker.GetStreamingID(agg.sessionID); ok {
			cs.StreamingID = streamingID
		}
	}
	return cs
}

// ListConversations builds the index, applies filters, sorts and pages.
func (r *Reader) ListConversations(query ListQuery) (ListResult, error) {
	aggregates, summaries, err := r.scan()
	if err != nil {
		logger.Warn().Err(err).Str("root", r.root).Msg("history scan failed, returning empty")
		return ListResult{Conversations: []ConversationSummary{}}, nil
	}

	all := make([]ConversationSummary, 0, len(aggregates))
	for _, agg := range aggregates {
		all = append(all, r.summarize(agg, summaries))
	}

	// Filter order: project path, archived, pinned, hasContinuation.
	filtered := all[:0]
	wantPath := normalizePath(query.ProjectPath)
	for _, cs := range all {
		if wantPath != "" && !strings.HasPrefix(normalizePath(cs.ProjectPath), wantPath) {
			continue
		}
		if query.Archived != nil && cs.Archived != *query.Archived {
			continue
		}
		if query.Pinned != nil && cs.Pinned != *query.Pinned {
			continue
		}
		if query.HasContinuation != nil && (cs.ContinuationSessionID != "") != *query.HasContinuation {
			continue
		}
		filtered = append(filtered, cs)
	}

	sortSummaries(filtered, query.SortBy, query.Order)

	total := len(filtered)
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := query.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]ConversationSummary, end-offset)
	copy(page, filtered[offset:end])
	return ListResult{Conversations: page, Total: total}, nil
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimRight(filepath.Clean(p), "/")
}

func sortSummaries(list []ConversationSummary, sortBy, order string) {
	key := func(cs ConversationSummary) time.Time {
		if sortBy == "created" {
			return cs.CreatedAt
		}
		return cs.UpdatedAt
	}
	asc := order == "asc"
	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := key(list[i]), key(list[j])
		if ti.Equal(tj) {
			// Deterministic pages for equal timestamps.
			return list[i].SessionID < list[j].SessionID
		}
		if asc {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})
}

// FetchConversation returns a session's messages in file order, summary
// records dropped. The containing file is located via the cache, falling
// back to a full scan on miss.
func (r *Reader) FetchConversation(sessionID string) ([]PersistedMessage, error) {
	path, err := r.findSessionFile(sessionID)
	if err != nil {
		return nil, err
	}

	messages, err := r.readSessionMessages(path, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		// Cache pointed at a rewritten file; rescan once.
		r.invalidateSession(sessionID)
		path, err = r.findSessionFile(sessionID)
		if err != nil {
			return nil, err
		}
		messages, err = r.readSessionMessages(path, sessionID)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			return nil, ErrConversationNotFound
		}
	}
	return messages, nil
}

func (r *Reader) readSessionMessages(path, sessionID string) ([]PersistedMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []PersistedMessage
	err = ndjson.ForEach(f, func(raw json.RawMessage) error {
		var line persistedLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil
		}
		if line.Type == "summary" || line.SessionID != sessionID {
			return nil
		}
		ts, _ := time.Parse(time.RFC3339, line.Timestamp)
		messages = append(messages, PersistedMessage{
			UUID:       line.UUID,
			ParentUUID: line.ParentUUID,
			Type:       line.Type,
			Timestamp:  ts,
			SessionID:  line.SessionID,
			Cwd:        line.Cwd,
			DurationMs: line.DurationMs,
			Message:    line.Message,
			Raw:        raw,
		})
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetConversationMetadata returns the same digest listing produces, for
// one session id.
func (r *Reader) GetConversationMetadata(sessionID string) (ConversationSummary, error) {
	aggregates, summaries, err := r.scan()
	if err != nil {
		return ConversationSummary{}, err
	}
	agg, ok := aggregates[sessionID]
	if !ok {
		return ConversationSummary{}, ErrConversationNotFound
	}
	return r.summarize(agg, summaries), nil
}

// ListWorkingDirectories returns every distinct project path with its
// conversation count and most recent activity.
func (r *Reader) ListWorkingDirectories() ([]WorkingDirectory, error) {
	aggregates, _, err := r.scan()
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*WorkingDirectory)
	for _, agg := range aggregates {
		if agg.projectPath == "" {
			continue
		}
		wd := byPath[agg.projectPath]
		if wd == nil {
			wd = &WorkingDirectory{Path: agg.projectPath}
			byPath[agg.projectPath] = wd
		}
		wd.ConversationCount++
		if agg.updatedAt.After(wd.LastDate) {
			wd.LastDate = agg.updatedAt
		}
	}

	out := make([]WorkingDirectory, 0, len(byPath))
	for _, wd := range byPath {
		out = append(out, *wd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastDate.After(out[j].LastDate) })
	return out, nil
}

// findSessionFile locates the .jsonl file containing a session id,
// consulting the cache first.
func (r *Reader) findSessionFile(sessionID string) (string, error) {
	r.cacheMu.Lock()
	if path, ok := r.fileCache[sessionID]; ok {
		r.cacheMu.Unlock()
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		r.invalidateSession(sessionID)
	} else {
		r.cacheMu.Unlock()
	}

	entries, err := os.ReadDir(r.root)
	if os.IsNotExist(err) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(dir, f.Name())
			if fileContainsSession(path, sessionID) {
				r.cacheMu.Lock()
				r.fileCache[sessionID] = path
				r.cacheMu.Unlock()
				return path, nil
			}
		}
	}
	return "", ErrConversationNotFound
}

func fileContainsSession(path, sessionID string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	found := errors.New("found")
	err = ndjson.ForEach(f, func(raw json.RawMessage) error {
		var line struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(raw, &line) == nil && line.SessionID == sessionID {
			return found
		}
		return nil
	}, nil)
	return errors.Is(err, found)
}

func (r *Reader) invalidateSession(sessionID string) {
	r.cacheMu.Lock()
	delete(r.fileCache, sessionID)
	r.cacheMu.Unlock()
}

// InvalidateCache drops the whole sessionId→file cache. Called by the
// watcher when anything under the projects root changes.
func (r *Reader) InvalidateCache() {
	r.cacheMu.Lock()
	r.fileCache = make(map[string]string)
	r.cacheMu.Unlock()
}
