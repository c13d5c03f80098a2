package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cui-project/cui-server/sessioninfo"
	"github.com/cui-project/cui-server/tracker"
)

func newTestReader(t *testing.T) (*Reader, string, *tracker.Tracker) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "projects")
	store := sessioninfo.NewStore(filepath.Join(dir, "session-info.json"))
	if err := store.Initialize(); err != nil {
		t.Fatalf("sessioninfo: %v", err)
	}
	tr := tracker.New()
	return NewReader(root, store, tr), root, tr
}

func writeLog(t *testing.T, root, project, name string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func msgLine(typ, uuid, sessionID, cwd, ts string, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{"type":%q,"uuid":%q,"sessionId":%q,"cwd":%q,"timestamp":%q%s}`,
		typ, uuid, sessionID, cwd, ts, extra)
}

func TestListAggregatesSessions(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", `"message":{"role":"user","content":"hi"}`),
		msgLine("assistant", "a1", "sess-1", "/tmp/proj", "2024-03-01T10:00:05Z", `"durationMs":5000,"message":{"role":"assistant","model":"claude-sonnet"}`),
		`{"type":"summary","summary":"greeting session","leafUuid":"a1"}`,
		msgLine("user", "u2", "sess-2", "/tmp/proj", "2024-03-02T09:00:00Z", `"message":{"role":"user","content":"again"}`),
	)

	result, err := r.ListConversations(ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 2 || len(result.Conversations) != 2 {
		t.Fatalf("total=%d len=%d", result.Total, len(result.Conversations))
	}
	// Default sort is updated desc: sess-2 first.
	if result.Conversations[0].SessionID != "sess-2" {
		t.Fatalf("first = %s", result.Conversations[0].SessionID)
	}
	s1 := result.Conversations[1]
	if s1.SessionID != "sess-1" {
		t.Fatalf("second = %s", s1.SessionID)
	}
	if s1.MessageCount != 2 || s1.TotalDuration != 5000 {
		t.Fatalf("aggregate = %+v", s1)
	}
	if s1.Summary != "greeting session" {
		t.Fatalf("summary = %q", s1.Summary)
	}
	if s1.Model != "claude-sonnet" {
		t.Fatalf("model = %q", s1.Model)
	}
	if s1.ProjectPath != "/tmp/proj" {
		t.Fatalf("projectPath = %q", s1.ProjectPath)
	}
	if s1.Status != "completed" {
		t.Fatalf("status = %q", s1.Status)
	}
	if !s1.CreatedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("createdAt = %v", s1.CreatedAt)
	}
	if !s1.UpdatedAt.Equal(time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)) {
		t.Fatalf("updatedAt = %v", s1.UpdatedAt)
	}
}

func TestProjectPathComesFromCwdNotDirName(t *testing.T) {
	r, root, _ := newTestReader(t)
	// Directory name encodes /tmp/my-app lossily as -tmp-my-app; cwd is
	// authoritative.
	writeLog(t, root, "-tmp-my-app", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/my-app", "2024-03-01T10:00:00Z", ""),
	)
	result, err := r.ListConversations(ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Conversations[0].ProjectPath != "/tmp/my-app" {
		t.Fatalf("projectPath = %q", result.Conversations[0].ProjectPath)
	}
}

func TestListSkipsMalformedLines(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		`this is not json`,
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
		`{"truncated":`,
	)
	result, err := r.ListConversations(ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 1 || result.Conversations[0].MessageCount != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestListMissingRootReturnsEmpty(t *testing.T) {
	r, _, _ := newTestReader(t)
	result, err := r.ListConversations(ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 0 || len(result.Conversations) != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestListFiltersAndPaging(t *testing.T) {
	r, root, _ := newTestReader(t)
	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, msgLine("user", fmt.Sprintf("u%d", i), fmt.Sprintf("sess-%d", i),
			"/tmp/proj", fmt.Sprintf("2024-03-0%dT10:00:00Z", i+1), ""))
	}
	lines = append(lines, msgLine("user", "ux", "sess-other", "/home/other", "2024-03-09T10:00:00Z", ""))
	writeLog(t, root, "-tmp-proj", "a.jsonl", lines...)

	// Project-path prefix filter.
	result, err := r.ListConversations(ListQuery{ProjectPath: "/tmp"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 5 {
		t.Fatalf("filtered total = %d", result.Total)
	}

	// Paging: ascending by created, second page of two.
	result, err = r.ListConversations(ListQuery{SortBy: "created", Order: "asc", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 6 || len(result.Conversations) != 2 {
		t.Fatalf("total=%d len=%d", result.Total, len(result.Conversations))
	}
	if result.Conversations[0].SessionID != "sess-2" || result.Conversations[1].SessionID != "sess-3" {
		t.Fatalf("page = %s,%s", result.Conversations[0].SessionID, result.Conversations[1].SessionID)
	}

	// Offset past the end yields an empty page but the true total.
	result, err = r.ListConversations(ListQuery{Offset: 50})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 6 || len(result.Conversations) != 0 {
		t.Fatalf("total=%d len=%d", result.Total, len(result.Conversations))
	}
}

func TestListArchivedAndPinnedFilters(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
		msgLine("user", "u2", "sess-2", "/tmp/proj", "2024-03-02T10:00:00Z", ""),
	)
	if _, err := r.sessions.Update("sess-1", sessioninfo.Update{Archived: boolPtr(true)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.sessions.Update("sess-2", sessioninfo.Update{Pinned: boolPtr(true)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, _ := r.ListConversations(ListQuery{Archived: boolPtr(false)})
	if result.Total != 1 || result.Conversations[0].SessionID != "sess-2" {
		t.Fatalf("archived filter: %+v", result)
	}
	result, _ = r.ListConversations(ListQuery{Pinned: boolPtr(true)})
	if result.Total != 1 || result.Conversations[0].SessionID != "sess-2" {
		t.Fatalf("pinned filter: %+v", result)
	}
}

func TestListAttachesLiveStatus(t *testing.T) {
	r, root, tr := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-live", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
		msgLine("user", "u2", "sess-done", "/tmp/proj", "2024-03-02T10:00:00Z", ""),
	)
	tr.Register("stream-7", "sess-live", tracker.Context{})

	result, err := r.ListConversations(ListQuery{SortBy: "updated", Order: "desc", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byID := map[string]ConversationSummary{}
	for _, cs := range result.Conversations {
		byID[cs.SessionID] = cs
	}
	live := byID["sess-live"]
	if live.Status != "ongoing" || live.StreamingID != "stream-7" {
		t.Fatalf("live = %+v", live)
	}
	done := byID["sess-done"]
	if done.Status != "completed" || done.StreamingID != "" {
		t.Fatalf("done = %+v", done)
	}
}

func TestSummaryTieBreakLatestWins(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("assistant", "a1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", `"message":{"role":"assistant"}`),
		`{"type":"summary","summary":"first","leafUuid":"a1"}`,
		`{"type":"summary","summary":"second","leafUuid":"a1"}`,
	)
	result, _ := r.ListConversations(ListQuery{})
	if got := result.Conversations[0].Summary; got != "second" {
		t.Fatalf("summary = %q", got)
	}
}

func TestFetchConversation(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", `"message":{"role":"user","content":"hi"}`),
		`{"type":"summary","summary":"s","leafUuid":"a1"}`,
		msgLine("assistant", "a1", "sess-1", "/tmp/proj", "2024-03-01T10:00:05Z", `"message":{"role":"assistant"}`),
		msgLine("user", "ux", "sess-other", "/tmp/proj", "2024-03-01T11:00:00Z", ""),
	)

	messages, err := r.FetchConversation("sess-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("len = %d", len(messages))
	}
	// Summary dropped, other sessions excluded, file order preserved.
	if messages[0].UUID != "u1" || messages[1].UUID != "a1" {
		t.Fatalf("order = %s,%s", messages[0].UUID, messages[1].UUID)
	}
	if messages[0].Raw == nil {
		t.Fatal("raw line not preserved")
	}

	if _, err := r.FetchConversation("sess-missing"); err != ErrConversationNotFound {
		t.Fatalf("missing err = %v", err)
	}
}

func TestFetchUsesCacheAndSurvivesFileMove(t *testing.T) {
	r, root, _ := newTestReader(t)
	path := writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
	)
	if _, err := r.FetchConversation("sess-1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// Move the log; the stale cache entry must not break the fetch.
	newPath := filepath.Join(filepath.Dir(path), "b.jsonl")
	if err := os.Rename(path, newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := r.FetchConversation("sess-1"); err != nil {
		t.Fatalf("fetch after move: %v", err)
	}
}

func TestGetConversationMetadata(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
	)
	meta, err := r.GetConversationMetadata("sess-1")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.SessionID != "sess-1" || meta.MessageCount != 1 {
		t.Fatalf("meta = %+v", meta)
	}
	if _, err := r.GetConversationMetadata("nope"); err != ErrConversationNotFound {
		t.Fatalf("missing err = %v", err)
	}
}

func TestListWorkingDirectories(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
		msgLine("user", "u2", "sess-2", "/tmp/proj", "2024-03-03T10:00:00Z", ""),
		msgLine("user", "u3", "sess-3", "/home/other", "2024-03-02T10:00:00Z", ""),
	)
	dirs, err := r.ListWorkingDirectories()
	if err != nil {
		t.Fatalf("working dirs: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("len = %d", len(dirs))
	}
	if dirs[0].Path != "/tmp/proj" || dirs[0].ConversationCount != 2 {
		t.Fatalf("dirs[0] = %+v", dirs[0])
	}
	if dirs[1].Path != "/home/other" || dirs[1].ConversationCount != 1 {
		t.Fatalf("dirs[1] = %+v", dirs[1])
	}
}

func TestWatcherInvalidatesCache(t *testing.T) {
	r, root, _ := newTestReader(t)
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
	)

	w, err := NewWatcher(r)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if _, err := r.FetchConversation("sess-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	writeLog(t, root, "-tmp-proj", "a.jsonl",
		msgLine("user", "u1", "sess-1", "/tmp/proj", "2024-03-01T10:00:00Z", ""),
		msgLine("user", "u2", "sess-1", "/tmp/proj", "2024-03-01T10:05:00Z", ""),
	)

	deadline := time.After(3 * time.Second)
	for {
		r.cacheMu.Lock()
		n := len(r.fileCache)
		r.cacheMu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("cache was not invalidated after write")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func boolPtr(b bool) *bool { return &b }
