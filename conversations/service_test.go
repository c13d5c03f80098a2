package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cui-project/cui-server/claude"
	"github.com/cui-project/cui-server/config"
	"github.com/cui-project/cui-server/history"
	"github.com/cui-project/cui-server/sessioninfo"
	"github.com/cui-project/cui-server/stream"
	"github.com/cui-project/cui-server/tracker"
)

type fixture struct {
	svc     *Service
	streams *stream.Broadcaster
	tracker *tracker.Tracker
	root    string
	workDir string
}

func newFixture(t *testing.T, cliScript string) *fixture {
	t.Helper()
	base := t.TempDir()
	workDir := filepath.Join(base, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cliPath := filepath.Join(base, "mock-claude")
	if err := os.WriteFile(cliPath, []byte("#!/bin/sh\n"+cliScript), 0755); err != nil {
		t.Fatalf("write cli: %v", err)
	}

	cfg := &config.Config{
		DataDir:          filepath.Join(base, "data"),
		BaseURL:          "http://localhost:3001",
		ClaudePath:       cliPath,
		PermissionHelper: "cui-permission-helper",
		PermissionTool:   "mcp__cui-permissions__approval_prompt",
		MaxConversations: 5,
		InitTimeout:      5 * time.Second,
		StopGracePeriod:  time.Second,
	}
	streams := stream.NewBroadcaster()
	tr := tracker.New()
	sessions := sessioninfo.NewStore(filepath.Join(base, "data", "session-info.json"))
	if err := sessions.Initialize(); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	root := filepath.Join(base, "projects")
	hist := history.NewReader(root, sessions, tr)
	manager := claude.NewManager(cfg, streams, tr, nil)

	return &fixture{
		svc:     NewService(cfg, manager, tr, hist, sessions),
		streams: streams,
		tracker: tr,
		root:    root,
		workDir: workDir,
	}
}

const initLine = `{"type":"system","subtype":"init","session_id":"cli-id-1","cwd":"/tmp/w","tools":["Bash"],"mcp_servers":[],"model":"claude-mock","permissionMode":"default","apiKeySource":"none"}`

func echoingScript() string {
	return fmt.Sprintf(`
echo '%s'
echo '{"type":"result","subtype":"success","is_error":false,"duration_ms":5,"session_id":"cli-id-1"}'
`, initLine)
}

func seedHistory(t *testing.T, root, sessionID, cwd string) {
	t.Helper()
	dir := filepath.Join(root, "-tmp-w")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line := fmt.Sprintf(`{"type":"user","uuid":"u1","sessionId":%q,"cwd":%q,"timestamp":"2024-03-01T10:00:00Z","message":{"role":"user","content":"hi"}}`, sessionID, cwd)
	if err := os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(line+"\n"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, echoingScript())

	cases := []struct {
		req  StartRequest
		code string
	}{
		{StartRequest{InitialPrompt: "hi"}, CodeMissingWorkingDirectory},
		{StartRequest{WorkingDirectory: f.workDir}, CodeMissingInitialPrompt},
		{StartRequest{WorkingDirectory: f.workDir, InitialPrompt: "hi", PermissionMode: "yolo"}, CodeInvalidRequest},
	}
	for _, tc := range cases {
		_, err := f.svc.Start(context.Background(), tc.req)
		verr, ok := err.(*ValidationError)
		if !ok || verr.Code != tc.code {
			t.Fatalf("req %+v: err = %v, want code %s", tc.req, err, tc.code)
		}
	}
}

func TestStartReturnsInitEcho(t *testing.T) {
	f := newFixture(t, echoingScript())

	resp, err := f.svc.Start(context.Background(), StartRequest{
		WorkingDirectory: f.workDir,
		InitialPrompt:    "Hello",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.SessionID != "cli-id-1" || resp.StreamURL != "/api/stream/"+resp.StreamingID {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Model != "claude-mock" || resp.Cwd != "/tmp/w" {
		t.Fatalf("init echo = %+v", resp)
	}
}

func TestResumeValidation(t *testing.T) {
	f := newFixture(t, echoingScript())

	if _, err := f.svc.Resume(context.Background(), "", "msg"); err.(*ValidationError).Code != CodeMissingSessionID {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.Resume(context.Background(), "sess", ""); err.(*ValidationError).Code != CodeMissingMessage {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.Resume(context.Background(), "never-seen", "msg"); err.(*ValidationError).Code != CodeConversationNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestResumeLinksContinuation(t *testing.T) {
	f := newFixture(t, echoingScript())
	seedHistory(t, f.root, "old-session", f.workDir)

	resp, err := f.svc.Resume(context.Background(), "old-session", "keep going")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resp.SessionID != "cli-id-1" {
		t.Fatalf("resp = %+v", resp)
	}
	info := f.svc.sessions.Get("old-session")
	if info.ContinuationSessionID != "cli-id-1" {
		t.Fatalf("continuation = %q", info.ContinuationSessionID)
	}
}

func TestGetPersistedConversation(t *testing.T) {
	f := newFixture(t, echoingScript())
	seedHistory(t, f.root, "sess-1", "/tmp/w")

	got, err := f.svc.Get("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 || got.ProjectPath != "/tmp/w" {
		t.Fatalf("got = %+v", got)
	}
}

func TestGetOptimisticViewForActiveSession(t *testing.T) {
	f := newFixture(t, echoingScript())

	// Active session, nothing on disk yet.
	f.tracker.Register("stream-1", "cli-id-9", tracker.Context{
		InitialPrompt:    "Hello",
		WorkingDirectory: "/tmp/w",
		Timestamp:        time.Now(),
	})

	got, err := f.svc.Get("cli-id-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %d", len(got.Messages))
	}
	var msg struct {
		UUID    string `json:"uuid"`
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
	}
	if err := json.Unmarshal(got.Messages[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.UUID != "active-cli-id-9-user" || msg.Type != "user" ||
		msg.Message.Role != "user" || msg.Message.Content != "Hello" ||
		msg.SessionID != "cli-id-9" || msg.Cwd != "/tmp/w" {
		t.Fatalf("optimistic message = %+v", msg)
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	f := newFixture(t, echoingScript())
	_, err := f.svc.Get("ghost")
	verr, ok := err.(*ValidationError)
	if !ok || verr.Code != CodeConversationNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestStopUnknownReturnsFalse(t *testing.T) {
	f := newFixture(t, echoingScript())
	if f.svc.Stop("non-existent") {
		t.Fatal("expected false")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, echoingScript())
	st := f.svc.Status()
	if st.ClaudePath == "" || st.Timestamp == "" {
		t.Fatalf("status = %+v", st)
	}
	if st.ActiveConversations != 0 {
		t.Fatalf("active = %d", st.ActiveConversations)
	}
}
