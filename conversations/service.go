// Package conversations is the facade the HTTP layer talks to: argument
// validation plus thin composition over the process manager, history
// reader, tracker and session-info store.
package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cui-project/cui-server/claude"
	"github.com/cui-project/cui-server/config"
	"github.com/cui-project/cui-server/history"
	"github.com/cui-project/cui-server/log"
	"github.com/cui-project/cui-server/sessioninfo"
	"github.com/cui-project/cui-server/tracker"
)

// Validation error codes surfaced verbatim as 4xx responses.
const (
	CodeMissingWorkingDirectory = "MISSING_WORKING_DIRECTORY"
	CodeMissingInitialPrompt    = "MISSING_INITIAL_PROMPT"
	CodeMissingSessionID        = "MISSING_SESSION_ID"
	CodeMissingMessage          = "MISSING_MESSAGE"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeConversationNotFound    = "CONVERSATION_NOT_FOUND"
)

// ValidationError is a caller error with a stable machine-readable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErr(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

var permissionModes = map[string]bool{
	"":                  true,
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

var logger = log.GetLogger("Conversations")

// StartRequest is the body of POST /api/conversations/start.
type StartRequest struct {
	WorkingDirectory string   `json:"workingDirectory"`
	InitialPrompt    string   `json:"initialPrompt"`
	Model            string   `json:"model"`
	AllowedTools     []string `json:"allowedTools"`
	DisallowedTools  []string `json:"disallowedTools"`
	SystemPrompt     string   `json:"systemPrompt"`
	PermissionMode   string   `json:"permissionMode"`
}

// StartResponse echoes the CLI's init record plus the streaming handle.
type StartResponse struct {
	StreamingID    string                 `json:"streamingId"`
	StreamURL      string                 `json:"streamUrl"`
	SessionID      string                 `json:"sessionId"`
	Cwd            string                 `json:"cwd"`
	Tools          []string               `json:"tools"`
	MCPServers     []claude.MCPServerInfo `json:"mcpServers"`
	Model          string                 `json:"model"`
	PermissionMode string                 `json:"permissionMode"`
	APIKeySource   string                 `json:"apiKeySource"`
}

// GetResult is the body of GET /api/conversations/:sessionId.
type GetResult struct {
	Messages    []json.RawMessage `json:"messages"`
	Summary     string            `json:"summary"`
	ProjectPath string            `json:"projectPath"`
	Metadata    GetMetadata       `json:"metadata"`
}

// GetMetadata carries the digest fields alongside the messages.
type GetMetadata struct {
	TotalDuration int64  `json:"totalDuration"`
	Model         string `json:"model,omitempty"`
}

// SystemStatus is the body of GET /api/system/status.
type SystemStatus struct {
	ClaudePath          string `json:"claudePath"`
	ActiveConversations int    `json:"activeConversations"`
	UptimeSeconds       int64  `json:"uptimeSeconds"`
	Timestamp           string `json:"timestamp"`
}

// Service composes the core components on behalf of the HTTP layer.
type Service struct {
	cfg      *config.Config
	manager  *claude.Manager
	tracker  *tracker.Tracker
	history  *history.Reader
	sessions *sessioninfo.Store

	startedAt time.Time
}

// NewService wires the facade.
func NewService(cfg *config.Config, manager *claude.Manager, tr *tracker.Tracker, hist *history.Reader, sessions *sessioninfo.Store) *Service {
	return &Service{
		cfg:       cfg,
		manager:   manager,
		tracker:   tr,
		history:   hist,
		sessions:  sessions,
		startedAt: time.Now(),
	}
}

// Start validates the request and spawns a fresh conversation.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if req.WorkingDirectory == "" {
		return nil, validationErr(CodeMissingWorkingDirectory, "workingDirectory is required")
	}
	if req.InitialPrompt == "" {
		return nil, validationErr(CodeMissingInitialPrompt, "initialPrompt is required")
	}
	if !permissionModes[req.PermissionMode] {
		return nil, validationErr(CodeInvalidRequest, fmt.Sprintf("unknown permissionMode %q", req.PermissionMode))
	}

	result, err := s.manager.Start(ctx, claude.StartConfig{
		WorkingDirectory: req.WorkingDirectory,
		InitialPrompt:    req.InitialPrompt,
		Model:            req.Model,
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
		SystemPrompt:     req.SystemPrompt,
		PermissionMode:   req.PermissionMode,
	})
	if err != nil {
		return nil, err
	}
	return startResponse(result), nil
}

// Resume spawns a new child continuing a persisted session. The prior
// session is linked to the new one via continuation_session_id.
func (s *Service) Resume(ctx context.Context, sessionID, message string) (*StartResponse, error) {
	if sessionID == "" {
		return nil, validationErr(CodeMissingSessionID, "sessionId is required")
	}
	if message == "" {
		return nil, validationErr(CodeMissingMessage, "message is required")
	}

	meta, err := s.history.GetConversationMetadata(sessionID)
	if err != nil {
		return nil, validationErr(CodeConversationNotFound, "no conversation with that sessionId")
	}

	result, err := s.manager.Start(ctx, claude.StartConfig{
		WorkingDirectory: meta.ProjectPath,
		InitialPrompt:    message,
		ResumeSessionID:  sessionID,
	})
	if err != nil {
		return nil, err
	}
	if result.Init.SessionID != sessionID {
		if _, err := s.sessions.Update(sessionID, sessioninfo.Update{
			ContinuationSessionID: &result.Init.SessionID,
		}); err != nil {
			logger.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to link continuation")
		}
	}
	return startResponse(result), nil
}

func startResponse(result claude.StartResult) *StartResponse {
	return &StartResponse{
		StreamingID:    result.StreamingID,
		StreamURL:      "/api/stream/" + result.StreamingID,
		SessionID:      result.Init.SessionID,
		Cwd:            result.Init.Cwd,
		Tools:          result.Init.Tools,
		MCPServers:     result.Init.MCPServers,
		Model:          result.Init.Model,
		PermissionMode: result.Init.PermissionMode,
		APIKeySource:   result.Init.APIKeySource,
	}
}

// Stop asks a live conversation's child to exit.
func (s *Service) Stop(streamingID string) bool {
	return s.manager.Stop(streamingID)
}

// List pages the conversation index.
func (s *Service) List(query history.ListQuery) (history.ListResult, error) {
	return s.history.ListConversations(query)
}

// Get returns a conversation's messages. An active session the CLI has
// not yet flushed to disk gets an optimistic single-message view instead
// of a 404.
func (s *Service) Get(sessionID string) (*GetResult, error) {
	messages, err := s.history.FetchConversation(sessionID)
	if err == history.ErrConversationNotFound {
		if optimistic := s.optimisticView(sessionID); optimistic != nil {
			return optimistic, nil
		}
		return nil, validationErr(CodeConversationNotFound, "no conversation with that sessionId")
	}
	if err != nil {
		return nil, err
	}

	raws := make([]json.RawMessage, len(messages))
	for i, m := range messages {
		raws[i] = m.Raw
	}
	out := &GetResult{Messages: raws}
	if meta, err := s.history.GetConversationMetadata(sessionID); err == nil {
		out.Summary = meta.Summary
		out.ProjectPath = meta.ProjectPath
		out.Metadata = GetMetadata{TotalDuration: meta.TotalDuration, Model: meta.Model}
	}
	return out, nil
}

// optimisticView synthesizes a single user message from the tracker's
// spawn context for an ongoing-but-unpersisted session.
func (s *Service) optimisticView(sessionID string) *GetResult {
	streamingID, ok := s.tracker.GetStreamingID(sessionID)
	if !ok {
		return nil
	}
	ctx, ok := s.tracker.GetContext(streamingID)
	if !ok {
		return nil
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"uuid": fmt.Sprintf("active-%s-user", sessionID),
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": ctx.InitialPrompt,
		},
		"timestamp": ctx.Timestamp.UTC().Format(time.RFC3339),
		"sessionId": sessionID,
		"cwd":       ctx.WorkingDirectory,
	})
	return &GetResult{
		Messages:    []json.RawMessage{raw},
		ProjectPath: ctx.WorkingDirectory,
		Metadata:    GetMetadata{Model: ctx.Model},
	}
}

// UpdateSessionInfo applies a partial metadata patch.
func (s *Service) UpdateSessionInfo(sessionID string, patch sessioninfo.Update) (sessioninfo.SessionInfo, error) {
	if sessionID == "" {
		return sessioninfo.SessionInfo{}, validationErr(CodeMissingSessionID, "sessionId is required")
	}
	return s.sessions.Update(sessionID, patch)
}

// WorkingDirectories lists distinct project paths with usage stats.
func (s *Service) WorkingDirectories() ([]history.WorkingDirectory, error) {
	return s.history.ListWorkingDirectories()
}

// Status reports server health for the system-status endpoint.
func (s *Service) Status() SystemStatus {
	return SystemStatus{
		ClaudePath:          s.cfg.ClaudePath,
		ActiveConversations: s.tracker.OngoingCount(),
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
	}
}
