package history

import (
	"encoding/json"
	"time"
)

// PersistedMessage is one conversation record as the CLI wrote it to its
// per-project log, with the envelope fields parsed out and the raw line
// preserved verbatim for clients.
type PersistedMessage struct {
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid,omitempty"`
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ConversationSummary is the listing-level digest for one session.
type ConversationSummary struct {
	SessionID             string    `json:"sessionId"`
	ProjectPath           string    `json:"projectPath"`
	Summary               string    `json:"summary"`
	CustomName            string    `json:"customName,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
	MessageCount          int       `json:"messageCount"`
	TotalDuration         int64     `json:"totalDuration"`
	Model                 string    `json:"model,omitempty"`
	Pinned                bool      `json:"pinned"`
	Archived              bool      `json:"archived"`
	ContinuationSessionID string    `json:"continuationSessionId,omitempty"`
	Status                string    `json:"status"`
	StreamingID           string    `json:"streamingId,omitempty"`
}

// ListQuery selects, orders and pages the conversation index.
type ListQuery struct {
	ProjectPath     string
	Archived        *bool
	Pinned          *bool
	HasContinuation *bool
	SortBy          string // "created" | "updated" (default updated)
	Order           string // "asc" | "desc" (default desc)
	Limit           int    // default 20
	Offset          int
}

// ListResult carries one page plus the total match count.
type ListResult struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// WorkingDirectory aggregates conversations by project path.
type WorkingDirectory struct {
	Path              string    `json:"path"`
	ConversationCount int       `json:"conversationCount"`
	LastDate          time.Time `json:"lastDate"`
}

// persistedLine is the superset shape of a log line: messages and
// summary records share a file.
type persistedLine struct {
	Type        string          `json:"type"`
	UUID        string          `json:"uuid"`
	ParentUUID  string          `json:"parentUuid"`
	Timestamp   string          `json:"timestamp"`
	SessionID   string          `json:"sessionId"`
	Cwd         string          `json:"cwd"`
	DurationMs  int64           `json:"durationMs"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`

	// Summary records only.
	Summary  string `json:"summary"`
	LeafUUID string `json:"leafUuid"`
}

// messageBody is the subset of the inner message we aggregate over.
type messageBody struct {
	Role  string `json:"role"`
	Model string `json:"model"`
}
