package claude

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record type tags emitted by the CLI on stdout. Anything outside this
// set is passed through to subscribers untouched.
const (
	RecordTypeSystem    = "system"
	RecordTypeAssistant = "assistant"
	RecordTypeUser      = "user"
	RecordTypeResult    = "result"
	RecordTypeError     = "error"

	systemSubtypeInit = "init"
)

// Record is one decoded stdout line: the envelope fields needed for
// routing plus the raw bytes preserved verbatim for clients.
type Record struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// SystemInit is the CLI's initialization record: the first record on
// stdout, carrying the session id it assigned.
type SystemInit struct {
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype"`
	SessionID      string          `json:"session_id"`
	Cwd            string          `json:"cwd"`
	Tools          []string        `json:"tools"`
	MCPServers     []MCPServerInfo `json:"mcp_servers"`
	Model          string          `json:"model"`
	PermissionMode string          `json:"permissionMode"`
	APIKeySource   string          `json:"apiKeySource"`
}

// MCPServerInfo identifies one MCP server the CLI connected to.
type MCPServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ResultRecord is the terminal record: at most one, only as the last
// payload before EOF.
type ResultRecord struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	IsError    bool   `json:"is_error"`
	DurationMs int64  `json:"duration_ms"`
	SessionID  string `json:"session_id"`
	Result     string `json:"result,omitempty"`
}

// ParseRecord decodes the envelope of one stdout line. The raw bytes are
// retained so the record reaches clients byte for byte.
func ParseRecord(raw json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("parse record: %w", err)
	}
	rec.Raw = raw
	return rec, nil
}

// IsInit reports whether the record is the CLI's initialization record.
func (r Record) IsInit() bool {
	return r.Type == RecordTypeSystem && r.Subtype == systemSubtypeInit
}

// ParseSystemInit decodes the full init record.
func ParseSystemInit(raw json.RawMessage) (SystemInit, error) {
	var init SystemInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return SystemInit{}, fmt.Errorf("parse init record: %w", err)
	}
	if init.SessionID == "" {
		return SystemInit{}, fmt.Errorf("init record carries no session id")
	}
	return init, nil
}

// errorRecord synthesizes a stream error record from a stderr line or a
// parse failure.
func errorRecord(streamingID, message string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"type":        RecordTypeError,
		"streamingId": streamingID,
		"error":       message,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	return raw
}

// syntheticResult synthesizes the terminal result record published when
// a child exits without emitting one itself (crash, kill).
func syntheticResult(sessionID string, exitCode int, duration time.Duration) json.RawMessage {
	raw, _ := json.Marshal(ResultRecord{
		Type:       RecordTypeResult,
		Subtype:    "error_during_execution",
		IsError:    exitCode != 0,
		DurationMs: duration.Milliseconds(),
		SessionID:  sessionID,
	})
	return raw
}
