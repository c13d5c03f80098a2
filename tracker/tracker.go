// Package tracker maintains the authoritative mapping between
// server-minted streaming ids and CLI-assigned session ids, together with
// each session's live status.
package tracker

import (
	"sync"
	"time"
)

// Status of a session as seen by listing and fetch code paths.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Context captures what the server knew about a conversation at spawn
// time. It backs the optimistic view for sessions the CLI has not yet
// flushed to disk.
type Context struct {
	InitialPrompt    string
	WorkingDirectory string
	Model            string
	Timestamp        time.Time
}

// Event describes a register or unregister transition.
type Event struct {
	Type        string // "registered" | "unregistered"
	StreamingID string
	SessionID   string
}

// Tracker is safe for concurrent use; a single mutex serializes every
// operation so status reads always observe completed transitions.
type Tracker struct {
	mu          sync.Mutex
	bySession   map[string]string // sessionId -> streamingId, ongoing only
	byStreaming map[string]string // streamingId -> sessionId
	contexts    map[string]Context

	subscribers map[chan Event]struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		bySession:   make(map[string]string),
		byStreaming: make(map[string]string),
		contexts:    make(map[string]Context),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Register records the pairing once the CLI's init record reveals its
// session id. The session becomes ongoing.
func (t *Tracker) Register(streamingID, sessionID string, ctx Context) {
	t.mu.Lock()
	t.byStreaming[streamingID] = sessionID
	t.bySession[sessionID] = streamingID
	t.contexts[streamingID] = ctx
	t.mu.Unlock()
	t.emit(Event{Type: "registered", StreamingID: streamingID, SessionID: sessionID})
}

// Unregister marks the streaming id's session completed. The
// streamingId→sessionId mapping is retained so late lookups still
// resolve; only the ongoing entry is removed.
func (t *Tracker) Unregister(streamingID string) {
	t.mu.Lock()
	sessionID, ok := t.byStreaming[streamingID]
	if ok && t.bySession[sessionID] == streamingID {
		delete(t.bySession, sessionID)
	}
	delete(t.contexts, streamingID)
	t.mu.Unlock()
	if ok {
		t.emit(Event{Type: "unregistered", StreamingID: streamingID, SessionID: sessionID})
	}
}

// GetStatus reports whether the session currently has a live child.
func (t *Tracker) GetStatus(sessionID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.bySession[sessionID]; ok {
		return StatusOngoing
	}
	return StatusCompleted
}

// GetStreamingID returns the live streaming id for an ongoing session.
func (t *Tracker) GetStreamingID(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bySession[sessionID]
	return id, ok
}

// GetSessionID returns the session id paired with a streaming id.
func (t *Tracker) GetSessionID(streamingID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byStreaming[streamingID]
	return id, ok
}

// GetContext returns the spawn-time context for an ongoing streaming id.
func (t *Tracker) GetContext(streamingID string) (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.contexts[streamingID]
	return ctx, ok
}

// OngoingCount returns the number of sessions currently ongoing.
func (t *Tracker) OngoingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession)
}

// Subscribe registers a listener for register/unregister events. Events
// that cannot be delivered (full channel) are dropped. The returned
// function unsubscribes.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
