// Package permissions records tool-use approval requests raised by the
// CLI's control-plane helper and returns user decisions to it.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cui-project/cui-server/log"
	"github.com/cui-project/cui-server/stream"
)

// Status of a permission request. Transitions are monotonic: pending
// moves to exactly one terminal state and never back.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("permission request not found")
	// ErrAlreadyDecided is returned when a second decision reaches an
	// already-terminal request, identical or not.
	ErrAlreadyDecided = errors.New("permission request already decided")
	// ErrDecisionTimeout is returned by WaitForDecision when no decision
	// arrived in time; callers synthesize a deny.
	ErrDecisionTimeout = errors.New("permission decision timed out")
)

var logger = log.GetLogger("Permissions")

// Request is one tool-use approval request.
type Request struct {
	ID            string          `json:"id"`
	StreamingID   string          `json:"streamingId"`
	ToolName      string          `json:"toolName"`
	ToolInput     json.RawMessage `json:"toolInput"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        Status          `json:"status"`
	ModifiedInput json.RawMessage `json:"modifiedInput,omitempty"`
	DenyReason    string          `json:"denyReason,omitempty"`
}

// Decision is the user's verdict on a pending request.
type Decision struct {
	Approved      bool            `json:"approved"`
	ModifiedInput json.RawMessage `json:"modifiedInput,omitempty"`
	DenyReason    string          `json:"denyReason,omitempty"`
}

// Notifier receives a ping when a new request is raised, so out-of-band
// notification channels (SSE) can surface it.
type Notifier interface {
	PermissionRequested(req Request)
}

type requestState struct {
	req     Request
	decided chan struct{} // closed on the pending→terminal transition
}

// Mediator stores requests for audit (entries never expire) and pushes
// each new request onto the owning stream as a permission_request
// record.
type Mediator struct {
	mu       sync.Mutex
	requests map[string]*requestState
	order    []string // insertion order for stable listings

	streams  *stream.Broadcaster
	notifier Notifier
}

// NewMediator creates a mediator publishing onto the given broadcaster.
// notifier may be nil.
func NewMediator(streams *stream.Broadcaster, notifier Notifier) *Mediator {
	return &Mediator{
		requests: make(map[string]*requestState),
		streams:  streams,
		notifier: notifier,
	}
}

// Notify records a fresh pending request, emits it on the stream and
// pings the notifier. Returns the stored request (with its minted id).
func (m *Mediator) Notify(toolName string, toolInput json.RawMessage, streamingID string) Request {
	req := Request{
		ID:          uuid.New().String(),
		StreamingID: streamingID,
		ToolName:    toolName,
		ToolInput:   toolInput,
		Timestamp:   time.Now(),
		Status:      StatusPending,
	}

	m.mu.Lock()
	m.requests[req.ID] = &requestState{req: req, decided: make(chan struct{})}
	m.order = append(m.order, req.ID)
	m.mu.Unlock()

	if m.streams != nil {
		record, _ := json.Marshal(map[string]interface{}{
			"type":        "permission_request",
			"id":          req.ID,
			"toolName":    req.ToolName,
			"toolInput":   req.ToolInput,
			"streamingId": req.StreamingID,
			"timestamp":   req.Timestamp.UTC().Format(time.RFC3339),
		})
		if err := m.streams.Publish(streamingID, record); err != nil {
			logger.Warn().Err(err).Str("streamingId", streamingID).Msg("permission request not delivered to stream")
		}
	}
	if m.notifier != nil {
		m.notifier.PermissionRequested(req)
	}
	logger.Info().Str("id", req.ID).Str("tool", toolName).Str("streamingId", streamingID).Msg("permission requested")
	return req
}

// Get returns one request by id.
func (m *Mediator) Get(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return st.req, nil
}

// GetAll lists requests, optionally filtered by streaming id and/or
// status, in insertion order.
func (m *Mediator) GetAll(streamingID string, status Status) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.order))
	for _, id := range m.order {
		req := m.requests[id].req
		if streamingID != "" && req.StreamingID != streamingID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	return out
}

// GetPending lists pending requests for a streaming id (all streams when
// empty).
func (m *Mediator) GetPending(streamingID string) []Request {
	return m.GetAll(streamingID, StatusPending)
}

// Decide performs the single pending→terminal transition. A request that
// is already terminal rejects every further decision, including an
// identical repeat.
func (m *Mediator) Decide(id string, d Decision) (Request, error) {
	m.mu.Lock()
	st, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return Request{}, ErrNotFound
	}
	if st.req.Status != StatusPending {
		req := st.req
		m.mu.Unlock()
		return req, ErrAlreadyDecided
	}
	if d.Approved {
		st.req.Status = StatusApproved
		st.req.ModifiedInput = d.ModifiedInput
	} else {
		st.req.Status = StatusDenied
		st.req.DenyReason = d.DenyReason
	}
	req := st.req
	close(st.decided)
	m.mu.Unlock()

	logger.Info().Str("id", id).Str("status", string(req.Status)).Msg("permission decided")
	return req, nil
}

// WaitForDecision blocks until the request is decided, the timeout
// elapses, or ctx is cancelled. The polling endpoints remain available;
// this is the single-call path for helpers that prefer a blocking wait.
func (m *Mediator) WaitForDecision(ctx context.Context, id string, timeout time.Duration) (Request, error) {
	m.mu.Lock()
	st, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return Request{}, ErrNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-st.decided:
		return m.Get(id)
	case <-timer.C:
		return Request{}, ErrDecisionTimeout
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}
