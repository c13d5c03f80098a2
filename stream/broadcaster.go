// Package stream implements per-conversation fan-out of NDJSON records to
// any number of concurrently attached subscribers, with full-history
// replay for late joiners.
package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cui-project/cui-server/log"
)

// ErrStreamNotFound is returned when subscribing to or publishing on a
// streaming id that was never registered or has already closed.
var ErrStreamNotFound = errors.New("stream not found")

// subscriberBuffer is the live-delivery headroom per subscriber. A
// subscriber whose channel stays full gets detached rather than blocking
// the publisher.
const subscriberBuffer = 256

// Subscriber is one attached sink. Records arrive on Ch in publish order;
// the channel is closed when the stream closes or the subscriber is
// detached.
type Subscriber struct {
	streamingID string
	ch          chan json.RawMessage

	mu     sync.Mutex
	closed bool
}

// Ch returns the subscriber's receive channel.
func (s *Subscriber) Ch() <-chan json.RawMessage {
	return s.ch
}

// StreamingID returns the id this subscriber is attached to.
func (s *Subscriber) StreamingID() string {
	return s.streamingID
}

// send delivers a record without ever blocking. Returns false when the
// subscriber cannot keep up and must be detached.
func (s *Subscriber) send(record json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- record:
		return true
	default:
		return false
	}
}

func (s *Subscriber) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type streamState struct {
	mu          sync.Mutex
	history     []json.RawMessage
	subscribers map[*Subscriber]struct{}
	closed      bool
}

// Broadcaster is the directory of live streams. All methods are safe for
// concurrent use; each stream's state is serialized by its own lock.
type Broadcaster struct {
	mu      sync.RWMutex
	streams map[string]*streamState
}

var logger = log.GetLogger("Stream")

// NewBroadcaster creates an empty stream directory.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		streams: make(map[string]*streamState),
	}
}

// Register creates the stream for a freshly minted streaming id. Must be
// called before any Publish or Subscribe on that id.
func (b *Broadcaster) Register(streamingID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.streams[streamingID]; exists {
		return
	}
	b.streams[streamingID] = &streamState{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Unregister drops a stream without emitting a closed record. Used to
// roll back a failed start so no residue is left behind.
func (b *Broadcaster) Unregister(streamingID string) {
	b.mu.Lock()
	st, ok := b.streams[streamingID]
	delete(b.streams, streamingID)
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	subs := drainSubscribers(st)
	st.closed = true
	st.mu.Unlock()
	for _, sub := range subs {
		sub.closeChan()
	}
}

func (b *Broadcaster) get(streamingID string) *streamState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streams[streamingID]
}

// Publish appends a record to the stream's history and delivers it to
// every attached subscriber. Subscribers that cannot accept the record
// are detached; the publish itself never fails for a live stream.
func (b *Broadcaster) Publish(streamingID string, record json.RawMessage) error {
	st := b.get(streamingID)
	if st == nil {
		return ErrStreamNotFound
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ErrStreamNotFound
	}
	st.history = append(st.history, record)
	var dropped []*Subscriber
	for sub := range st.subscribers {
		if !sub.send(record) {
			dropped = append(dropped, sub)
			delete(st.subscribers, sub)
		}
	}
	st.mu.Unlock()

	for _, sub := range dropped {
		sub.closeChan()
		logger.Warn().Str("streamingId", streamingID).Msg("dropped slow subscriber")
	}
	return nil
}

// Subscribe attaches a new subscriber. The subscriber immediately
// receives a synthetic connected record, then the full history in
// publish order, then live records. If the stream is already closed the
// replay ends with a closed record and the channel closes.
func (b *Broadcaster) Subscribe(streamingID string) (*Subscriber, error) {
	st := b.get(streamingID)
	if st == nil {
		return nil, ErrStreamNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// History plus connected (and maybe closed) must fit without
	// blocking, so size the channel to the replay plus live headroom.
	sub := &Subscriber{
		streamingID: streamingID,
		ch:          make(chan json.RawMessage, len(st.history)+2+subscriberBuffer),
	}
	sub.ch <- connectedRecord(streamingID)
	for _, record := range st.history {
		sub.ch <- record
	}
	if st.closed {
		sub.ch <- closedRecord(streamingID)
		sub.closeChan()
		return sub, nil
	}
	st.subscribers[sub] = struct{}{}
	return sub, nil
}

// Detach removes a subscriber (client went away). Safe to call more than
// once and after Close.
func (b *Broadcaster) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}
	if st := b.get(sub.streamingID); st != nil {
		st.mu.Lock()
		delete(st.subscribers, sub)
		st.mu.Unlock()
	}
	sub.closeChan()
}

// Close marks the stream terminal, delivers the closed record to every
// subscriber, detaches them and drops the stream entry.
func (b *Broadcaster) Close(streamingID string) {
	b.mu.Lock()
	st, ok := b.streams[streamingID]
	delete(b.streams, streamingID)
	b.mu.Unlock()
	if !ok {
		return
	}

	record := closedRecord(streamingID)
	st.mu.Lock()
	st.closed = true
	subs := drainSubscribers(st)
	st.mu.Unlock()

	for _, sub := range subs {
		sub.send(record)
		sub.closeChan()
	}
}

// DisconnectAll closes every live stream. Used on server shutdown.
func (b *Broadcaster) DisconnectAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Close(id)
	}
}

// ActiveStreams returns the ids of all registered streams.
func (b *Broadcaster) ActiveStreams() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	return ids
}

func drainSubscribers(st *streamState) []*Subscriber {
	subs := make([]*Subscriber, 0, len(st.subscribers))
	for sub := range st.subscribers {
		subs = append(subs, sub)
		delete(st.subscribers, sub)
	}
	return subs
}

func connectedRecord(streamingID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"type":         "connected",
		"streaming_id": streamingID,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
	return raw
}

func closedRecord(streamingID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"type":        "closed",
		"streamingId": streamingID,
	})
	return raw
}
