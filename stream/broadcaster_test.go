package stream

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func record(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))
}

func collect(t *testing.T, sub *Subscriber, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case raw, ok := <-sub.Ch():
			if !ok {
				t.Fatalf("channel closed after %d records, wanted %d", len(out), n)
			}
			out = append(out, string(raw))
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %d records, wanted %d", len(out), n)
		}
	}
	return out
}

func recordType(t *testing.T, raw string) string {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	typ, _ := m["type"].(string)
	return typ
}

func TestSubscribeUnknownStream(t *testing.T) {
	b := NewBroadcaster()
	if _, err := b.Subscribe("missing"); err != ErrStreamNotFound {
		t.Fatalf("err = %v, want ErrStreamNotFound", err)
	}
}

func TestLateJoinerReplaysFullHistory(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")

	for i := 0; i < 3; i++ {
		if err := b.Publish("s1", record(i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub, err := b.Subscribe("s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := collect(t, sub, 4)
	if recordType(t, got[0]) != "connected" {
		t.Fatalf("first record = %s, want connected", got[0])
	}
	for i := 0; i < 3; i++ {
		if got[i+1] != string(record(i)) {
			t.Fatalf("replay[%d] = %s", i, got[i+1])
		}
	}
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")

	early, _ := b.Subscribe("s1")
	b.Publish("s1", record(0))
	b.Publish("s1", record(1))
	late, _ := b.Subscribe("s1")
	b.Publish("s1", record(2))
	b.Close("s1")

	// connected + 3 records + closed for both.
	gotEarly := collect(t, early, 5)
	gotLate := collect(t, late, 5)
	for i := 1; i <= 3; i++ {
		if gotEarly[i] != gotLate[i] {
			t.Fatalf("order diverged at %d: %s vs %s", i, gotEarly[i], gotLate[i])
		}
	}
	if recordType(t, gotEarly[4]) != "closed" || recordType(t, gotLate[4]) != "closed" {
		t.Fatal("both subscribers should end with a closed record")
	}
}

func TestCloseDeliversClosedAndEndsChannel(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")
	sub, _ := b.Subscribe("s1")
	b.Publish("s1", record(7))
	b.Close("s1")

	got := collect(t, sub, 3)
	if recordType(t, got[2]) != "closed" {
		t.Fatalf("last record = %s", got[2])
	}
	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("expected channel close after closed record")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
	// Stream entry is gone.
	if _, err := b.Subscribe("s1"); err != ErrStreamNotFound {
		t.Fatalf("post-close subscribe err = %v", err)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")
	b.Close("s1")
	if err := b.Publish("s1", record(0)); err != ErrStreamNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestSlowSubscriberIsDetachedNotBlocking(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")
	sub, _ := b.Subscribe("s1")

	// Never read: fill connected + buffer headroom, then overflow.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish("s1", record(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The channel eventually closes because the subscriber was dropped.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was never detached")
		}
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")
	sub, _ := b.Subscribe("s1")
	b.Detach(sub)
	b.Detach(sub)
	if err := b.Publish("s1", record(0)); err != nil {
		t.Fatalf("publish after detach: %v", err)
	}
}

func TestDisconnectAll(t *testing.T) {
	b := NewBroadcaster()
	b.Register("s1")
	b.Register("s2")
	sub1, _ := b.Subscribe("s1")
	sub2, _ := b.Subscribe("s2")
	b.DisconnectAll()

	for _, sub := range []*Subscriber{sub1, sub2} {
		got := collect(t, sub, 2)
		if recordType(t, got[1]) != "closed" {
			t.Fatalf("want closed record, got %s", got[1])
		}
	}
	if len(b.ActiveStreams()) != 0 {
		t.Fatalf("streams remain: %v", b.ActiveStreams())
	}
}
