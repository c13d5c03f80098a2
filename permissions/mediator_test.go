package permissions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cui-project/cui-server/stream"
)

func TestNotifyStoresPendingAndPublishes(t *testing.T) {
	streams := stream.NewBroadcaster()
	streams.Register("s1")
	sub, err := streams.Subscribe("s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-sub.Ch() // connected

	m := NewMediator(streams, nil)
	req := m.Notify("Bash", json.RawMessage(`{"command":"ls"}`), "s1")
	if req.ID == "" || req.Status != StatusPending {
		t.Fatalf("request = %+v", req)
	}

	select {
	case raw := <-sub.Ch():
		var rec struct {
			Type     string `json:"type"`
			ID       string `json:"id"`
			ToolName string `json:"toolName"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if rec.Type != "permission_request" || rec.ID != req.ID || rec.ToolName != "Bash" {
			t.Fatalf("record = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("permission_request record not published")
	}

	pending := m.GetPending("s1")
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestDecideApprove(t *testing.T) {
	m := NewMediator(nil, nil)
	req := m.Notify("Bash", json.RawMessage(`{"command":"ls"}`), "s1")

	decided, err := m.Decide(req.ID, Decision{Approved: true, ModifiedInput: json.RawMessage(`{"command":"ls -l"}`)})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusApproved || string(decided.ModifiedInput) != `{"command":"ls -l"}` {
		t.Fatalf("decided = %+v", decided)
	}
	if got := m.GetPending("s1"); len(got) != 0 {
		t.Fatalf("still pending: %+v", got)
	}
	all := m.GetAll("s1", "")
	if len(all) != 1 || all[0].Status != StatusApproved {
		t.Fatalf("all = %+v", all)
	}
}

func TestDecideDeny(t *testing.T) {
	m := NewMediator(nil, nil)
	req := m.Notify("Write", json.RawMessage(`{"path":"/etc/passwd"}`), "s1")

	decided, err := m.Decide(req.ID, Decision{Approved: false, DenyReason: "nope"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusDenied || decided.DenyReason != "nope" {
		t.Fatalf("decided = %+v", decided)
	}
}

func TestDecideIsSingleTransition(t *testing.T) {
	m := NewMediator(nil, nil)
	req := m.Notify("Bash", nil, "s1")
	if _, err := m.Decide(req.ID, Decision{Approved: true}); err != nil {
		t.Fatalf("first decide: %v", err)
	}

	// Both a differing and an identical repeat are rejected.
	if _, err := m.Decide(req.ID, Decision{Approved: false, DenyReason: "x"}); err != ErrAlreadyDecided {
		t.Fatalf("second decide err = %v", err)
	}
	got, err := m.Decide(req.ID, Decision{Approved: true})
	if err != ErrAlreadyDecided {
		t.Fatalf("identical repeat err = %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("terminal state lost: %+v", got)
	}
}

func TestDecideRace(t *testing.T) {
	m := NewMediator(nil, nil)
	req := m.Notify("Bash", nil, "s1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Decide(req.ID, Decision{Approved: i%2 == 0})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if err != ErrAlreadyDecided {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("winners = %d, want exactly 1", ok)
	}
}

func TestDecideUnknown(t *testing.T) {
	m := NewMediator(nil, nil)
	if _, err := m.Decide("missing", Decision{Approved: true}); err != ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitForDecision(t *testing.T) {
	m := NewMediator(nil, nil)
	req := m.Notify("Bash", nil, "s1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Decide(req.ID, Decision{Approved: true})
	}()

	got, err := m.WaitForDecision(context.Background(), req.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("got = %+v", got)
	}
}

func TestWaitForDecisionTimeout(t *testing.T) {
	m := NewMediator(nil, nil)
	req := m.Notify("Bash", nil, "s1")
	if _, err := m.WaitForDecision(context.Background(), req.ID, 20*time.Millisecond); err != ErrDecisionTimeout {
		t.Fatalf("err = %v", err)
	}
	// Timed-out requests stay pending for audit; a late decision still
	// lands.
	if _, err := m.Decide(req.ID, Decision{Approved: true}); err != nil {
		t.Fatalf("late decide: %v", err)
	}
}

func TestGetAllFilters(t *testing.T) {
	m := NewMediator(nil, nil)
	a := m.Notify("Bash", nil, "s1")
	m.Notify("Write", nil, "s2")
	m.Decide(a.ID, Decision{Approved: true})

	if got := m.GetAll("s1", ""); len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("by stream = %+v", got)
	}
	if got := m.GetAll("", StatusPending); len(got) != 1 || got[0].StreamingID != "s2" {
		t.Fatalf("by status = %+v", got)
	}
	if got := m.GetAll("", ""); len(got) != 2 {
		t.Fatalf("all = %+v", got)
	}
}
