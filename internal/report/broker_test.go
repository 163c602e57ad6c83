package report

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBroker_Counters(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	b.SetShardsTotal(3)
	b.SetPhase("extract")
	b.Advance(Counters{Pages: 2, Revisions: 10, Operations: 7})
	b.Advance(Counters{Pages: 1, Skips: 3})
	b.ShardDone()
	b.ShardFailed()
	b.AddEmitted(100)

	// Status flows through the same loop, so it observes everything sent
	// before it.
	st := b.Status()
	if st.Phase != "extract" || st.ShardsTotal != 3 {
		t.Errorf("status = %+v", st)
	}
	if st.ShardsDone != 1 || st.ShardsFailed != 1 {
		t.Errorf("shards = %d done %d failed", st.ShardsDone, st.ShardsFailed)
	}
	if st.Counters.Pages != 3 || st.Counters.Revisions != 10 || st.Counters.Operations != 7 || st.Counters.Skips != 3 {
		t.Errorf("counters = %+v", st.Counters)
	}
	if st.Emitted != 100 {
		t.Errorf("emitted = %d, want 100", st.Emitted)
	}
}

func TestBroker_SubscribeReceivesFailures(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", b.ClientCount())
	}

	b.PublishFailure(Failure{Shard: "history1.bz2", Kind: "corrupt-archive", Detail: "boom"})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.HasPrefix(s, "event: failure\n") {
			t.Errorf("message = %q", s)
		}
		if !strings.Contains(s, "corrupt-archive") {
			t.Errorf("payload missing kind: %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Errorf("clients = %d after unsubscribe", b.ClientCount())
	}
}

func TestBroker_CloseClosesClients(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	b.Close()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	// Operations after close are no-ops, not panics.
	b.PublishFailure(Failure{Kind: "late"})
	b.ShardDone()
	if st := b.Status(); st.ShardsDone != 0 {
		t.Errorf("status after close = %+v", st)
	}
}

func TestBroker_ServeHTTPStopsOnClose(t *testing.T) {
	b := NewBroker()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/events", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.ServeHTTP(rec, req)
	}()

	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after broker close")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
}
