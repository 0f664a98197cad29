package msglog

import (
	"testing"
	"time"

	"github.com/courierapp/courier/internal/bus"
)

func testLog() (*Log, *bus.Bus) {
	b := bus.New()
	return New(b, nil), b
}

func TestIngestRejectsMalformed(t *testing.T) {
	l, _ := testLog()

	if l.Ingest(Message{ID: "1", SenderID: "u2"}) {
		t.Error("message without content accepted")
	}
	if l.Ingest(Message{ID: "2", Content: "hi"}) {
		t.Error("message without sender accepted")
	}
	if l.Len() != 0 {
		t.Errorf("log has %d entries, want 0", l.Len())
	}
}

func TestOptimisticSendConfirmed(t *testing.T) {
	l, _ := testLog()
	tempID := NewTempID()

	l.AppendOptimistic(Message{
		TempID: tempID, ThreadID: "T123", SenderID: "me",
		Content: "Hello", Kind: KindText, CreatedAt: time.Now(),
	})
	if got := l.Snapshot(); len(got) != 1 || got[0].Content != "Hello" {
		t.Fatalf("after optimistic append: %+v", got)
	}

	l.Ingest(Message{ID: "55", TempID: tempID, ThreadID: "T123", SenderID: "me", Content: "Hello"})

	got := l.Snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d entries, want exactly 1 after confirmation", len(got))
	}
	if got[0].ID != "55" || got[0].TempID != "" {
		t.Errorf("entry = %+v, want id 55 and no temp id", got[0])
	}
}

func TestDiscardRollsBackFailedSend(t *testing.T) {
	l, b := testLog()
	ch, unsub := b.Subscribe("message.discarded", 1)
	defer unsub()

	l.AppendOptimistic(Message{TempID: "temp-1", SenderID: "me", Content: "hi"})
	if !l.Discard("temp-1") {
		t.Fatal("Discard returned false for existing temp id")
	}
	if l.Len() != 0 {
		t.Errorf("log has %d entries after discard, want 0", l.Len())
	}

	select {
	case evt := <-ch:
		if evt.Payload.(string) != "temp-1" {
			t.Errorf("discard payload = %v, want temp-1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.discarded event")
	}

	if l.Discard("temp-1") {
		t.Error("second Discard returned true")
	}
}

func TestMarkAllRead(t *testing.T) {
	l, _ := testLog()
	l.LoadHistory("T1", []Message{
		{ID: "1", SenderID: "me", Content: "a"},
		{ID: "2", SenderID: "u2", Content: "b"},
	})

	l.MarkAllRead()

	for _, m := range l.Snapshot() {
		if !m.Read {
			t.Errorf("message %s not marked read", m.ID)
		}
	}
}

func TestResetClearsThread(t *testing.T) {
	l, _ := testLog()
	l.LoadHistory("T1", []Message{{ID: "1", SenderID: "u2", Content: "a"}})

	l.Reset()

	if l.Len() != 0 || l.ThreadID() != "" {
		t.Errorf("after reset: len=%d thread=%q, want empty", l.Len(), l.ThreadID())
	}
}

func TestLoadHistoryReplacesInServerOrder(t *testing.T) {
	l, _ := testLog()
	l.AppendOptimistic(Message{TempID: "temp-1", SenderID: "me", Content: "stale"})

	hist := []Message{
		{ID: "1", SenderID: "u2", Content: "one"},
		{ID: "2", SenderID: "me", Content: "two"},
	}
	l.LoadHistory("T9", hist)

	got := l.Snapshot()
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("history not replaced in order: %+v", got)
	}
	if l.ThreadID() != "T9" {
		t.Errorf("ThreadID = %q, want T9", l.ThreadID())
	}
}
