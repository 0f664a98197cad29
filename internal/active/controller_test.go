package active

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/directory"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/rest"
	"github.com/courierapp/courier/internal/socket"
	"github.com/goccy/go-json"
)

type emitted struct {
	event   string
	payload string
}

// fakeConn records emits and lets tests fail acks per event.
type fakeConn struct {
	mu       sync.Mutex
	emits    []emitted
	ackErr   map[string]error
	handlers map[string]socket.Handler
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		ackErr:   make(map[string]error),
		handlers: make(map[string]socket.Handler),
	}
}

func (f *fakeConn) record(event string, payload any) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	f.emits = append(f.emits, emitted{event: event, payload: string(raw)})
	f.mu.Unlock()
}

func (f *fakeConn) Emit(event string, payload any) error {
	f.record(event, payload)
	return nil
}

func (f *fakeConn) EmitWithAck(ctx context.Context, event string, payload any) error {
	f.record(event, payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ackErr[event]
}

func (f *fakeConn) Subscribe(event string, h socket.Handler) *socket.Subscription {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) setAckErr(event string, err error) {
	f.mu.Lock()
	f.ackErr[event] = err
	f.mu.Unlock()
}

func (f *fakeConn) all() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeConn) sent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) deliver(event string, payload any) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

type fakeTracker struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeTracker) Complete(tempID string) {
	f.mu.Lock()
	f.completed = append(f.completed, tempID)
	f.mu.Unlock()
}

func writeEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": 1, "response": "ok", "data": json.RawMessage(raw),
	})
}

// backend serves thread history for T1/T2 and thread creation for carol.
func backend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/messages/T1", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{
			{"id": "m1", "sender_id": "alice", "content": "hello", "created_at": "2026-08-20T10:00:00Z"},
			{"id": "m2", "sender_id": "me", "content": "hi", "created_at": "2026-08-20T10:01:00Z"},
		})
	})
	mux.HandleFunc("/chat/messages/T2", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{})
	})
	mux.HandleFunc("/chat/messages/T-new", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{})
	})
	mux.HandleFunc("/chat/thread/carol", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil)
	})
	mux.HandleFunc("/chat/thread", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{"id": "T-new"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	c    *Controller
	conn *fakeConn
	log  *msglog.Log
	dir  *directory.Directory
	tr   *fakeTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := backend(t)
	b := bus.New()
	conn := newFakeConn()
	log := msglog.New(b, nil)
	dir := directory.New(rest.New(srv.URL, "tok", nil), "me", b, nil)
	dir.Prime([]directory.Thread{
		{PartnerID: "alice", Name: "Alice", ThreadID: "T1"},
		{PartnerID: "bob", Name: "Bob", ThreadID: "T2"},
	})
	tr := &fakeTracker{}

	c := New(rest.New(srv.URL, "tok", nil), conn, log, dir, tr, b, nil, "me")
	c.retryDelay = 20 * time.Millisecond
	c.typingDebounce = 30 * time.Millisecond
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	return &fixture{c: c, conn: conn, log: log, dir: dir, tr: tr}
}

func waitState(t *testing.T, c *Controller, want SwitchState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, s := c.Active(); s == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, _, s := c.Active()
	t.Fatalf("state = %s, want %s", s, want)
}

func TestSelectRunsFullSequence(t *testing.T) {
	f := newFixture(t)

	f.c.Select("alice")
	waitState(t, f.c, Ready)

	partner, thread, _ := f.c.Active()
	if partner != "alice" || thread != "T1" {
		t.Fatalf("active = %s/%s, want alice/T1", partner, thread)
	}
	if f.log.ThreadID() != "T1" || f.log.Len() != 2 {
		t.Errorf("history not loaded: thread=%s len=%d", f.log.ThreadID(), f.log.Len())
	}
	if joins := f.conn.sent(socket.SignalJoinThread); len(joins) != 1 {
		t.Errorf("joinThread emitted %d times, want 1", len(joins))
	}
	if leaves := f.conn.sent(socket.SignalLeaveThread); len(leaves) != 0 {
		t.Errorf("leaveThread emitted with no previous thread: %v", leaves)
	}
	if reads := f.conn.sent(socket.SignalMarkAsRead); len(reads) != 1 {
		t.Errorf("markAsRead emitted %d times, want 1", len(reads))
	}
}

func TestSelectLeavesPreviousThread(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)

	f.c.Select("bob")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p, _, s := f.c.Active(); p == "bob" && s == Ready {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	leaves := f.conn.sent(socket.SignalLeaveThread)
	if len(leaves) != 1 || leaves[0].payload != `{"threadId":"T1"}` {
		t.Errorf("leaves = %v", leaves)
	}

	// T1 must be left before T2 is joined.
	leaveIdx, joinIdx := -1, -1
	for i, e := range f.conn.all() {
		switch {
		case e.event == socket.SignalLeaveThread:
			leaveIdx = i
		case e.event == socket.SignalJoinThread && e.payload == `{"threadId":"T2"}`:
			joinIdx = i
		}
	}
	if leaveIdx == -1 || joinIdx == -1 || leaveIdx > joinIdx {
		t.Errorf("leave at %d, join at %d, want leave first", leaveIdx, joinIdx)
	}

	if _, thread, _ := f.c.Active(); thread != "T2" {
		t.Errorf("active thread = %s, want T2", thread)
	}
	if f.log.ThreadID() != "T2" || f.log.Len() != 0 {
		t.Errorf("log not reset for new thread: thread=%s len=%d", f.log.ThreadID(), f.log.Len())
	}
}

func TestSelectCreatesThreadWhenMissing(t *testing.T) {
	f := newFixture(t)

	f.c.Select("carol")
	waitState(t, f.c, Ready)

	if _, thread, _ := f.c.Active(); thread != "T-new" {
		t.Errorf("thread = %s, want T-new", thread)
	}
	if entry, ok := f.dir.Find("carol"); ok && entry.ThreadID != "T-new" {
		t.Errorf("directory entry not attached: %+v", entry)
	}
}

func TestSelectRetriesAfterJoinFailure(t *testing.T) {
	f := newFixture(t)
	f.conn.setAckErr(socket.SignalJoinThread, context.DeadlineExceeded)

	f.c.Select("alice")
	waitState(t, f.c, Failed)
	if reads := f.conn.sent(socket.SignalMarkAsRead); len(reads) != 0 {
		t.Errorf("markAsRead emitted before a successful join ack: %v", reads)
	}

	f.conn.setAckErr(socket.SignalJoinThread, nil)
	waitState(t, f.c, Ready)

	if p, _, _ := f.c.Active(); p != "alice" {
		t.Errorf("active partner = %s, want alice", p)
	}
	if reads := f.conn.sent(socket.SignalMarkAsRead); len(reads) != 1 {
		t.Errorf("markAsRead count after recovery = %d, want 1", len(reads))
	}
}

func TestReselectingPartnerInFlightIsNoOp(t *testing.T) {
	f := newFixture(t)

	f.c.Select("alice")
	f.c.Select("alice")
	f.c.Select("alice")
	waitState(t, f.c, Ready)

	// Give a duplicate sequence, if one was spawned, time to surface.
	time.Sleep(50 * time.Millisecond)
	if joins := f.conn.sent(socket.SignalJoinThread); len(joins) != 1 {
		t.Errorf("joinThread emitted %d times, want 1", len(joins))
	}
	if reads := f.conn.sent(socket.SignalMarkAsRead); len(reads) != 1 {
		t.Errorf("markAsRead emitted %d times, want 1", len(reads))
	}
}

func TestNewerSelectSupersedesRetry(t *testing.T) {
	f := newFixture(t)
	f.conn.setAckErr(socket.SignalJoinThread, context.DeadlineExceeded)

	f.c.Select("alice")
	waitState(t, f.c, Failed)

	f.conn.setAckErr(socket.SignalJoinThread, nil)
	f.c.Select("bob")
	waitState(t, f.c, Ready)

	// Give the abandoned retry time to fire; bob must stay active.
	time.Sleep(100 * time.Millisecond)
	if p, _, _ := f.c.Active(); p != "bob" {
		t.Errorf("active partner = %s, want bob", p)
	}
}

func TestIncomingMessageOnActiveThread(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)
	before := len(f.conn.sent(socket.SignalMarkAsRead))

	f.conn.deliver(socket.EventNewMessage, map[string]any{
		"id": "m3", "threadId": "T1", "sender_id": "alice", "content": "are you there?",
	})

	if f.log.Len() != 3 {
		t.Fatalf("log len = %d, want 3", f.log.Len())
	}
	if got := len(f.conn.sent(socket.SignalMarkAsRead)); got != before+1 {
		t.Errorf("markAsRead count = %d, want %d", got, before+1)
	}
	if entry, _ := f.dir.Find("alice"); entry.LastMessage != "are you there?" {
		t.Errorf("preview not updated: %+v", entry)
	}
}

func TestIncomingMessageOnOtherThreadLeavesLogAlone(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)
	before := f.log.Len()
	reads := len(f.conn.sent(socket.SignalMarkAsRead))

	f.conn.deliver(socket.EventNewMessage, map[string]any{
		"id": "m8", "threadId": "T2", "sender_id": "bob", "content": "ping from bob",
	})

	if f.log.Len() != before {
		t.Errorf("log len = %d, want %d (other thread must not touch it)", f.log.Len(), before)
	}
	if got := len(f.conn.sent(socket.SignalMarkAsRead)); got != reads {
		t.Errorf("markAsRead emitted for a non-active thread")
	}
	if entry, _ := f.dir.Find("bob"); entry.LastMessage != "ping from bob" {
		t.Errorf("preview not updated for bob: %+v", entry)
	}
}

func TestConfirmationCompletesUpload(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)

	f.log.AppendOptimistic(msglog.Message{TempID: "temp-7", ThreadID: "T1", SenderID: "me", Content: "pic.png", Kind: msglog.KindFile})
	f.conn.deliver(socket.EventMessage, map[string]any{
		"id": "m9", "tempId": "temp-7", "threadId": "T1", "sender_id": "me", "content": "pic.png",
	})

	f.tr.mu.Lock()
	completed := append([]string(nil), f.tr.completed...)
	f.tr.mu.Unlock()
	if len(completed) != 1 || completed[0] != "temp-7" {
		t.Errorf("completed = %v, want [temp-7]", completed)
	}

	msgs := f.log.Snapshot()
	last := msgs[len(msgs)-1]
	if last.ID != "m9" || last.TempID != "" {
		t.Errorf("optimistic entry not promoted: %+v", last)
	}
}

func TestMalformedEventIsDropped(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)
	before := f.log.Len()

	f.conn.deliver(socket.EventNewMessage, map[string]any{"id": "m4", "threadId": "T1"})
	if f.log.Len() != before {
		t.Errorf("malformed event inserted, len = %d", f.log.Len())
	}
}

func TestTypingDebounce(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)

	f.c.Typing()
	f.c.Typing()
	f.c.Typing()

	typed := f.conn.sent(socket.SignalTyping)
	if len(typed) != 1 {
		t.Fatalf("typing emitted %d times before debounce, want 1", len(typed))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.conn.sent(socket.SignalTyping)) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	typed = f.conn.sent(socket.SignalTyping)
	if len(typed) != 2 {
		t.Fatalf("typing stop never emitted: %v", typed)
	}
	var stop typingPayload
	_ = json.Unmarshal([]byte(typed[1].payload), &stop)
	if stop.Typing {
		t.Error("second emit should report typing=false")
	}
}

func TestStopTypingEndsIndicatorImmediately(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)

	f.c.Typing()
	f.c.StopTyping()

	typed := f.conn.sent(socket.SignalTyping)
	if len(typed) != 2 {
		t.Fatalf("typing emitted %d times, want start and stop", len(typed))
	}
	var stop typingPayload
	_ = json.Unmarshal([]byte(typed[1].payload), &stop)
	if stop.Typing {
		t.Error("stop emit should report typing=false")
	}

	f.c.StopTyping()
	if got := len(f.conn.sent(socket.SignalTyping)); got != 2 {
		t.Errorf("stop without pending indicator emitted, got %d frames", got)
	}
}

func TestPresenceUpdatesDirectory(t *testing.T) {
	f := newFixture(t)

	f.conn.deliver(socket.EventUserOnline, map[string]string{"userId": "alice"})
	if entry, _ := f.dir.Find("alice"); !entry.Online {
		t.Error("alice should be online")
	}
	f.conn.deliver(socket.EventUserOffline, map[string]string{"userId": "alice"})
	if entry, _ := f.dir.Find("alice"); entry.Online {
		t.Error("alice should be offline")
	}
}

func TestRejoinActiveAfterReconnect(t *testing.T) {
	f := newFixture(t)
	f.c.Select("alice")
	waitState(t, f.c, Ready)
	joins := len(f.conn.sent(socket.SignalJoinThread))

	f.c.RejoinActive(context.Background())

	if got := len(f.conn.sent(socket.SignalJoinThread)); got != joins+1 {
		t.Errorf("join count = %d, want %d", got, joins+1)
	}
	if f.log.Len() != 2 {
		t.Errorf("history not re-synced, len = %d", f.log.Len())
	}
}
