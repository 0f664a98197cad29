// Package msglog holds the message log for the active thread: an ordered,
// deduplicated list fed by the history fetch, optimistic local sends and
// live socket events. Messages keep their insertion order; only a history
// load replaces the ordering wholesale.
package msglog

import (
	"sync"

	"github.com/courierapp/courier/internal/bus"
	"go.uber.org/zap"
)

// HistoryLoaded is the payload for "message.history_loaded" events.
type HistoryLoaded struct {
	ThreadID string
	Messages []Message
}

// Log is the authoritative message list for the active thread.
type Log struct {
	mu       sync.Mutex
	threadID string
	msgs     []Message
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates an empty log.
func New(b *bus.Bus, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{bus: b, logger: logger}
}

// Reset clears all messages. Called whenever the active thread changes,
// before history is loaded.
func (l *Log) Reset() {
	l.mu.Lock()
	l.msgs = nil
	l.threadID = ""
	l.mu.Unlock()
	l.bus.Emit("message.reset", nil)
}

// LoadHistory replaces the log with the server-returned history for a
// thread, in server order.
func (l *Log) LoadHistory(threadID string, msgs []Message) {
	l.mu.Lock()
	l.threadID = threadID
	l.msgs = append([]Message(nil), msgs...)
	l.mu.Unlock()
	l.bus.Emit("message.history_loaded", HistoryLoaded{ThreadID: threadID, Messages: msgs})
}

// ThreadID returns the thread the log was last loaded for.
func (l *Log) ThreadID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threadID
}

// AppendOptimistic inserts a provisional message before any server
// acknowledgment. The message must carry a TempID.
func (l *Log) AppendOptimistic(m Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
	l.bus.Emit("message.upserted", m)
}

// Ingest reconciles an incoming message into the log. Malformed payloads
// are logged and dropped. Returns false if the message was rejected.
func (l *Log) Ingest(in Message) bool {
	if in.Malformed() {
		l.logger.Warn("dropping malformed message",
			zap.String("id", in.ID),
			zap.String("temp_id", in.TempID),
			zap.String("thread_id", in.ThreadID))
		return false
	}

	l.mu.Lock()
	l.msgs = Reconcile(l.msgs, in)
	l.mu.Unlock()
	l.bus.Emit("message.upserted", in)
	return true
}

// MarkAllRead sets the read flag on every entry. Applied when a read
// receipt arrives for the active thread.
func (l *Log) MarkAllRead() {
	l.mu.Lock()
	for i := range l.msgs {
		l.msgs[i].Read = true
	}
	threadID := l.threadID
	l.mu.Unlock()
	l.bus.Emit("message.read", threadID)
}

// Discard removes the entry with the given temporary id, rolling back a
// failed send. Returns false if no such entry exists.
func (l *Log) Discard(tempID string) bool {
	l.mu.Lock()
	found := false
	kept := l.msgs[:0]
	for _, m := range l.msgs {
		if m.TempID == tempID {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	l.msgs = kept
	l.mu.Unlock()

	if found {
		l.bus.Emit("message.discarded", tempID)
	}
	return found
}

// Snapshot returns a copy of the current message list.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...)
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
