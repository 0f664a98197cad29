// Package sync mirrors live chat state into the session's SQLite cache so
// the directory and recent history can be served while the backend is
// unreachable.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/directory"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/store"
	"go.uber.org/zap"
)

// Engine subscribes to "message." and "directory." events on the bus and
// persists them idempotently.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	rec    *Reconciler
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		rec:    NewReconciler(db, logger),
		logger: logger,
	}
}

// Start subscribes to chat events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := e.bus.Subscribe("message.", 256)
	dirs, unsubDirs := e.bus.Subscribe("directory.refreshed", 16)

	go func() {
		defer unsubMsgs()
		defer unsubDirs()
		for {
			select {
			case evt := <-msgs:
				e.handleMessageEvent(evt)
			case evt := <-dirs:
				e.handleDirectoryEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleMessageEvent(evt bus.Event) {
	switch evt.Kind {
	case "message.upserted":
		msg, ok := evt.Payload.(msglog.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to cache message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case "message.history_loaded":
		hist, ok := evt.Payload.(msglog.HistoryLoaded)
		if !ok {
			return
		}
		if err := e.IngestHistory(hist.ThreadID, hist.Messages); err != nil {
			e.logger.Error("failed to cache history", zap.Error(err), zap.String("thread_id", hist.ThreadID))
		} else {
			e.logger.Info("history cached", zap.String("thread_id", hist.ThreadID), zap.Int("messages", len(hist.Messages)))
		}
	case "message.read":
		threadID, ok := evt.Payload.(string)
		if !ok || threadID == "" {
			return
		}
		if err := e.db.MarkThreadRead(threadID); err != nil {
			e.logger.Error("failed to flag cached thread read", zap.Error(err), zap.String("thread_id", threadID))
		}
	}
}

func (e *Engine) handleDirectoryEvent(evt bus.Event) {
	threads, ok := evt.Payload.([]directory.Thread)
	if !ok {
		return
	}
	if err := e.IngestDirectory(threads); err != nil {
		e.logger.Error("failed to cache directory", zap.Error(err), zap.Int("count", len(threads)))
	}
}

// IngestMessage caches one confirmed message. Entries without a server id
// are still in flight and skipped.
func (e *Engine) IngestMessage(msg msglog.Message) error {
	if msg.ID == "" || msg.ThreadID == "" {
		return nil
	}
	row := toRow(msg.ThreadID, msg)
	if err := e.db.UpsertMessage(&row); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return e.db.TouchThread(msg.ThreadID, truncate(msg.Content, 100), row.Timestamp)
}

// IngestHistory caches a full history load in one transaction.
func (e *Engine) IngestHistory(threadID string, msgs []msglog.Message) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	count := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		row := toRow(threadID, m)
		if _, err := tx.Exec(`
			INSERT INTO messages (thread_id, msg_id, sender_id, content, message_type, is_read, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, msg_id) DO UPDATE SET
				content = excluded.content,
				message_type = excluded.message_type,
				is_read = excluded.is_read`,
			row.ThreadID, row.MsgID, row.SenderID, row.Content, row.MessageType, row.IsRead, row.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	return e.rec.UpdateCheckpoint("history:"+threadID, strconv.Itoa(count))
}

// IngestDirectory caches the refreshed partner list.
func (e *Engine) IngestDirectory(threads []directory.Thread) error {
	for _, t := range threads {
		if t.ThreadID == "" {
			continue
		}
		var at int64
		if !t.LastMessageAt.IsZero() {
			at = t.LastMessageAt.UnixMilli()
		}
		if err := e.db.UpsertThread(&store.Thread{
			ThreadID:           t.ThreadID,
			PartnerID:          t.PartnerID,
			PartnerName:        t.Name,
			PartnerAvatar:      t.Avatar,
			LastMessageAt:      at,
			LastMessagePreview: truncate(t.LastMessage, 100),
		}); err != nil {
			return fmt.Errorf("upsert thread %s: %w", t.ThreadID, err)
		}
	}
	return e.rec.UpdateCheckpoint("directory_refreshed_at", strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// CachedDirectory loads the partner list cached by previous runs.
func (e *Engine) CachedDirectory(limit int) ([]directory.Thread, error) {
	rows, err := e.db.ListThreads(limit, 0)
	if err != nil {
		return nil, err
	}
	threads := make([]directory.Thread, 0, len(rows))
	for _, r := range rows {
		t := directory.Thread{
			PartnerID:   r.PartnerID,
			Name:        r.PartnerName,
			Avatar:      r.PartnerAvatar,
			ThreadID:    r.ThreadID,
			LastMessage: r.LastMessagePreview,
		}
		if r.LastMessageAt > 0 {
			t.LastMessageAt = time.UnixMilli(r.LastMessageAt)
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func toRow(threadID string, m msglog.Message) store.Message {
	ts := m.CreatedAt.UnixMilli()
	if m.CreatedAt.IsZero() {
		ts = time.Now().UnixMilli()
	}
	kind := m.Kind
	if kind == "" {
		kind = msglog.KindText
	}
	return store.Message{
		ThreadID:    threadID,
		MsgID:       m.ID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		MessageType: kind,
		IsRead:      m.Read,
		Timestamp:   ts,
	}
}

// truncate shortens a preview without splitting a multi-byte rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
