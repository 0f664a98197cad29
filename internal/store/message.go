package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on thread_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (thread_id, msg_id, sender_id, content, message_type, is_read, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, msg_id) DO UPDATE SET
			content = excluded.content,
			message_type = excluded.message_type,
			is_read = excluded.is_read`,
		m.ThreadID, m.MsgID, m.SenderID, m.Content, m.MessageType, m.IsRead, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a thread using keyset pagination by timestamp.
func (db *DB) ListMessages(threadID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, thread_id, msg_id, sender_id, content, message_type, is_read, timestamp
		FROM messages
		WHERE thread_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, threadID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.MsgID, &m.SenderID, &m.Content, &m.MessageType, &m.IsRead, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkThreadRead flags every message in a thread as read.
func (db *DB) MarkThreadRead(threadID string) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE thread_id = ?`, threadID)
	return err
}

// MessageCount returns the number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
