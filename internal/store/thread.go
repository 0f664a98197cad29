package store

import (
	"database/sql"
	"time"
)

// UpsertThread inserts or updates a cached conversation.
func (db *DB) UpsertThread(t *Thread) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO threads (thread_id, partner_id, partner_name, partner_avatar, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partner_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			partner_name = excluded.partner_name,
			partner_avatar = excluded.partner_avatar,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		t.ThreadID, t.PartnerID, t.PartnerName, t.PartnerAvatar, t.LastMessageAt, t.LastMessagePreview, now)
	return err
}

// TouchThread advances a thread's preview when the new message is newer.
func (db *DB) TouchThread(threadID, preview string, at int64) error {
	_, err := db.Exec(`
		UPDATE threads SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE thread_id = ?`,
		at, at, preview, time.Now().UnixMilli(), threadID)
	return err
}

// ListThreads returns cached conversations, newest activity first.
func (db *DB) ListThreads(limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT thread_id, partner_id, partner_name, partner_avatar, last_message_at, last_message_preview
		FROM threads
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ThreadID, &t.PartnerID, &t.PartnerName, &t.PartnerAvatar, &t.LastMessageAt, &t.LastMessagePreview); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// GetThreadByPartner returns the cached thread for a partner, or nil.
func (db *DB) GetThreadByPartner(partnerID string) (*Thread, error) {
	var t Thread
	err := db.QueryRow(`
		SELECT thread_id, partner_id, partner_name, partner_avatar, last_message_at, last_message_preview
		FROM threads
		WHERE partner_id = ?`, partnerID).
		Scan(&t.ThreadID, &t.PartnerID, &t.PartnerName, &t.PartnerAvatar, &t.LastMessageAt, &t.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ThreadCount returns the number of cached conversations.
func (db *DB) ThreadCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&n)
	return n, err
}
