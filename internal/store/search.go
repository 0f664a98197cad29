package store

// SearchMessages performs a full-text search on message content.
func (db *DB) SearchMessages(query string, threadID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.thread_id, m.msg_id, m.sender_id, m.content,
		       m.message_type, m.is_read, m.timestamp,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if threadID != "" {
		q += " AND m.thread_id = ?"
		args = append(args, threadID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ThreadID, &r.Message.MsgID,
			&r.Message.SenderID, &r.Message.Content,
			&r.Message.MessageType, &r.Message.IsRead,
			&r.Message.Timestamp, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
