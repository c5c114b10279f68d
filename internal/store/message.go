package store

import "time"

// UpsertMessage inserts or updates a confirmed message (idempotent on
// room_id + msg_id). Only server-confirmed messages are persisted; pending
// sends live in the outbox until acknowledged.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room_id, msg_id, client_id, sender_id, content, status, server_ts, local_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, msg_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		m.RoomID, m.ID, m.ClientID, m.SenderID, m.Content, m.Status, m.ServerTS, m.LocalTS, now)
	return err
}

// ListMessages returns messages for a room ordered by server timestamp
// ascending (ties by msg_id), using keyset pagination from the end.
func (db *DB) ListMessages(roomID string, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, room_id, msg_id, client_id, sender_id, content, status, server_ts, local_ts
		FROM (
			SELECT id, room_id, msg_id, client_id, sender_id, content, status, server_ts, local_ts
			FROM messages
			WHERE room_id = ? AND server_ts < ?
			ORDER BY server_ts DESC, msg_id DESC
			LIMIT ?
		)
		ORDER BY server_ts ASC, msg_id ASC`, roomID, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.RoomID, &m.ID, &m.ClientID, &m.SenderID, &m.Content, &m.Status, &m.ServerTS, &m.LocalTS); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// HasMessage reports whether a server message id is already in a room's log.
func (db *DB) HasMessage(roomID, msgID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE room_id = ? AND msg_id = ?`, roomID, msgID).Scan(&n)
	return n > 0, err
}
