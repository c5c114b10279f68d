package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertRoom inserts or updates a room record. LastActivity never moves
// backwards; an older update cannot demote a room in the activity order.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	participants, err := json.Marshal(r.Participants)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO rooms (id, participants, is_group, unread_count, last_message_id, last_activity, last_read_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_id = CASE WHEN excluded.last_activity >= rooms.last_activity THEN excluded.last_message_id ELSE rooms.last_message_id END,
			last_activity = MAX(rooms.last_activity, excluded.last_activity),
			last_read_ts = MAX(rooms.last_read_ts, excluded.last_read_ts),
			updated_at = excluded.updated_at`,
		r.ID, string(participants), r.IsGroup, r.UnreadCount, r.LastMessageID, r.LastActivity, r.LastReadTS, now)
	return err
}

// ListRooms returns rooms sorted by last activity descending.
func (db *DB) ListRooms(limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, is_group, unread_count, last_message_id, last_activity, last_read_ts
		FROM rooms
		ORDER BY last_activity DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room by id, or nil if absent.
func (db *DB) GetRoom(id string) (*Room, error) {
	row := db.QueryRow(`
		SELECT id, participants, is_group, unread_count, last_message_id, last_activity, last_read_ts
		FROM rooms WHERE id = ?`, id)
	r, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*Room, error) {
	var r Room
	var participants string
	if err := row.Scan(&r.ID, &participants, &r.IsGroup, &r.UnreadCount, &r.LastMessageID, &r.LastActivity, &r.LastReadTS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &r.Participants); err != nil {
		return nil, err
	}
	return &r, nil
}
