package storage

import (
	"encoding/json"
	"time"
)

// Event is an audit log entry.
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data,omitempty"`
	Block     uint64          `json:"block"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertEvent appends an event. Seq is assigned from the events table.
func (t *Tx) InsertEvent(e *Event) error {
	if err := t.queryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events`).Scan(&e.Seq); err != nil {
		return err
	}
	var data interface{}
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := t.exec(`
		INSERT INTO events (id, seq, event_type, subject, data, block, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Seq, e.Type, e.Subject, data, e.Block, e.CreatedAt.Unix(),
	)
	return err
}

// ListEvents returns events with seq greater than afterSeq, oldest first.
// An empty subject matches all subjects.
func (t *Tx) ListEvents(subject string, afterSeq uint64, limit int) ([]*Event, error) {
	query := `SELECT id, seq, event_type, subject, data, block, created_at FROM events WHERE seq > ?`
	args := []interface{}{afterSeq}
	if subject != "" {
		query += ` AND subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var data *string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Seq, &e.Type, &e.Subject, &data, &e.Block, &createdAt); err != nil {
			return nil, err
		}
		if data != nil {
			e.Data = json.RawMessage(*data)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}
