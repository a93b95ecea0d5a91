package store

import "fmt"

// LogEvent appends one analytics row. Failures here must never fail the
// calling operation, so callers typically ignore the error after logging it.
func (s *Store) LogEvent(userID int64, eventType, meta string) error {
	_, err := s.db.Exec(`
		INSERT INTO events (user_id, event_type, meta, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, eventType, truncateTo(meta, maxMessageChars), s.nowISO())
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// PruneEvents trims the event log to the configured row cap, dropping the
// oldest rows. Run from the scheduled maintenance job.
func (s *Store) PruneEvents() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM events
		WHERE id NOT IN (
			SELECT id FROM events ORDER BY id DESC LIMIT ?
		)
	`, s.cfg.Memory.MaxEventRows)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountEvents reports how many rows of the given type exist, for /stats style
// summaries. An empty eventType counts everything.
func (s *Store) CountEvents(eventType string) (int, error) {
	var n int
	var err error
	if eventType == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
