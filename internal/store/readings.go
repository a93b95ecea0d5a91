package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Reading is one completed card draw with its narrative excerpt.
type Reading struct {
	ID         string
	UserID     int64
	ChatID     int64
	Question   string
	SpreadName string
	Cards      []string
	Excerpt    string
	CreatedAt  string
}

// AddReading persists a completed reading and prunes the per-conversation
// history to the configured depth, oldest first. Returns the assigned id.
func (s *Store) AddReading(r Reading) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cardsJSON, err := json.Marshal(r.Cards)
	if err != nil {
		return "", fmt.Errorf("marshal cards: %w", err)
	}

	unlock := s.locks.lock(r.UserID, r.ChatID)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin add reading: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO readings (id, user_id, chat_id, question, spread_name, cards_json, excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.ChatID, truncateTo(r.Question, maxMessageChars), r.SpreadName,
		string(cardsJSON), truncateTo(r.Excerpt, maxMessageChars), s.nowISO()); err != nil {
		return "", fmt.Errorf("add reading: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM readings
		WHERE user_id = ? AND chat_id = ? AND id NOT IN (
			SELECT id FROM readings
			WHERE user_id = ? AND chat_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, r.UserID, r.ChatID, r.UserID, r.ChatID, s.cfg.Memory.ReadingHistoryKeep); err != nil {
		return "", fmt.Errorf("prune readings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add reading: %w", err)
	}
	return r.ID, nil
}

// RecentReadings returns up to limit readings, newest first.
func (s *Store) RecentReadings(userID, chatID int64, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = s.cfg.Memory.ReadingHistoryKeep
	}
	rows, err := s.db.Query(`
		SELECT id, question, spread_name, cards_json, excerpt, created_at
		FROM readings
		WHERE user_id = ? AND chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent readings: %w", err)
	}
	defer rows.Close()

	result := make([]Reading, 0, limit)
	for rows.Next() {
		r := Reading{UserID: userID, ChatID: chatID}
		var cardsJSON string
		if err := rows.Scan(&r.ID, &r.Question, &r.SpreadName, &cardsJSON, &r.Excerpt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		_ = json.Unmarshal([]byte(cardsJSON), &r.Cards)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return result, nil
}
