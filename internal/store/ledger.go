package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type QuotaKind string

const (
	QuotaText  QuotaKind = "text"
	QuotaPhoto QuotaKind = "photo"
)

// Entitlement is the billing state for one (user, chat) pair.
type Entitlement struct {
	UserID          int64
	ChatID          int64
	TextUsedToday   int
	PhotoUsedToday  int
	LastResetDate   string
	SubUntil        time.Time // zero when no subscription was ever granted
	ReadingFreeUsed int
	ReadingCredits  int
}

// SubscriptionActive reports whether the subscription covers the given time.
func (e *Entitlement) SubscriptionActive(now time.Time) bool {
	return !e.SubUntil.IsZero() && e.SubUntil.After(now)
}

func (s *Store) ensureEntitlement(userID, chatID int64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO entitlements (user_id, chat_id, last_reset_date, updated_at)
		VALUES (?, ?, ?, ?)
	`, userID, chatID, s.todayISO(), s.nowISO())
	if err != nil {
		return fmt.Errorf("ensure entitlement: %w", err)
	}
	return nil
}

func (s *Store) getEntitlement(userID, chatID int64) (*Entitlement, error) {
	if err := s.ensureEntitlement(userID, chatID); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT text_used_today, photo_used_today, last_reset_date, sub_until,
		       reading_free_used, reading_credits
		FROM entitlements
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)

	e := &Entitlement{UserID: userID, ChatID: chatID}
	var subUntil sql.NullString
	if err := row.Scan(&e.TextUsedToday, &e.PhotoUsedToday, &e.LastResetDate, &subUntil,
		&e.ReadingFreeUsed, &e.ReadingCredits); err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	if subUntil.Valid && subUntil.String != "" {
		if t, err := time.Parse(time.RFC3339, subUntil.String); err == nil {
			e.SubUntil = t
		}
	}
	return e, nil
}

func (s *Store) saveEntitlement(e *Entitlement) error {
	var subUntil any
	if !e.SubUntil.IsZero() {
		subUntil = e.SubUntil.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		UPDATE entitlements
		SET text_used_today = ?, photo_used_today = ?, last_reset_date = ?,
		    sub_until = ?, reading_free_used = ?, reading_credits = ?, updated_at = ?
		WHERE user_id = ? AND chat_id = ?
	`, e.TextUsedToday, e.PhotoUsedToday, e.LastResetDate,
		subUntil, e.ReadingFreeUsed, e.ReadingCredits, s.nowISO(),
		e.UserID, e.ChatID)
	if err != nil {
		return fmt.Errorf("save entitlement: %w", err)
	}
	return nil
}

// EntitlementSnapshot returns a read-only copy after applying the daily
// rollover in memory (without persisting it).
func (s *Store) EntitlementSnapshot(userID, chatID int64) (*Entitlement, error) {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return nil, err
	}
	if e.LastResetDate != s.todayISO() {
		e.TextUsedToday = 0
		e.PhotoUsedToday = 0
		e.LastResetDate = s.todayISO()
	}
	return e, nil
}

// CheckAndConsumeDailyQuota consumes one unit of the daily text or photo
// quota. An active subscription bypasses the quota entirely. The day counter
// resets exactly once per calendar-day boundary. Returns false, without
// consuming, when the quota is exhausted.
func (s *Store) CheckAndConsumeDailyQuota(userID, chatID int64, kind QuotaKind) (bool, error) {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return false, err
	}

	if e.SubscriptionActive(s.now()) {
		return true, nil
	}

	today := s.todayISO()
	if e.LastResetDate != today {
		e.TextUsedToday = 0
		e.PhotoUsedToday = 0
		e.LastResetDate = today
	}

	var used *int
	var limit int
	switch kind {
	case QuotaPhoto:
		used = &e.PhotoUsedToday
		limit = s.cfg.Limits.FreePhotoPerDay
	default:
		used = &e.TextUsedToday
		limit = s.cfg.Limits.FreeTextPerDay
	}

	if *used >= limit {
		// Persist the rollover even when the check fails so the reset
		// happens once, not on every denied attempt.
		if err := s.saveEntitlement(e); err != nil {
			return false, err
		}
		return false, nil
	}

	*used++
	if err := s.saveEntitlement(e); err != nil {
		return false, err
	}
	return true, nil
}

// GrantSubscriptionDays extends the subscription from the later of now and
// the existing expiry; a grant never shortens an active subscription.
func (s *Store) GrantSubscriptionDays(userID, chatID int64, days int) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, errors.New("days must be positive")
	}
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return time.Time{}, err
	}

	base := s.now().UTC()
	if e.SubscriptionActive(base) {
		base = e.SubUntil
	}
	e.SubUntil = base.Add(time.Duration(days) * 24 * time.Hour)
	if err := s.saveEntitlement(e); err != nil {
		return time.Time{}, err
	}
	return e.SubUntil, nil
}

// CanStartReading reports whether the user has a credit or a free reading left.
func (s *Store) CanStartReading(userID, chatID int64) (bool, error) {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return false, err
	}
	return e.ReadingCredits > 0 || e.ReadingFreeUsed < s.cfg.Limits.FreeReadings, nil
}

// ConsumeReading spends one credit if available, otherwise increments the
// lifetime free-reading counter. Not idempotent: the caller must invoke it at
// most once per completed reading.
func (s *Store) ConsumeReading(userID, chatID int64) error {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return err
	}
	if e.ReadingCredits > 0 {
		e.ReadingCredits--
	} else {
		e.ReadingFreeUsed++
	}
	return s.saveEntitlement(e)
}

// AddCredits adds purchased or rewarded reading credits. No-op for count <= 0.
func (s *Store) AddCredits(userID, chatID int64, count int) error {
	if count <= 0 {
		return nil
	}
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return err
	}
	e.ReadingCredits += count
	return s.saveEntitlement(e)
}

// AdjustBalance applies a signed administrative correction. Positive delta
// adds credits; negative delta spends credits first, then raises free-used up
// to the configured lifetime cap. Credits never go below zero.
func (s *Store) AdjustBalance(userID, chatID int64, delta int) (*Entitlement, error) {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	e, err := s.getEntitlement(userID, chatID)
	if err != nil {
		return nil, err
	}

	if delta >= 0 {
		e.ReadingCredits += delta
	} else {
		toSpend := -delta
		fromCredits := min(e.ReadingCredits, toSpend)
		e.ReadingCredits -= fromCredits
		toSpend -= fromCredits
		if toSpend > 0 {
			e.ReadingFreeUsed = min(s.cfg.Limits.FreeReadings, e.ReadingFreeUsed+toSpend)
		}
	}

	if err := s.saveEntitlement(e); err != nil {
		return nil, err
	}
	return e, nil
}
