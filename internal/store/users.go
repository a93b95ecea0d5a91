package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FollowupState is the per-user re-engagement ladder: stage counts sent
// follow-ups since the last organic activity.
type FollowupState struct {
	UserID           int64
	LastActivityAt   time.Time
	LastFollowupAt   time.Time
	Stage            int
	LastFollowupText string
}

// EnsureUser lazily creates the user row on first contact and refreshes the
// identity fields. Users are never deleted.
func (s *Store) EnsureUser(userID int64, username, firstName string) error {
	_, err := s.db.Exec(`
		INSERT INTO users (user_id, username, first_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, first_name = excluded.first_name
	`, userID, strings.TrimSpace(username), strings.TrimSpace(firstName), s.nowISO())
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// TouchActivity records organic user activity. It resets the follow-up stage
// to zero and clears the last-followup marker, restarting the backoff ladder.
func (s *Store) TouchActivity(userID int64) error {
	_, err := s.db.Exec(`
		UPDATE users
		SET last_activity_at = ?, followup_stage = 0, last_followup_at = NULL
		WHERE user_id = ?
	`, s.nowISO(), userID)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// MarkFollowupSent advances the stage and records the send time and text so
// the next follow-up differs from the last one.
func (s *Store) MarkFollowupSent(userID int64, text string) error {
	_, err := s.db.Exec(`
		UPDATE users
		SET last_followup_at = ?, followup_stage = followup_stage + 1, last_followup_text = ?
		WHERE user_id = ?
	`, s.nowISO(), truncateTo(text, 600), userID)
	if err != nil {
		return fmt.Errorf("mark followup sent: %w", err)
	}
	return nil
}

func (s *Store) GetFollowupState(userID int64) (*FollowupState, error) {
	row := s.db.QueryRow(`
		SELECT user_id, last_activity_at, last_followup_at, followup_stage, last_followup_text
		FROM users
		WHERE user_id = ?
	`, userID)
	st, err := scanFollowupState(row)
	if err == sql.ErrNoRows {
		return &FollowupState{UserID: userID}, nil
	}
	return st, err
}

// FollowupCandidates returns every user with a recorded activity timestamp,
// for the periodic sweep.
func (s *Store) FollowupCandidates() ([]FollowupState, error) {
	rows, err := s.db.Query(`
		SELECT user_id, last_activity_at, last_followup_at, followup_stage, last_followup_text
		FROM users
		WHERE last_activity_at IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("followup candidates: %w", err)
	}
	defer rows.Close()

	result := make([]FollowupState, 0)
	for rows.Next() {
		st, err := scanFollowupState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followup candidates: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollowupState(row rowScanner) (*FollowupState, error) {
	var st FollowupState
	var activity, followup sql.NullString
	if err := row.Scan(&st.UserID, &activity, &followup, &st.Stage, &st.LastFollowupText); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan followup state: %w", err)
	}
	if activity.Valid {
		if t, err := time.Parse(time.RFC3339, activity.String); err == nil {
			st.LastActivityAt = t
		}
	}
	if followup.Valid {
		if t, err := time.Parse(time.RFC3339, followup.String); err == nil {
			st.LastFollowupAt = t
		}
	}
	return &st, nil
}

// SetReferrer records the inviter for a referred user. First write wins;
// self-referrals are ignored.
func (s *Store) SetReferrer(userID, inviterID int64) error {
	if inviterID == 0 || inviterID == userID {
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE users
		SET referrer_id = ?
		WHERE user_id = ? AND referrer_id = 0
	`, inviterID, userID)
	if err != nil {
		return fmt.Errorf("set referrer: %w", err)
	}
	return nil
}

// ClaimReferralReward atomically flips the credited flag and returns the
// inviter id the first time it is called for a referred user. Subsequent
// calls return ok=false, guaranteeing the reward is granted exactly once.
func (s *Store) ClaimReferralReward(userID int64) (inviterID int64, ok bool, err error) {
	row := s.db.QueryRow(`
		UPDATE users
		SET referral_credited = 1
		WHERE user_id = ? AND referrer_id != 0 AND referral_credited = 0
		RETURNING referrer_id
	`, userID)
	if err := row.Scan(&inviterID); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim referral reward: %w", err)
	}
	return inviterID, true, nil
}
