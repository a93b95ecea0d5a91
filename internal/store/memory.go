package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arcanalab/arcana/internal/config"
)

const (
	maxTopicChars   = 64
	maxMessageChars = 500
	maxPaywallChars = 900
)

// Exchange carries the optional short-term memory fields for one turn.
// Empty fields leave the stored value unchanged (coalesce semantics).
type Exchange struct {
	Topic       string
	LastUserMsg string
	LastBotMsg  string
}

func (s *Store) ensureConvMemory(userID, chatID int64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conv_memory (user_id, chat_id) VALUES (?, ?)
	`, userID, chatID)
	if err != nil {
		return fmt.Errorf("ensure conv memory: %w", err)
	}
	return nil
}

// RecordExchange updates the short-term memory fields that are present,
// truncated to fixed lengths. Absent fields keep their prior values.
func (s *Store) RecordExchange(userID, chatID int64, ex Exchange) error {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	if err := s.ensureConvMemory(userID, chatID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conv_memory
		SET last_topic = COALESCE(NULLIF(?, ''), last_topic),
		    last_user_message = COALESCE(NULLIF(?, ''), last_user_message),
		    last_bot_message = COALESCE(NULLIF(?, ''), last_bot_message)
		WHERE user_id = ? AND chat_id = ?
	`, truncateTo(ex.Topic, maxTopicChars),
		truncateTo(ex.LastUserMsg, maxMessageChars),
		truncateTo(ex.LastBotMsg, maxMessageChars),
		userID, chatID)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// RecordQuotaBlock timestamps the most recent entitlement block for later
// anti-spam checks and follow-up personalization.
func (s *Store) RecordQuotaBlock(userID, chatID int64, topic, limitType string) error {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	if err := s.ensureConvMemory(userID, chatID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conv_memory
		SET last_limit_topic = ?, last_limit_type = ?, last_limit_at = ?
		WHERE user_id = ? AND chat_id = ?
	`, truncateTo(topic, maxTopicChars), truncateTo(limitType, 16), s.nowISO(), userID, chatID)
	if err != nil {
		return fmt.Errorf("record quota block: %w", err)
	}
	return nil
}

func (s *Store) RecordPaywallShown(userID, chatID int64, text string) error {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	if err := s.ensureConvMemory(userID, chatID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conv_memory
		SET last_paywall_text = ?, last_paywall_at = ?
		WHERE user_id = ? AND chat_id = ?
	`, truncateTo(text, maxPaywallChars), s.nowISO(), userID, chatID)
	if err != nil {
		return fmt.Errorf("record paywall shown: %w", err)
	}
	return nil
}

// ShouldShowPaywall gates duplicate paywall prompts: false when the candidate
// equals the last shown text, or when any paywall was shown within the repeat
// window. A changed text still waits out the window; the same text is allowed
// again once the window has passed.
func (s *Store) ShouldShowPaywall(userID, chatID int64, candidate string) (bool, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false, nil
	}

	if err := s.ensureConvMemory(userID, chatID); err != nil {
		return false, err
	}
	row := s.db.QueryRow(`
		SELECT last_paywall_text, last_paywall_at
		FROM conv_memory
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)

	var lastText string
	var lastAt sql.NullString
	if err := row.Scan(&lastText, &lastAt); err != nil {
		return false, fmt.Errorf("load paywall state: %w", err)
	}

	if strings.TrimSpace(lastText) == candidate {
		return false, nil
	}
	if lastAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastAt.String); err == nil {
			window := time.Duration(s.cfg.Limits.PaywallRepeatSec) * time.Second
			if s.now().Sub(t) < window {
				return false, nil
			}
		}
	}
	return true, nil
}

// QuotaBlockInfo returns the last recorded entitlement block, if any.
func (s *Store) QuotaBlockInfo(userID, chatID int64) (topic, limitType string, at time.Time, err error) {
	if err := s.ensureConvMemory(userID, chatID); err != nil {
		return "", "", time.Time{}, err
	}
	row := s.db.QueryRow(`
		SELECT last_limit_topic, last_limit_type, last_limit_at
		FROM conv_memory
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)
	var atStr sql.NullString
	if err := row.Scan(&topic, &limitType, &atStr); err != nil {
		return "", "", time.Time{}, fmt.Errorf("load quota block info: %w", err)
	}
	if atStr.Valid {
		if t, perr := time.Parse(time.RFC3339, atStr.String); perr == nil {
			at = t
		}
	}
	return topic, limitType, at, nil
}

// LastExchange returns the short-term memory snapshot.
func (s *Store) LastExchange(userID, chatID int64) (Exchange, error) {
	if err := s.ensureConvMemory(userID, chatID); err != nil {
		return Exchange{}, err
	}
	row := s.db.QueryRow(`
		SELECT last_topic, last_user_message, last_bot_message
		FROM conv_memory
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)
	var ex Exchange
	if err := row.Scan(&ex.Topic, &ex.LastUserMsg, &ex.LastBotMsg); err != nil {
		return Exchange{}, fmt.Errorf("load last exchange: %w", err)
	}
	return ex, nil
}

// ChatMessage is one role-tagged utterance from the rolling history.
type ChatMessage struct {
	Role    string // "user" | "assistant" | "system"
	Content string
}

// AppendMessage stores one utterance and prunes the ring buffer to the
// configured cap, oldest first.
func (s *Store) AppendMessage(userID, chatID int64, role, content string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "user", "assistant", "system":
	default:
		role = "user"
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) > config.DefaultMaxMessageCharsDB {
		content = content[:config.DefaultMaxMessageCharsDB]
	}

	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO messages (user_id, chat_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, chatID, role, content, s.nowISO()); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE user_id = ? AND chat_id = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE user_id = ? AND chat_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, userID, chatID, userID, chatID, s.cfg.Memory.MaxStoredMessages); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit most recent messages, oldest first.
func (s *Store) RecentMessages(userID, chatID int64, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = s.cfg.Memory.ContextMessages
	}
	rows, err := s.db.Query(`
		SELECT role, content
		FROM messages
		WHERE user_id = ? AND chat_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	reversed := make([]ChatMessage, 0, limit)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	out := make([]ChatMessage, len(reversed))
	for i, m := range reversed {
		out[len(out)-1-i] = m
	}
	return out, nil
}

// ClearConversation wipes the rolling history and short-term memory for one
// conversation. Long-term profile, entitlements and readings survive a reset.
func (s *Store) ClearConversation(userID, chatID int64) error {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	if _, err := s.db.Exec(`DELETE FROM messages WHERE user_id = ? AND chat_id = ?`, userID, chatID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := s.db.Exec(`
		UPDATE conv_memory
		SET last_topic = '', last_user_message = '', last_bot_message = ''
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID); err != nil {
		return fmt.Errorf("clear conv memory: %w", err)
	}
	return nil
}

// Profile holds the categorized long-term item lists.
type Profile struct {
	Themes      []string `json:"themes,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Facts       []string `json:"facts,omitempty"`
	Boundaries  []string `json:"boundaries,omitempty"`
	Taboos      []string `json:"taboos,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
}

type Summary struct {
	At    string `json:"at"`
	Topic string `json:"topic,omitempty"`
	Text  string `json:"text"`
}

type ProfileEvent struct {
	At   string `json:"at"`
	Text string `json:"text"`
}

// ProfileUpdate is the result of one summarization pass.
type ProfileUpdate struct {
	Profile Profile
	Summary string
	Events  []string
}

type LongMemory struct {
	Profile   Profile
	Summaries []Summary
	Events    []ProfileEvent
}

func (s *Store) loadLongMemory(userID, chatID int64) (*LongMemory, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO long_memory (user_id, chat_id) VALUES (?, ?)
	`, userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("ensure long memory: %w", err)
	}

	row := s.db.QueryRow(`
		SELECT profile_json, summaries_json, events_json
		FROM long_memory
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)
	var profileJSON, summariesJSON, eventsJSON string
	if err := row.Scan(&profileJSON, &summariesJSON, &eventsJSON); err != nil {
		return nil, fmt.Errorf("load long memory: %w", err)
	}

	mem := &LongMemory{}
	// Stored JSON is our own writing; a parse failure means corruption and we
	// start that section over rather than fail the caller.
	_ = json.Unmarshal([]byte(profileJSON), &mem.Profile)
	_ = json.Unmarshal([]byte(summariesJSON), &mem.Summaries)
	_ = json.Unmarshal([]byte(eventsJSON), &mem.Events)
	return mem, nil
}

// TickSummarize advances the per-conversation message counter and reports
// whether a summarization refresh is due (every Nth message). The counter
// wraps to zero when it fires.
func (s *Store) TickSummarize(userID, chatID int64) (bool, error) {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO long_memory (user_id, chat_id) VALUES (?, ?)
	`, userID, chatID); err != nil {
		return false, fmt.Errorf("ensure long memory: %w", err)
	}

	row := s.db.QueryRow(`
		UPDATE long_memory
		SET msg_counter = CASE WHEN msg_counter + 1 >= ? THEN 0 ELSE msg_counter + 1 END,
		    updated_at = ?
		WHERE user_id = ? AND chat_id = ?
		RETURNING msg_counter
	`, s.cfg.Memory.SummarizeEveryN, s.nowISO(), userID, chatID)
	var counter int
	if err := row.Scan(&counter); err != nil {
		return false, fmt.Errorf("tick summarize: %w", err)
	}
	return counter == 0, nil
}

// UpdateLongTermProfile merges new items into the capped, case-insensitively
// deduplicated category lists and appends the summary and events when present.
func (s *Store) UpdateLongTermProfile(userID, chatID int64, update ProfileUpdate) error {
	unlock := s.locks.lock(userID, chatID)
	defer unlock()

	mem, err := s.loadLongMemory(userID, chatID)
	if err != nil {
		return err
	}

	maxItems := s.cfg.Memory.ProfileMaxItems
	mem.Profile.Themes = mergeItems(mem.Profile.Themes, update.Profile.Themes, maxItems)
	mem.Profile.Goals = mergeItems(mem.Profile.Goals, update.Profile.Goals, maxItems)
	mem.Profile.Facts = mergeItems(mem.Profile.Facts, update.Profile.Facts, maxItems)
	mem.Profile.Boundaries = mergeItems(mem.Profile.Boundaries, update.Profile.Boundaries, maxItems)
	mem.Profile.Taboos = mergeItems(mem.Profile.Taboos, update.Profile.Taboos, maxItems)
	mem.Profile.Preferences = mergeItems(mem.Profile.Preferences, update.Profile.Preferences, maxItems)

	if text := strings.TrimSpace(update.Summary); text != "" {
		mem.Summaries = append(mem.Summaries, Summary{At: s.nowISO(), Text: text})
		if over := len(mem.Summaries) - s.cfg.Memory.MaxSummaries; over > 0 {
			mem.Summaries = mem.Summaries[over:]
		}
	}
	for _, e := range update.Events {
		if text := normalizeItem(e); text != "" {
			mem.Events = append(mem.Events, ProfileEvent{At: s.nowISO(), Text: text})
		}
	}
	if over := len(mem.Events) - s.cfg.Memory.MaxEvents; over > 0 {
		mem.Events = mem.Events[over:]
	}

	profileJSON, _ := json.Marshal(mem.Profile)
	summariesJSON, _ := json.Marshal(mem.Summaries)
	eventsJSON, _ := json.Marshal(mem.Events)

	if _, err := s.db.Exec(`
		UPDATE long_memory
		SET profile_json = ?, summaries_json = ?, events_json = ?, updated_at = ?
		WHERE user_id = ? AND chat_id = ?
	`, string(profileJSON), string(summariesJSON), string(eventsJSON), s.nowISO(), userID, chatID); err != nil {
		return fmt.Errorf("update long memory: %w", err)
	}
	return nil
}

// MemoryBlock renders a compact digest of the long-term profile, the latest
// summary and recent events, capped at the configured character limit.
// Returns "" when no memory exists. The block is advisory model context only,
// never an input to entitlement or routing decisions.
func (s *Store) MemoryBlock(userID, chatID int64) (string, error) {
	mem, err := s.loadLongMemory(userID, chatID)
	if err != nil {
		return "", err
	}

	p := mem.Profile
	if len(p.Themes) == 0 && len(p.Goals) == 0 && len(p.Facts) == 0 &&
		len(p.Boundaries) == 0 && len(p.Taboos) == 0 && len(p.Preferences) == 0 &&
		len(mem.Summaries) == 0 && len(mem.Events) == 0 {
		return "", nil
	}

	var lines []string
	lines = append(lines, "Long-term memory about the user (use gently, never invent):")
	if len(p.Themes) > 0 {
		lines = append(lines, "- Themes: "+strings.Join(p.Themes, ", "))
	}
	if len(p.Goals) > 0 {
		lines = append(lines, "- Goals: "+strings.Join(p.Goals, ", "))
	}
	if len(p.Facts) > 0 {
		lines = append(lines, "- Important facts: "+strings.Join(p.Facts, ", "))
	}
	if len(p.Boundaries) > 0 || len(p.Taboos) > 0 {
		lines = append(lines, "- Boundaries/taboos: "+strings.Join(append(append([]string{}, p.Boundaries...), p.Taboos...), ", "))
	}
	if len(p.Preferences) > 0 {
		lines = append(lines, "- Communication preferences: "+strings.Join(p.Preferences, ", "))
	}
	if len(mem.Summaries) > 0 {
		last := mem.Summaries[len(mem.Summaries)-1]
		if text := strings.TrimSpace(last.Text); text != "" {
			lines = append(lines, "- Latest note: "+text)
		}
	}
	if n := len(mem.Events); n > 0 {
		recent := mem.Events
		if n > 2 {
			recent = mem.Events[n-2:]
		}
		texts := make([]string, 0, len(recent))
		for _, e := range recent {
			if e.Text != "" {
				texts = append(texts, e.Text)
			}
		}
		if len(texts) > 0 {
			lines = append(lines, "- Significant events: "+strings.Join(texts, ", "))
		}
	}

	block := truncateTo(strings.Join(lines, "\n"), s.cfg.Memory.MemoryBlockChars)
	return block, nil
}

// MostFrequentTheme is used to personalize follow-up prompts.
func (s *Store) MostFrequentTheme(userID, chatID int64) string {
	mem, err := s.loadLongMemory(userID, chatID)
	if err != nil || len(mem.Profile.Themes) == 0 {
		return ""
	}
	return mem.Profile.Themes[0]
}

// mergeItems unions existing and new items preserving order, deduplicating
// case-insensitively on whitespace-collapsed text, capped at maxItems.
func mergeItems(existing, incoming []string, maxItems int) []string {
	out := make([]string, 0, maxItems)
	seen := make(map[string]bool)
	for _, item := range append(append([]string{}, existing...), incoming...) {
		norm := normalizeItem(item)
		if norm == "" {
			continue
		}
		key := strings.ToLower(norm)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, norm)
		if len(out) >= maxItems {
			break
		}
	}
	return out
}
