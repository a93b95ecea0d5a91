package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/arcanalab/arcana/internal/config"
)

// Store owns the SQLite handle and all persisted state: the entitlement
// ledger, conversation memory, reading history, the raw event log and the
// payment dedup table. Writes to one (user, chat) key are serialized through
// a per-key lock; different keys never block each other.
type Store struct {
	db    *sql.DB
	locks *keyLock
	cfg   config.Config

	now func() time.Time // injectable clock for tests
}

func Open(dbPath string, cfg *config.Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, locks: newKeyLock(), cfg: *cfg, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the time source (tests only).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_activity_at TEXT,
			last_followup_at TEXT,
			followup_stage INTEGER NOT NULL DEFAULT 0,
			last_followup_text TEXT NOT NULL DEFAULT '',
			referrer_id INTEGER NOT NULL DEFAULT 0,
			referral_credited INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			text_used_today INTEGER NOT NULL DEFAULT 0,
			photo_used_today INTEGER NOT NULL DEFAULT 0,
			last_reset_date TEXT NOT NULL DEFAULT '',
			sub_until TEXT,
			reading_free_used INTEGER NOT NULL DEFAULT 0,
			reading_credits INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conv_memory (
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			last_topic TEXT NOT NULL DEFAULT '',
			last_user_message TEXT NOT NULL DEFAULT '',
			last_bot_message TEXT NOT NULL DEFAULT '',
			last_limit_topic TEXT NOT NULL DEFAULT '',
			last_limit_type TEXT NOT NULL DEFAULT '',
			last_limit_at TEXT,
			last_paywall_text TEXT NOT NULL DEFAULT '',
			last_paywall_at TEXT,
			PRIMARY KEY (user_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS long_memory (
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			profile_json TEXT NOT NULL DEFAULT '{}',
			summaries_json TEXT NOT NULL DEFAULT '[]',
			events_json TEXT NOT NULL DEFAULT '[]',
			msg_counter INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(user_id, chat_id, id)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			question TEXT NOT NULL,
			spread_name TEXT NOT NULL,
			cards_json TEXT NOT NULL,
			excerpt TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_user ON readings(user_id, chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, created_at)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			package TEXT NOT NULL,
			stars INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) nowISO() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Store) todayISO() string {
	return s.now().UTC().Format("2006-01-02")
}

// truncateTo caps v at n bytes without splitting a multi-byte rune.
func truncateTo(v string, n int) string {
	v = strings.TrimSpace(v)
	if len(v) <= n {
		return v
	}
	for n > 0 && !utf8.RuneStart(v[n]) {
		n--
	}
	return v[:n]
}

// normalizeItem collapses whitespace runs; dedup keys are the lowercase form.
func normalizeItem(v string) string {
	return strings.Join(strings.Fields(v), " ")
}
