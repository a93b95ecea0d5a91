package followup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arcanalab/arcana/internal/config"
	"github.com/arcanalab/arcana/internal/oracle"
	"github.com/arcanalab/arcana/internal/store"
)

type mockOracle struct {
	oracle.Client
	followupText string
	followupErr  error
	calls        int
}

func (m *mockOracle) FollowupText(ctx context.Context, req oracle.FollowupRequest) (string, error) {
	m.calls++
	return m.followupText, m.followupErr
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	chats []int64
}

func (r *recordingSender) SendText(chatID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatID)
	r.texts = append(r.texts, text)
}

func (r *recordingSender) sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func newTestService(t *testing.T, oc oracle.Client, sender Sender) (*Service, *store.Store, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(cfg.DBPath, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(cfg, st, oc, sender), st, cfg
}

func TestRequiredIgnoredDaysLadder(t *testing.T) {
	tests := []struct {
		stage int
		want  int
	}{
		{0, 2},
		{1, 5},
		{2, 11},
		{3, 20},
		{-1, 2},
	}
	for _, tt := range tests {
		if got := RequiredIgnoredDays(tt.stage); got != tt.want {
			t.Errorf("RequiredIgnoredDays(%d) = %d, want %d", tt.stage, got, tt.want)
		}
	}
	// Monotonic: each nudge pushes the next one further out.
	for stage := 0; stage < 10; stage++ {
		if RequiredIgnoredDays(stage+1) <= RequiredIgnoredDays(stage) {
			t.Fatalf("ladder not increasing at stage %d", stage)
		}
	}
}

func TestSweepNudgesQuietUser(t *testing.T) {
	oc := &mockOracle{followupText: "thinking of you"}
	sender := &recordingSender{}
	svc, st, _ := newTestService(t, oc, sender)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	svc.SetClock(func() time.Time { return now })

	if err := st.EnsureUser(1, "", "Sam"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.TouchActivity(1); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// One day of silence is below the stage-0 threshold.
	now = now.Add(24 * time.Hour)
	svc.Sweep(context.Background())
	if sender.sent() != 0 {
		t.Fatal("one quiet day should not trigger a nudge")
	}

	// Three days crosses it.
	now = now.Add(2 * 24 * time.Hour)
	svc.Sweep(context.Background())
	if sender.sent() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sent())
	}

	st2, err := st.GetFollowupState(1)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st2.Stage != 1 {
		t.Fatalf("stage = %d, want 1", st2.Stage)
	}
}

func TestSweepAtMostOncePerDay(t *testing.T) {
	oc := &mockOracle{followupText: "hello again"}
	sender := &recordingSender{}
	svc, st, _ := newTestService(t, oc, sender)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	svc.SetClock(func() time.Time { return now })

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.TouchActivity(1); err != nil {
		t.Fatalf("touch: %v", err)
	}

	now = now.Add(3 * 24 * time.Hour)
	svc.Sweep(context.Background())
	svc.Sweep(context.Background())
	if sender.sent() != 1 {
		t.Fatalf("sent = %d, want 1 per day", sender.sent())
	}
}

func TestSweepBackoffGrowsWithStage(t *testing.T) {
	oc := &mockOracle{followupText: "hi"}
	sender := &recordingSender{}
	svc, st, _ := newTestService(t, oc, sender)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	svc.SetClock(func() time.Time { return now })

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.TouchActivity(1); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// First nudge after 2 ignored days.
	now = now.Add(2 * 24 * time.Hour)
	svc.Sweep(context.Background())
	if sender.sent() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sent())
	}

	// At stage 1 the threshold is 5 days since last activity; day 4 is
	// still quiet time.
	now = now.Add(2 * 24 * time.Hour)
	svc.Sweep(context.Background())
	if sender.sent() != 1 {
		t.Fatalf("stage-1 nudge fired early, sent = %d", sender.sent())
	}

	now = now.Add(24 * time.Hour)
	svc.Sweep(context.Background())
	if sender.sent() != 2 {
		t.Fatalf("sent = %d, want 2 after 5 ignored days", sender.sent())
	}
}

func TestSweepSkipsOnGenerationFailure(t *testing.T) {
	oc := &mockOracle{followupErr: context.DeadlineExceeded}
	sender := &recordingSender{}
	svc, st, _ := newTestService(t, oc, sender)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	svc.SetClock(func() time.Time { return now })

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.TouchActivity(1); err != nil {
		t.Fatalf("touch: %v", err)
	}

	now = now.Add(3 * 24 * time.Hour)
	svc.Sweep(context.Background())

	if sender.sent() != 0 {
		t.Fatal("nothing should be sent when generation fails")
	}
	st2, _ := st.GetFollowupState(1)
	if st2.Stage != 0 {
		t.Fatal("stage must not advance on failure")
	}
}

func TestSweepUsesFallbackOnEmptyText(t *testing.T) {
	oc := &mockOracle{followupText: "   "}
	sender := &recordingSender{}
	svc, st, _ := newTestService(t, oc, sender)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	svc.SetClock(func() time.Time { return now })

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.TouchActivity(1); err != nil {
		t.Fatalf("touch: %v", err)
	}

	now = now.Add(3 * 24 * time.Hour)
	svc.Sweep(context.Background())

	if sender.sent() != 1 {
		t.Fatalf("sent = %d, want fallback text", sender.sent())
	}
	sender.mu.Lock()
	text := sender.texts[0]
	sender.mu.Unlock()
	if text != oracle.FallbackFollowup {
		t.Fatalf("text = %q, want fallback", text)
	}
}
