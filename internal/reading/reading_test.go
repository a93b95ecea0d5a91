package reading

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/arcanalab/arcana/internal/config"
	"github.com/arcanalab/arcana/internal/deck"
	"github.com/arcanalab/arcana/internal/oracle"
	"github.com/arcanalab/arcana/internal/route"
	"github.com/arcanalab/arcana/internal/store"
)

type mockOracle struct {
	oracle.Client
	intro     string
	narrative string
	paywall   string
	fail      bool
}

func (m *mockOracle) ReadingIntro(ctx context.Context, question, spreadName string, cardCount int) (string, error) {
	if m.fail {
		return "", errors.New("model unavailable")
	}
	return m.intro, nil
}

func (m *mockOracle) ReadingNarrative(ctx context.Context, req oracle.NarrativeRequest) (string, error) {
	if m.fail {
		return "", errors.New("model unavailable")
	}
	return m.narrative, nil
}

func (m *mockOracle) PaywallText(ctx context.Context, req oracle.PaywallRequest) (string, error) {
	if m.fail {
		return "", errors.New("model unavailable")
	}
	return m.paywall, nil
}

type mockRenderer struct {
	path    string
	err     error
	cleaned []string
}

func (m *mockRenderer) ComposeSpread(cards []string) (string, error) {
	return m.path, m.err
}

func (m *mockRenderer) Cleanup(path string) {
	m.cleaned = append(m.cleaned, path)
}

type recordingSender struct {
	mu       sync.Mutex
	texts    []string
	photos   []string
	paywalls []string
}

func (r *recordingSender) SendText(chatID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recordingSender) SendPhoto(chatID int64, path, caption string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.photos = append(r.photos, path)
}

func (r *recordingSender) SendPaywall(chatID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paywalls = append(r.paywalls, text)
}

func newTestController(t *testing.T, cfg *config.Config, oc oracle.Client, renderer Renderer, sender Sender) (*Controller, *store.Store) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(cfg.DBPath, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctrl := NewController(cfg, st, deck.NewSeeded(1), oc, renderer, sender)
	return ctrl, st
}

func defaultRequest() Request {
	return Request{
		UserID:    1,
		ChatID:    1,
		FirstName: "Sam",
		Decision: route.Decision{
			Action:     route.ActionReading,
			CardsCount: 3,
			SpreadName: "3 cards",
			Question:   "what about my career",
		},
	}
}

func TestCompletedReadingConsumesOnce(t *testing.T) {
	oc := &mockOracle{intro: "shuffling...", narrative: "the cards say yes"}
	sender := &recordingSender{}
	ctrl, st := newTestController(t, nil, oc, &mockRenderer{path: "/tmp/spread.png"}, sender)

	if err := st.EnsureUser(1, "", "Sam"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}

	e, err := st.EntitlementSnapshot(1, 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if e.ReadingFreeUsed != 1 {
		t.Fatalf("free used = %d, want 1", e.ReadingFreeUsed)
	}

	// Intro, photo with caption, narrative.
	if len(sender.texts) != 2 {
		t.Fatalf("texts = %d, want intro + narrative", len(sender.texts))
	}
	if sender.texts[0] != "shuffling..." || sender.texts[1] != "the cards say yes" {
		t.Fatalf("unexpected texts %v", sender.texts)
	}
	if len(sender.photos) != 1 {
		t.Fatalf("photos = %d, want 1", len(sender.photos))
	}

	readings, _ := st.RecentReadings(1, 1, 10)
	if len(readings) != 1 {
		t.Fatalf("readings persisted = %d, want 1", len(readings))
	}
	if len(readings[0].Cards) != 3 {
		t.Fatalf("cards persisted = %d, want 3", len(readings[0].Cards))
	}
}

func TestCardOfTheDayDrawsSingleCard(t *testing.T) {
	oc := &mockOracle{intro: "i", narrative: "n"}
	sender := &recordingSender{}
	ctrl, st := newTestController(t, nil, oc, &mockRenderer{path: "/tmp/x.png"}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Classifier-detected reading with no model suggestion: the count must
	// come from the question, not from a router default.
	d := route.Decide("do a card-of-the-day reading", nil, nil)
	if d.Action != route.ActionReading {
		t.Fatalf("action = %s, want reading", d.Action)
	}
	if err := ctrl.Run(context.Background(), Request{UserID: 1, ChatID: 1, Decision: d}); err != nil {
		t.Fatalf("run: %v", err)
	}

	readings, err := st.RecentReadings(1, 1, 1)
	if err != nil || len(readings) != 1 {
		t.Fatalf("readings = %v (err %v), want 1", readings, err)
	}
	if len(readings[0].Cards) != 1 {
		t.Fatalf("drew %d cards, want 1", len(readings[0].Cards))
	}
	if readings[0].SpreadName != "1 card" {
		t.Fatalf("spread name = %q, want %q", readings[0].SpreadName, "1 card")
	}
}

func TestRenderFailureStillDeliversReading(t *testing.T) {
	oc := &mockOracle{intro: "one moment", narrative: "interpretation"}
	sender := &recordingSender{}
	ctrl, st := newTestController(t, nil, oc, &mockRenderer{err: errors.New("no canvas")}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sender.photos) != 0 {
		t.Fatal("no photo should go out when rendering fails")
	}
	// Intro, textual card list, narrative.
	if len(sender.texts) != 3 {
		t.Fatalf("texts = %d, want 3", len(sender.texts))
	}
	if !strings.Contains(sender.texts[1], "🃏") {
		t.Fatalf("expected card list, got %q", sender.texts[1])
	}
	// Still settled: the narrative was delivered.
	e, _ := st.EntitlementSnapshot(1, 1)
	if e.ReadingFreeUsed != 1 {
		t.Fatalf("free used = %d, want 1", e.ReadingFreeUsed)
	}
}

func TestGenerationFailureFallsBackAndStillSettles(t *testing.T) {
	oc := &mockOracle{fail: true}
	sender := &recordingSender{}
	ctrl, st := newTestController(t, nil, oc, &mockRenderer{path: "/tmp/spread.png"}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The intro is never silently skipped.
	if len(sender.texts) != 2 {
		t.Fatalf("texts = %d, want fallback intro + fallback narrative", len(sender.texts))
	}
	if sender.texts[0] != oracle.FallbackIntro {
		t.Fatalf("intro = %q, want fallback", sender.texts[0])
	}
	if sender.texts[1] != oracle.FallbackNarrative {
		t.Fatalf("narrative = %q, want fallback", sender.texts[1])
	}
}

func TestReadingExcerptKeepsValidUTF8(t *testing.T) {
	// The leading bytes put the 300-byte cut in the middle of a rune.
	oc := &mockOracle{intro: "i", narrative: "ab" + strings.Repeat("🔮", 100)}
	sender := &recordingSender{}
	ctrl, st := newTestController(t, nil, oc, &mockRenderer{path: "/tmp/x.png"}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}

	readings, _ := st.RecentReadings(1, 1, 1)
	if len(readings) != 1 {
		t.Fatalf("readings = %d, want 1", len(readings))
	}
	excerpt := readings[0].Excerpt
	if len(excerpt) > 300 {
		t.Fatalf("excerpt is %d bytes, want <= 300", len(excerpt))
	}
	if !utf8.ValidString(excerpt) {
		t.Fatalf("excerpt is not valid UTF-8: %q", excerpt)
	}
}

func TestBlockedReadingShowsPaywallWithoutConsuming(t *testing.T) {
	oc := &mockOracle{paywall: "no more free readings"}
	sender := &recordingSender{}
	cfg := config.DefaultConfig()
	cfg.Limits.FreeReadings = 0
	ctrl, st := newTestController(t, cfg, oc, &mockRenderer{path: "/tmp/x.png"}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var blocked []int64
	ctrl.OnLimitBlock = func(userID, chatID int64) { blocked = append(blocked, userID) }

	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sender.paywalls) != 1 {
		t.Fatalf("paywalls = %d, want 1", len(sender.paywalls))
	}
	if len(sender.texts) != 0 || len(sender.photos) != 0 {
		t.Fatal("no cards or narrative on the blocked path")
	}
	if len(blocked) != 1 {
		t.Fatal("limit follow-up hook should fire")
	}
	e, _ := st.EntitlementSnapshot(1, 1)
	if e.ReadingFreeUsed != 0 || e.ReadingCredits != 0 {
		t.Fatal("blocked attempt must not consume anything")
	}
}

func TestBlockedPaywallNotRepeated(t *testing.T) {
	oc := &mockOracle{paywall: "no more free readings"}
	sender := &recordingSender{}
	cfg := config.DefaultConfig()
	cfg.Limits.FreeReadings = 0
	ctrl, st := newTestController(t, cfg, oc, &mockRenderer{}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if len(sender.paywalls) != 1 {
		t.Fatalf("paywalls = %d, want 1 (anti-spam gate)", len(sender.paywalls))
	}
}

func TestOperatorAllowlistBypassesLimit(t *testing.T) {
	oc := &mockOracle{intro: "i", narrative: "n"}
	sender := &recordingSender{}
	cfg := config.DefaultConfig()
	cfg.Limits.FreeReadings = 0
	cfg.Limits.UnlimitedUsernames = []string{"operator"}
	ctrl, st := newTestController(t, cfg, oc, &mockRenderer{path: "/tmp/x.png"}, sender)

	if err := st.EnsureUser(1, "operator", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	req := defaultRequest()
	req.Username = "operator"
	if err := ctrl.Run(context.Background(), req); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sender.paywalls) != 0 {
		t.Fatal("operator must not hit the paywall")
	}
	e, _ := st.EntitlementSnapshot(1, 1)
	if e.ReadingFreeUsed != 0 {
		t.Fatal("operator readings are not billed")
	}
}

func TestReferralRewardOnFirstCompletedReading(t *testing.T) {
	oc := &mockOracle{intro: "i", narrative: "n"}
	sender := &recordingSender{}
	cfg := config.DefaultConfig()
	ctrl, st := newTestController(t, cfg, oc, &mockRenderer{path: "/tmp/x.png"}, sender)

	if err := st.EnsureUser(1, "", ""); err != nil {
		t.Fatalf("ensure invited: %v", err)
	}
	if err := st.EnsureUser(42, "", ""); err != nil {
		t.Fatalf("ensure inviter: %v", err)
	}
	if err := st.SetReferrer(1, 42); err != nil {
		t.Fatalf("set referrer: %v", err)
	}

	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := ctrl.Run(context.Background(), defaultRequest()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	e, err := st.EntitlementSnapshot(42, 42)
	if err != nil {
		t.Fatalf("inviter snapshot: %v", err)
	}
	if e.ReadingCredits != cfg.Limits.ReferralReward {
		t.Fatalf("inviter credits = %d, want %d (exactly one reward)", e.ReadingCredits, cfg.Limits.ReferralReward)
	}
}
