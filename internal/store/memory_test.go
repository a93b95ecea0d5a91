package store

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTruncateToKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("🔮", 200) // 4 bytes per rune

	got := truncateTo(long, 501)
	if len(got) > 501 {
		t.Fatalf("truncated to %d bytes, want <= 501", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a rune")
	}
	if got != strings.Repeat("🔮", 125) {
		t.Fatalf("got %d bytes, want the 125 whole runes that fit", len(got))
	}

	if got := truncateTo("short", 100); got != "short" {
		t.Fatalf("short input altered: %q", got)
	}
}

func TestRecordExchangeTruncationStaysValidUTF8(t *testing.T) {
	s := newTestStore(t)

	// The leading byte pushes every cut point into the middle of a rune.
	long := "x" + strings.Repeat("🌙", 300)
	if err := s.RecordExchange(1, 1, Exchange{Topic: long, LastUserMsg: long, LastBotMsg: long}); err != nil {
		t.Fatalf("record: %v", err)
	}

	ex, err := s.LastExchange(1, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, v := range []string{ex.Topic, ex.LastUserMsg, ex.LastBotMsg} {
		if !utf8.ValidString(v) {
			t.Fatalf("stored snippet is not valid UTF-8: %q", v)
		}
	}
}

func TestPaywallGate(t *testing.T) {
	s := newTestStore(t)
	s.cfg.Limits.PaywallRepeatSec = 120

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	show, err := s.ShouldShowPaywall(1, 1, "upgrade please")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !show {
		t.Fatal("first paywall should show")
	}
	if err := s.RecordPaywallShown(1, 1, "upgrade please"); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Identical text never repeats, regardless of elapsed time.
	now = now.Add(10 * time.Minute)
	if show, _ := s.ShouldShowPaywall(1, 1, "upgrade please"); show {
		t.Fatal("identical text should be suppressed")
	}

	// Different text inside the window is still suppressed.
	now = now.Add(-10 * time.Minute).Add(10 * time.Second)
	if show, _ := s.ShouldShowPaywall(1, 1, "a different pitch"); show {
		t.Fatal("paywall within repeat window should be suppressed")
	}

	// Different text after the window goes through.
	now = now.Add(130 * time.Second)
	if show, _ := s.ShouldShowPaywall(1, 1, "a different pitch"); !show {
		t.Fatal("new text after the window should show")
	}
}

func TestMessageRingBufferPrunes(t *testing.T) {
	s := newTestStore(t)
	s.cfg.Memory.MaxStoredMessages = 5

	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AppendMessage(1, 1, role, strings.Repeat("x", i+1)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.RecentMessages(1, 1, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	// Oldest first, and the oldest surviving message is the 4th appended.
	if msgs[0].Content != strings.Repeat("x", 4) {
		t.Fatalf("unexpected oldest message %q", msgs[0].Content)
	}
	if msgs[4].Content != strings.Repeat("x", 8) {
		t.Fatalf("unexpected newest message %q", msgs[4].Content)
	}
}

func TestRecordExchangeKeepsPriorValues(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordExchange(1, 1, Exchange{Topic: "career", LastUserMsg: "about my job"}); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	// An update with empty fields must not erase what is there.
	if err := s.RecordExchange(1, 1, Exchange{LastBotMsg: "the cards say..."}); err != nil {
		t.Fatalf("second exchange: %v", err)
	}

	ex, err := s.LastExchange(1, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ex.Topic != "career" || ex.LastUserMsg != "about my job" || ex.LastBotMsg != "the cards say..." {
		t.Fatalf("unexpected exchange %+v", ex)
	}
}

func TestProfileMergeDedupAndCap(t *testing.T) {
	s := newTestStore(t)
	s.cfg.Memory.ProfileMaxItems = 3

	if err := s.UpdateLongTermProfile(1, 1, ProfileUpdate{
		Profile: Profile{Themes: []string{"Career", "love  life"}},
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// "career" deduplicates case-insensitively; whitespace runs collapse.
	if err := s.UpdateLongTermProfile(1, 1, ProfileUpdate{
		Profile: Profile{Themes: []string{"career", "Love life", "money", "health"}},
	}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	mem, err := s.loadLongMemory(1, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"Career", "love life", "money"}
	if len(mem.Profile.Themes) != len(want) {
		t.Fatalf("themes = %v, want %v", mem.Profile.Themes, want)
	}
	for i, w := range want {
		if mem.Profile.Themes[i] != w {
			t.Fatalf("themes[%d] = %q, want %q", i, mem.Profile.Themes[i], w)
		}
	}
}

func TestSummariesAndEventsCapped(t *testing.T) {
	s := newTestStore(t)
	s.cfg.Memory.MaxSummaries = 2
	s.cfg.Memory.MaxEvents = 3

	for i := 0; i < 4; i++ {
		if err := s.UpdateLongTermProfile(1, 1, ProfileUpdate{
			Summary: strings.Repeat("s", i+1),
			Events:  []string{strings.Repeat("e", i+1)},
		}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	mem, err := s.loadLongMemory(1, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(mem.Summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(mem.Summaries))
	}
	if mem.Summaries[1].Text != "ssss" {
		t.Fatalf("latest summary = %q", mem.Summaries[1].Text)
	}
	if len(mem.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(mem.Events))
	}
}

func TestTickSummarizeFiresEveryN(t *testing.T) {
	s := newTestStore(t)
	s.cfg.Memory.SummarizeEveryN = 3

	for i := 0; i < 2; i++ {
		due, err := s.TickSummarize(1, 1)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if due {
			t.Fatalf("tick %d should not be due", i)
		}
	}
	due, err := s.TickSummarize(1, 1)
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if !due {
		t.Fatal("third tick should fire")
	}
	// Counter wrapped: the cycle starts over.
	if due, _ := s.TickSummarize(1, 1); due {
		t.Fatal("counter should have reset")
	}
}

func TestMemoryBlockEmptyWithoutMemory(t *testing.T) {
	s := newTestStore(t)

	block, err := s.MemoryBlock(1, 1)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if block != "" {
		t.Fatalf("expected empty block, got %q", block)
	}

	if err := s.UpdateLongTermProfile(1, 1, ProfileUpdate{
		Profile: Profile{Goals: []string{"change careers"}},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	block, err = s.MemoryBlock(1, 1)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !strings.Contains(block, "change careers") {
		t.Fatalf("block missing goal: %q", block)
	}
}

func TestClearConversation(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendMessage(1, 1, "user", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.RecordExchange(1, 1, Exchange{Topic: "love"}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := s.UpdateLongTermProfile(1, 1, ProfileUpdate{Profile: Profile{Themes: []string{"love"}}}); err != nil {
		t.Fatalf("profile: %v", err)
	}

	if err := s.ClearConversation(1, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}

	msgs, _ := s.RecentMessages(1, 1, 10)
	if len(msgs) != 0 {
		t.Fatalf("messages survived reset: %d", len(msgs))
	}
	ex, _ := s.LastExchange(1, 1)
	if ex.Topic != "" {
		t.Fatalf("short-term memory survived reset: %+v", ex)
	}
	// Long-term profile survives a reset.
	mem, _ := s.loadLongMemory(1, 1)
	if len(mem.Profile.Themes) != 1 {
		t.Fatal("long-term profile should survive a reset")
	}
}
