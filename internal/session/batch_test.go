package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arcanalab/arcana/internal/bus"
)

func inbound(chatID int64, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "telegram",
		SenderID: chatID,
		ChatID:   chatID,
		Kind:     bus.KindText,
		Content:  text,
	}
}

func TestBatcherCombinesRapidMessages(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]bus.InboundMessage

	b := NewBatcher(50*time.Millisecond, func(ctx context.Context, key string, msgs []bus.InboundMessage) {
		mu.Lock()
		flushes = append(flushes, msgs)
		mu.Unlock()
	})

	ctx := context.Background()
	b.Add(ctx, inbound(1, "I keep thinking"))
	b.Add(ctx, inbound(1, "about my ex"))
	b.Add(ctx, inbound(1, "what should I do"))

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("flushes = %d, want 1 combined batch", len(flushes))
	}
	if len(flushes[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(flushes[0]))
	}
}

func TestBatcherSeparatesConversations(t *testing.T) {
	var mu sync.Mutex
	keys := make(map[string]int)

	b := NewBatcher(30*time.Millisecond, func(ctx context.Context, key string, msgs []bus.InboundMessage) {
		mu.Lock()
		keys[key] += len(msgs)
		mu.Unlock()
	})

	ctx := context.Background()
	b.Add(ctx, inbound(1, "hello"))
	b.Add(ctx, inbound(2, "hi there"))

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want one flush per conversation", len(keys))
	}
}

func TestBatcherQueuesDuringFlush(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var flushes [][]bus.InboundMessage

	b := NewBatcher(20*time.Millisecond, func(ctx context.Context, key string, msgs []bus.InboundMessage) {
		mu.Lock()
		flushes = append(flushes, msgs)
		first := len(flushes) == 1
		mu.Unlock()
		if first {
			<-release
		}
	})

	ctx := context.Background()
	b.Add(ctx, inbound(1, "first"))
	time.Sleep(60 * time.Millisecond) // first flush is now blocked in-flight

	// These must ride the next flush, not spawn a concurrent one.
	b.Add(ctx, inbound(1, "second"))
	b.Add(ctx, inbound(1, "third"))
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	if len(flushes) != 1 {
		mu.Unlock()
		t.Fatalf("flushes while in-flight = %d, want 1", len(flushes))
	}
	mu.Unlock()

	close(release)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 2 {
		t.Fatalf("flushes = %d, want 2", len(flushes))
	}
	if len(flushes[1]) != 2 {
		t.Fatalf("second batch size = %d, want 2", len(flushes[1]))
	}
}

func TestModesClarifyTTL(t *testing.T) {
	m := NewModes(10 * time.Minute)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	if m.ConsumeAwaitingClarify("telegram:1") {
		t.Fatal("nothing marked yet")
	}

	m.MarkAwaitingClarify("telegram:1")
	if !m.ConsumeAwaitingClarify("telegram:1") {
		t.Fatal("mark within TTL should consume")
	}
	// Consumed: the flag is one-shot.
	if m.ConsumeAwaitingClarify("telegram:1") {
		t.Fatal("flag must clear after consumption")
	}

	m.MarkAwaitingClarify("telegram:1")
	now = now.Add(11 * time.Minute)
	if m.ConsumeAwaitingClarify("telegram:1") {
		t.Fatal("expired mark must not consume")
	}
}
