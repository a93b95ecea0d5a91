// Package session holds per-conversation runtime state: the message batching
// debounce, the typing indicator, and short-lived conversation modes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/arcanalab/arcana/internal/bus"
)

// FlushFunc handles one combined batch of rapid consecutive messages.
type FlushFunc func(ctx context.Context, key string, msgs []bus.InboundMessage)

type pendingBatch struct {
	msgs     []bus.InboundMessage
	timer    *time.Timer
	inFlight bool
}

// Batcher groups text messages that arrive within the debounce window into
// one turn, so a user typing in bursts gets one combined reply instead of
// several interleaved ones. At most one flush per conversation runs at a
// time; messages arriving mid-flush queue up for the next one.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	delay   time.Duration
	flush   FlushFunc
}

func NewBatcher(delay time.Duration, flush FlushFunc) *Batcher {
	return &Batcher{
		pending: make(map[string]*pendingBatch),
		delay:   delay,
		flush:   flush,
	}
}

// Add queues a message for its conversation and arms the debounce timer if
// one is not already running.
func (b *Batcher) Add(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[key]
	if !ok {
		p = &pendingBatch{}
		b.pending[key] = p
	}
	p.msgs = append(p.msgs, msg)

	if p.timer == nil && !p.inFlight {
		p.timer = time.AfterFunc(b.delay, func() { b.fire(ctx, key) })
	}
}

func (b *Batcher) fire(ctx context.Context, key string) {
	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok || p.inFlight || len(p.msgs) == 0 {
		b.mu.Unlock()
		return
	}
	msgs := p.msgs
	p.msgs = nil
	p.timer = nil
	p.inFlight = true
	b.mu.Unlock()

	b.flush(ctx, key, msgs)

	b.mu.Lock()
	p.inFlight = false
	if len(p.msgs) > 0 {
		// Messages landed during the flush; give them their own window.
		p.timer = time.AfterFunc(b.delay, func() { b.fire(ctx, key) })
	} else {
		delete(b.pending, key)
	}
	b.mu.Unlock()
}
