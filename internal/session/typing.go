package session

import (
	"context"
	"time"
)

// Typist emits the platform "typing" chat action. Implemented by the channel.
type Typist interface {
	SendTyping(chatID int64)
}

// Chat actions expire after about five seconds on Telegram, so the indicator
// re-sends on this interval while the slow call is running.
const typingRefresh = 4 * time.Second

// WithTyping keeps the typing indicator alive for the duration of fn. The
// indicator goroutine is always stopped when fn returns, on success or error.
func WithTyping(ctx context.Context, t Typist, chatID int64, fn func() error) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		t.SendTyping(chatID)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.SendTyping(chatID)
			}
		}
	}()

	return fn()
}
