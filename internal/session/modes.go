package session

import (
	"sync"
	"time"
)

// Modes tracks short-lived conversation states, currently only the
// awaiting-clarification flag: after the assistant asks what the cards should
// look at, the next message within the TTL is treated as the reading
// question. Entries expire silently.
type Modes struct {
	mu       sync.Mutex
	awaiting map[string]time.Time
	ttl      time.Duration

	now func() time.Time
}

func NewModes(ttl time.Duration) *Modes {
	return &Modes{
		awaiting: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (m *Modes) SetClock(now func() time.Time) {
	m.now = now
}

// MarkAwaitingClarify records that a clarifying question was just asked.
func (m *Modes) MarkAwaitingClarify(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaiting[key] = m.now().Add(m.ttl)
}

// ConsumeAwaitingClarify reports whether the conversation was waiting for a
// clarification answer, clearing the flag either way.
func (m *Modes) ConsumeAwaitingClarify(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.awaiting[key]
	if !ok {
		return false
	}
	delete(m.awaiting, key)
	return m.now().Before(deadline)
}
