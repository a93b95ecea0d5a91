package store

import (
	"strconv"
	"sync"
)

// keyLock serializes writes per (user, chat) key. Locks are created on first
// use and kept for the process lifetime; the map is bounded by the number of
// active conversations.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLock) lock(userID, chatID int64) func() {
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(chatID, 10)
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
