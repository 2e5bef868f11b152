package session

import (
	"strings"
	"sync"
	"time"
)

// NonceWindow remembers nonces for a retention window, bounded to a
// maximum size with the oldest evicted first.
type NonceWindow struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	limit     int
	now       func() time.Time
}

func NewNonceWindow(retention time.Duration) *NonceWindow {
	if retention <= 0 {
		retention = DefaultRetiredRetention
	}
	return &NonceWindow{
		seen:      make(map[string]time.Time),
		retention: retention,
		limit:     maxRetired,
		now:       time.Now,
	}
}

// Mark records nonce and reports whether it was already inside the window.
func (w *NonceWindow) Mark(nonce string) bool {
	key := strings.TrimSpace(nonce)
	if key == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if at, ok := w.seen[key]; ok && now.Sub(at) <= w.retention {
		return true
	}
	w.seen[key] = now
	w.pruneLocked(now)
	return false
}

// Seen reports whether nonce was marked within the window.
func (w *NonceWindow) Seen(nonce string) bool {
	key := strings.TrimSpace(nonce)
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.seen[key]
	if !ok {
		return false
	}
	if w.now().Sub(at) > w.retention {
		delete(w.seen, key)
		return false
	}
	return true
}

func (w *NonceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *NonceWindow) pruneLocked(now time.Time) {
	if len(w.seen) <= w.limit {
		return
	}
	for k, at := range w.seen {
		if now.Sub(at) > w.retention {
			delete(w.seen, k)
		}
	}
	for len(w.seen) > w.limit {
		oldest, oldestAt := "", now
		for k, at := range w.seen {
			if !at.After(oldestAt) {
				oldest, oldestAt = k, at
			}
		}
		delete(w.seen, oldest)
	}
}
