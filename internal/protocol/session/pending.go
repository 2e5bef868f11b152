package session

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrDuplicateNonce = errors.New("session: nonce already pending")

// Result is the single resolution of one pending request.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// PendingRequest tracks one request awaiting its correlated response.
type PendingRequest struct {
	Nonce       string
	Destination string
	CreatedAt   time.Time

	done chan Result
}

// Done delivers the result exactly once.
func (p *PendingRequest) Done() <-chan Result {
	return p.done
}

// PendingInfo is a read-only snapshot of one pending request.
type PendingInfo struct {
	Nonce       string
	Destination string
	CreatedAt   time.Time
}

const (
	DefaultRetiredRetention = 5 * time.Minute
	maxRetired              = 4096
)

// PendingTable correlates nonces to pending requests. A request leaves the
// table at the moment it is resolved, so each nonce resolves at most once
// and late duplicates find nothing. Removed nonces are remembered for a
// retention window so a late response is not mistaken for a new request.
type PendingTable struct {
	mu        sync.Mutex
	items     map[string]*PendingRequest
	retired   map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items:     make(map[string]*PendingRequest),
		retired:   make(map[string]time.Time),
		retention: DefaultRetiredRetention,
		now:       time.Now,
	}
}

// SetRetention changes how long removed nonces stay recognizable.
func (t *PendingTable) SetRetention(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retention = d
}

// Retired reports whether nonce belonged to a request that has already
// been resolved, cancelled, or failed within the retention window.
func (t *PendingTable) Retired(nonce string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := strings.TrimSpace(nonce)
	at, ok := t.retired[key]
	if !ok {
		return false
	}
	if t.now().Sub(at) > t.retention {
		delete(t.retired, key)
		return false
	}
	return true
}

// Add registers a request under nonce.
func (t *PendingTable) Add(nonce, destination string, now time.Time) (*PendingRequest, error) {
	key := strings.TrimSpace(nonce)
	if key == "" {
		return nil, errors.New("session: empty nonce")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[key]; ok {
		return nil, ErrDuplicateNonce
	}
	p := &PendingRequest{
		Nonce:       key,
		Destination: destination,
		CreatedAt:   now,
		done:        make(chan Result, 1),
	}
	t.items[key] = p
	delete(t.retired, key)
	return p, nil
}

// Lookup returns the pending request for nonce without resolving it.
func (t *PendingTable) Lookup(nonce string) (PendingInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[strings.TrimSpace(nonce)]
	if !ok {
		return PendingInfo{}, false
	}
	return p.info(), true
}

// Resolve removes the request for nonce and delivers res. It reports false
// when nothing was pending (already resolved, timed out, or unknown).
func (t *PendingTable) Resolve(nonce string, res Result) bool {
	t.mu.Lock()
	p, ok := t.items[strings.TrimSpace(nonce)]
	if ok {
		t.retireLocked(p.Nonce)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- res
	return true
}

// ResolveIf is Resolve guarded by a predicate evaluated under the table lock.
func (t *PendingTable) ResolveIf(nonce string, match func(PendingInfo) bool, res Result) bool {
	t.mu.Lock()
	p, ok := t.items[strings.TrimSpace(nonce)]
	if ok && match != nil && !match(p.info()) {
		ok = false
	}
	if ok {
		t.retireLocked(p.Nonce)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- res
	return true
}

// Cancel drops the request without delivering a result. It reports false
// when the request had already been resolved; the caller then owns the
// delivered result.
func (t *PendingTable) Cancel(p *PendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[p.Nonce]
	if !ok || cur != p {
		return false
	}
	t.retireLocked(p.Nonce)
	return true
}

// FailAll resolves every pending request with err and empties the table.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	items := t.items
	t.items = make(map[string]*PendingRequest)
	for nonce := range items {
		t.retireLocked(nonce)
	}
	t.mu.Unlock()
	for _, p := range items {
		p.done <- Result{Err: err}
	}
	return len(items)
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *PendingTable) List() []PendingInfo {
	t.mu.Lock()
	out := make([]PendingInfo, 0, len(t.items))
	for _, p := range t.items {
		out = append(out, p.info())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

// retireLocked moves nonce from the live table to the retired set. The
// retired set is pruned by age and, past maxRetired, oldest first.
func (t *PendingTable) retireLocked(nonce string) {
	delete(t.items, nonce)
	now := t.now()
	t.retired[nonce] = now
	if len(t.retired) <= maxRetired {
		return
	}
	for k, at := range t.retired {
		if now.Sub(at) > t.retention {
			delete(t.retired, k)
		}
	}
	for len(t.retired) > maxRetired {
		oldest, oldestAt := "", now
		for k, at := range t.retired {
			if !at.After(oldestAt) {
				oldest, oldestAt = k, at
			}
		}
		delete(t.retired, oldest)
	}
}

func (p *PendingRequest) info() PendingInfo {
	return PendingInfo{
		Nonce:       p.Nonce,
		Destination: p.Destination,
		CreatedAt:   p.CreatedAt,
	}
}
