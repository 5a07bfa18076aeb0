package protocol

import (
	"container/list"
	"sync"
)

type replayKey struct {
	conn      string
	requestID string
}

type replayEntry struct {
	key  replayKey
	resp Envelope
}

// ReplayCache remembers recent responses per connection so a retried request
// is answered with the original response instead of being applied twice.
// Least recently stored entries are evicted first.
type ReplayCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[replayKey]*list.Element
}

// NewReplayCache returns a cache holding at most capacity responses.
//
// Precondition: capacity > 0; non-positive values fall back to 256.
func NewReplayCache(capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &ReplayCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[replayKey]*list.Element),
	}
}

// Lookup returns the stored response for (conn, requestID).
func (r *ReplayCache) Lookup(conn, requestID string) (Envelope, bool) {
	if requestID == "" {
		return Envelope{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[replayKey{conn, requestID}]
	if !ok {
		return Envelope{}, false
	}
	return el.Value.(*replayEntry).resp, true
}

// Store records resp as the answer to (conn, requestID).
func (r *ReplayCache) Store(conn, requestID string, resp Envelope) {
	if requestID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replayKey{conn, requestID}
	if el, ok := r.entries[key]; ok {
		el.Value.(*replayEntry).resp = resp
		r.order.MoveToBack(el)
		return
	}
	r.entries[key] = r.order.PushBack(&replayEntry{key: key, resp: resp})
	for r.order.Len() > r.capacity {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*replayEntry).key)
	}
}

// Forget drops every entry recorded for conn.
func (r *ReplayCache) Forget(conn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*replayEntry); e.key.conn == conn {
			r.order.Remove(el)
			delete(r.entries, e.key)
		}
		el = next
	}
}

// Len returns the number of cached responses.
func (r *ReplayCache) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
