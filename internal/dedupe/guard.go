// ABOUTME: TTL guard that remembers recently completed sends per conversation
// ABOUTME: Fast path in front of the store's client-key uniqueness constraint

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sendKey identifies one logical send attempt. Two requests with the same
// key are the same send, retried.
type sendKey struct {
	conversationID string
	senderID       string
	clientKey      string
}

type guardEntry struct {
	seenAt  time.Time
	element *list.Element
}

// SendGuard tracks recently completed sends so a retry can be answered from
// the existing row without a failed INSERT. It is only an optimization: the
// store's UNIQUE (conversation_id, client_key) index is the authoritative
// guard, so entries aged out by TTL or eviction are still caught there.
// Eviction order is tracked with a doubly-linked list for O(1) removal of
// the oldest send.
type SendGuard struct {
	mu       sync.Mutex
	sends    map[sendKey]*guardEntry
	order    *list.List // sendKey values, oldest at front
	ttl      time.Duration
	capacity int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSendGuard creates a guard with the given retry window and capacity.
// A background goroutine sweeps out expired sends.
func NewSendGuard(ttl time.Duration, capacity int) *SendGuard {
	g := &SendGuard{
		sends:    make(map[sendKey]*guardEntry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// CheckAndMarkSend atomically reports whether this send was already seen
// within the retry window, marking it if not. Returns true for a retry,
// false for a first attempt (now marked).
func (g *SendGuard) CheckAndMarkSend(conversationID, senderID, clientKey string) bool {
	key := sendKey{conversationID, senderID, clientKey}

	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.sends[key]; ok && time.Since(entry.seenAt) < g.ttl {
		entry.seenAt = time.Now()
		g.order.MoveToBack(entry.element)
		return true
	}

	if len(g.sends) >= g.capacity {
		g.evictOldest()
	}

	g.sends[key] = &guardEntry{
		seenAt:  time.Now(),
		element: g.order.PushBack(key),
	}
	return false
}

// evictOldest removes the least recently marked send. Caller holds mu.
func (g *SendGuard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(sendKey)
	g.order.Remove(front)
	delete(g.sends, key)
}

func (g *SendGuard) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stop:
			return
		}
	}
}

func (g *SendGuard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, entry := range g.sends {
		if now.Sub(entry.seenAt) > g.ttl {
			g.order.Remove(entry.element)
			delete(g.sends, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (g *SendGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}
