package session

import (
	"context"
	"sync"
	"time"
)

// Change describes a session transition. Version is monotonic per manager so
// observers can discard stale notifications.
type Change struct {
	ID            string    `json:"id"`
	Version       uint64    `json:"version"`
	Authenticated bool      `json:"authenticated"`
	UserID        int64     `json:"user_id,omitempty"`
	At            time.Time `json:"at"`
}

// Broadcaster fan-outs session changes to all active subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan Change
	next int
}

// NewBroadcaster initialises an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Change)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// changes. The channel is closed when the provided context ends.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the change to all subscribers.
func (b *Broadcaster) Publish(evt Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
