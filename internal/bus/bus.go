package bus

import (
	"sync"

	"github.com/jkaberg/evse-sim/internal/domain"
)

// Bus fans out connector snapshots from the control loop to telemetry
// consumers. Every subscriber holds at most one pending batch; a slow
// subscriber sees the newest batch, never a backlog.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan []domain.Snapshot
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a channel receiving every future batch.
func (b *Bus) Subscribe() <-chan []domain.Snapshot {
	ch := make(chan []domain.Snapshot, 1)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe detaches and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(sub <-chan []domain.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subscribers {
		if ch == sub {
			b.subscribers[i] = b.subscribers[len(b.subscribers)-1]
			b.subscribers = b.subscribers[:len(b.subscribers)-1]
			close(ch)
			return
		}
	}
}

// Publish never blocks. A pending, unread batch is replaced.
func (b *Bus) Publish(snaps []domain.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- snaps:
			continue
		default:
		}
		// stale batch still queued
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snaps:
		default:
		}
	}
}

// Subscribers reports the number of attached consumers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
