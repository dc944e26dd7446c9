package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/voxaid/internal/event"
)

// Outbound is one item of the per-session outbound queue: either a server
// event, a chunk of synthesized PCM still to be Opus-encoded, or the
// close-stream sentinel.
type Outbound struct {
	Event event.ServerEvent

	ResponseID uuid.UUID
	PCM        []float32

	Close bool
}

// outQueue is a FIFO queue connecting the turn controller to the gateway's
// emit loop. Clear drops everything queued so far; an interruption must not
// let stale audio reach the client.
type outQueue struct {
	mu    sync.Mutex
	items []Outbound
	wake  chan struct{}
}

func newOutQueue() *outQueue {
	return &outQueue{wake: make(chan struct{}, 1)}
}

// Put appends an item.
func (q *outQueue) Put(item Outbound) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PutEvent appends a server event.
func (q *outQueue) PutEvent(ev event.ServerEvent) {
	q.Put(Outbound{Event: ev})
}

// Get blocks until an item is available or ctx is done.
func (q *outQueue) Get(ctx context.Context) (Outbound, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Outbound{}, ctx.Err()
		}
	}
}

// Clear drops all queued items.
func (q *outQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *outQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
