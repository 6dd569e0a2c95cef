package mythtv

import (
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/syncutil"
)

// ChangeQueue is the FIFO of recording-list changes fed by the event loop.
// Consumers pop one entry at a time under the queue lock.
type ChangeQueue struct {
	mu    syncutil.Mutex
	items []domain.RecordingChange
}

// NewChangeQueue returns an empty queue.
func NewChangeQueue() *ChangeQueue {
	return &ChangeQueue{}
}

// Push appends a change.
func (q *ChangeQueue) Push(c domain.RecordingChange) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Pop removes and returns the oldest change.
func (q *ChangeQueue) Pop() (domain.RecordingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.RecordingChange{}, false
	}
	c := q.items[0]
	q.items[0] = domain.RecordingChange{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return c, true
}

// Len is the number of queued changes.
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
