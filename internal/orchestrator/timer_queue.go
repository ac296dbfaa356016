package orchestrator

import (
	"bytes"
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerQueue holds the single pending timer of every scheduled
// contact, ordered by fire time with contact id as tie-break. It is
// an in-memory view only: the authoritative fire times live in the
// contact store, and the queue is rebuilt from there after a restart.
type TimerQueue struct {
	mu    sync.Mutex
	items timerHeap
	index map[uuid.UUID]*timerEntry
}

type timerEntry struct {
	contactID uuid.UUID
	fireAt    time.Time
	pos       int
}

// NewTimerQueue creates an empty queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{index: make(map[uuid.UUID]*timerEntry)}
}

// Schedule inserts or replaces the pending timer for a contact.
func (q *TimerQueue) Schedule(contactID uuid.UUID, fireAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.index[contactID]; ok {
		if entry.fireAt.Equal(fireAt) {
			return
		}
		entry.fireAt = fireAt
		heap.Fix(&q.items, entry.pos)
		return
	}

	entry := &timerEntry{contactID: contactID, fireAt: fireAt}
	q.index[contactID] = entry
	heap.Push(&q.items, entry)
}

// Cancel removes the contact's pending timer, if any.
func (q *TimerQueue) Cancel(contactID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.index[contactID]
	if !ok {
		return
	}
	heap.Remove(&q.items, entry.pos)
	delete(q.index, contactID)
}

// PopDue removes and returns every contact whose timer fires at or
// before now, ordered by (fire time, contact id). Each due contact is
// returned exactly once per firing.
func (q *TimerQueue) PopDue(now time.Time) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []uuid.UUID
	for q.items.Len() > 0 {
		top := q.items[0]
		if top.fireAt.After(now) {
			break
		}
		heap.Pop(&q.items)
		delete(q.index, top.contactID)
		due = append(due, top.contactID)
	}
	return due
}

// Len reports the number of pending timers.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// NextFire returns the earliest pending fire time, if any.
func (q *TimerQueue) NextFire() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Time{}, false
	}
	return q.items[0].fireAt, true
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return bytes.Compare(h[i].contactID[:], h[j].contactID[:]) < 0
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *timerHeap) Push(x any) {
	entry := x.(*timerEntry)
	entry.pos = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
