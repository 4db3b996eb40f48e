package ble

import (
	"sync"
	"sync/atomic"
)

// Priority is the notification priority tier. Lower values preempt
// higher ones when the queue is full.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

type notifyItem struct {
	priority Priority
	char     Characteristic
	payload  []byte
}

// NotifyQueue is a non-blocking, priority-partitioned notification queue.
// It is the generalization of the teacher's gossip.ChannelPartitionSink
// (a channel with an atomic drop counter) to a queue that evicts by
// priority rather than simply dropping on overflow: eviction requires
// scanning for the lowest-priority occupant, which a bare channel cannot
// express, so this is backed by a mutex-protected slice instead.
type NotifyQueue struct {
	mu       sync.Mutex
	items    []notifyItem
	capacity int
	dropped  [priorityCount]atomic.Uint64
}

// NewNotifyQueue builds a NotifyQueue with the given capacity.
func NewNotifyQueue(capacity int) *NotifyQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &NotifyQueue{capacity: capacity}
}

// Enqueue adds an item. If the queue is full, it evicts the lowest
// priority (highest Priority value) item strictly lower priority than
// the incoming one — preferring to evict the most recently enqueued
// occupant of that tier, so older same-tier items keep their place — and
// appends the new item. If no occupant has lower priority than the
// incoming item, the incoming item itself is dropped. Returns true if the
// item was admitted.
func (q *NotifyQueue) Enqueue(priority Priority, char Characteristic, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.capacity {
		q.items = append(q.items, notifyItem{priority, char, payload})
		return true
	}

	evictIdx := -1
	for i, it := range q.items {
		if it.priority > priority {
			if evictIdx == -1 || it.priority >= q.items[evictIdx].priority {
				evictIdx = i
			}
		}
	}
	if evictIdx == -1 {
		q.dropped[priority].Add(1)
		return false
	}
	q.items = append(q.items[:evictIdx], q.items[evictIdx+1:]...)
	q.items = append(q.items, notifyItem{priority, char, payload})
	return true
}

// Dequeue pops the oldest queued item, FIFO.
func (q *NotifyQueue) Dequeue() (Characteristic, []byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it.char, it.payload, true
}

// Len returns the current queue depth.
func (q *NotifyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the lifetime count of items dropped at a given priority.
func (q *NotifyQueue) Dropped(p Priority) uint64 {
	return q.dropped[p].Load()
}
