package ble

import "testing"

func TestNotifyQueueFIFOWithinCapacity(t *testing.T) {
	q := NewNotifyQueue(4)
	for i := 0; i < 4; i++ {
		if !q.Enqueue(PriorityMedium, CharEnvMeasurements, []byte{byte(i)}) {
			t.Fatalf("enqueue %d should have been admitted under capacity", i)
		}
	}
	if q.Len() != 4 {
		t.Fatalf("expected len 4, got %d", q.Len())
	}
	for i := 0; i < 4; i++ {
		_, payload, ok := q.Dequeue()
		if !ok || payload[0] != byte(i) {
			t.Fatalf("expected FIFO order, got payload %v at step %d", payload, i)
		}
	}
}

// S5: at queue_max, a higher-priority item evicts the lowest-priority
// occupant rather than being dropped itself.
func TestEnqueueEvictsLowerPriorityWhenFull(t *testing.T) {
	q := NewNotifyQueue(4)
	q.Enqueue(PriorityLow, CharEnvMeasurements, []byte("low1"))
	q.Enqueue(PriorityMedium, CharEnvMeasurements, []byte("med1"))
	q.Enqueue(PriorityMedium, CharEnvMeasurements, []byte("med2"))
	q.Enqueue(PriorityHigh, CharEnvMeasurements, []byte("high1"))

	if !q.Enqueue(PriorityCritical, CharStatusFlags, []byte("crit1")) {
		t.Fatalf("expected the critical item to be admitted by evicting a lower-priority occupant")
	}
	if q.Len() != 4 {
		t.Fatalf("expected queue to stay at capacity 4, got %d", q.Len())
	}

	var seen [][]byte
	for {
		_, payload, ok := q.Dequeue()
		if !ok {
			break
		}
		seen = append(seen, payload)
	}
	for _, p := range seen {
		if string(p) == "low1" {
			t.Fatalf("expected the PriorityLow occupant to have been evicted, but it survived")
		}
	}
	if string(seen[len(seen)-1]) != "crit1" {
		t.Fatalf("expected the critical item present (appended last), got order %v", seen)
	}
}

func TestEnqueueDropsWhenNoLowerPriorityOccupant(t *testing.T) {
	q := NewNotifyQueue(2)
	q.Enqueue(PriorityCritical, CharEnvMeasurements, []byte("c1"))
	q.Enqueue(PriorityCritical, CharEnvMeasurements, []byte("c2"))

	if q.Enqueue(PriorityCritical, CharEnvMeasurements, []byte("c3")) {
		t.Fatalf("expected a same-priority item to be dropped, not admitted, when the queue is full of equal-or-higher priority items")
	}
	if q.Dropped(PriorityCritical) != 1 {
		t.Fatalf("expected dropped counter incremented for PriorityCritical, got %d", q.Dropped(PriorityCritical))
	}
	if q.Len() != 2 {
		t.Fatalf("expected queue length unchanged by the drop, got %d", q.Len())
	}
}

func TestNewNotifyQueueDefaultsNonPositiveCapacity(t *testing.T) {
	q := NewNotifyQueue(0)
	if q.capacity != 16 {
		t.Errorf("expected default capacity 16, got %d", q.capacity)
	}
}
