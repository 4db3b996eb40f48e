package duty

import (
	"testing"
	"time"
)

func TestNewWindowClampsCapToWindow(t *testing.T) {
	now := time.Now()
	w := NewWindow(3600, 60, now) // cap > window: clamp to window
	if got := w.Remaining(now); got != 60 {
		t.Errorf("expected capacity clamped to 60s, got %v", got)
	}
}

func TestConsumeDebitsAndSuppresses(t *testing.T) {
	now := time.Now()
	w := NewWindow(100, 3600, now)

	if !w.Consume(now, 40) {
		t.Fatalf("expected 40s consume to succeed against a 100s cap")
	}
	if got := w.Remaining(now); got != 60 {
		t.Errorf("expected 60s remaining, got %v", got)
	}

	if w.Consume(now, 90) {
		t.Fatalf("expected consume of 90s to be denied with only 60s remaining")
	}
	if w.Suppressed() != 1 {
		t.Errorf("expected suppressed count 1, got %d", w.Suppressed())
	}
	// A denied consume must not debit the bucket.
	if got := w.Remaining(now); got != 60 {
		t.Errorf("expected remaining unchanged by a denied consume, got %v", got)
	}
}

func TestRefillIsContinuousAndCapped(t *testing.T) {
	now := time.Now()
	w := NewWindow(3600, 3600, now) // 1:1 cap:window -> 1 second refilled per elapsed second
	w.Consume(now, 3600)
	if got := w.Remaining(now); got != 0 {
		t.Fatalf("expected bucket drained, got %v", got)
	}

	later := now.Add(30 * time.Minute)
	if got := w.Remaining(later); got != 1800 {
		t.Errorf("expected 1800s refilled after 30 minutes elapsed, got %v", got)
	}

	muchLater := now.Add(2 * time.Hour)
	if got := w.Remaining(muchLater); got != 3600 {
		t.Errorf("expected refill capped at capacity, got %v", got)
	}
}

func TestAllowDoesNotConsume(t *testing.T) {
	now := time.Now()
	w := NewWindow(50, 3600, now)
	if !w.Allow(now, 50) {
		t.Fatalf("expected Allow(50) true against a 50s cap")
	}
	if !w.Allow(now, 50) {
		t.Fatalf("expected a second Allow(50) to still report true since Allow never debits")
	}
	if got := w.Remaining(now); got != 50 {
		t.Errorf("expected Allow to leave the bucket untouched, got %v", got)
	}
}
