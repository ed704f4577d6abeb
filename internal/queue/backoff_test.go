package queue

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := BackoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := BackoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := BackoffWithJitter(base, max, 10); b < max/2 || b > max {
		t.Fatalf("backoff must be capped, got %s", b)
	}
	if b := BackoffWithJitter(0, 0, 2); b != 0 {
		t.Fatalf("zero backoff must stay zero, got %s", b)
	}
}
