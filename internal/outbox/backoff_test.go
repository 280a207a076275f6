package outbox

import (
	"testing"
	"time"
)

func TestFullJitterStaysWithinCap(t *testing.T) {
	b := FullJitter{Initial: time.Second, Max: 10 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := time.Duration(1<<uint(attempt-1)) * time.Second
		if ceiling > b.Max {
			ceiling = b.Max
		}
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("attempt %d: delay %s outside [0, %s]", attempt, d, ceiling)
			}
		}
	}
}

func TestFullJitterClampsAttempt(t *testing.T) {
	b := FullJitter{Initial: time.Second}
	if d := b.Delay(0); d > time.Second {
		t.Fatalf("attempt 0 should behave as attempt 1, got %s", d)
	}
}

func TestConstant(t *testing.T) {
	if d := (Constant{Interval: 3 * time.Second}).Delay(7); d != 3*time.Second {
		t.Fatalf("unexpected delay %s", d)
	}
}
