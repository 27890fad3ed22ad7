package runner

import (
	"testing"
	"time"
)

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	strategy := ExponentialBackoffStrategy{Factor: 2, Max: 5 * time.Second}

	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 5 * time.Second,
		9: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := strategy.Delay(attempt, time.Second); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestExponentialBackoffJitterStaysUnderCeiling(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Factor: 2,
		Max:    3 * time.Second,
		Jitter: 0.5,
		Rand:   func() float64 { return 0.5 },
	}
	if got := strategy.Delay(1, time.Second); got != 750*time.Millisecond {
		t.Fatalf("unexpected jittered delay: %s", got)
	}
	if got := strategy.Delay(5, time.Second); got != 2250*time.Millisecond {
		t.Fatalf("unexpected capped jittered delay: %s", got)
	}

	strategy.Rand = nil
	for i := 0; i < 50; i++ {
		if got := strategy.Delay(10, time.Second); got > 3*time.Second || got < 1500*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %s", got)
		}
	}
}

func TestNoDelayStrategy(t *testing.T) {
	if d := (NoDelayStrategy{}).Delay(3, time.Hour); d != 0 {
		t.Fatalf("expected zero delay, got %s", d)
	}
	if d := DefaultBackoff().Delay(2, 0); d != 0 {
		t.Fatalf("expected zero delay for zero base, got %s", d)
	}
}
