package consensus

import (
	"testing"
	"time"
)

func TestVirtualClockFiresOnlyOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewVirtualClock(start)

	ch := clock.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired before any Advance")
	default:
	}

	clock.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired before its deadline")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case got := <-ch:
		want := start.Add(5 * time.Second)
		if !got.Equal(want) {
			t.Fatalf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatalf("After did not fire once its deadline passed")
	}
}

func TestVirtualClockNowAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewVirtualClock(start)
	clock.Advance(90 * time.Second)
	if got := clock.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(90*time.Second))
	}
}
