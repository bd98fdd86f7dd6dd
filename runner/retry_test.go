package runner

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	s := ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2, Max: 100 * time.Millisecond}

	cases := map[int]time.Duration{
		-1: 10 * time.Millisecond,
		0:  10 * time.Millisecond,
		2:  40 * time.Millisecond,
		4:  100 * time.Millisecond,
		60: 100 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := s.SleepDuration(attempt, nil); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestBackoffHandlesNilAndNegative(t *testing.T) {
	if d := Backoff(nil, 3, nil); d != 0 {
		t.Errorf("expected zero for nil strategy, got %s", d)
	}
	if d := Backoff(ConstantStrategy{Interval: -time.Second}, 0, nil); d != 0 {
		t.Errorf("expected zero for negative interval, got %s", d)
	}
	if d := Backoff(ConstantStrategy{Interval: time.Second}, 7, nil); d != time.Second {
		t.Errorf("expected constant interval, got %s", d)
	}
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	base := errors.New("no such action")
	err := fmt.Errorf("inject: %w", Permanent(base))

	if !IsPermanent(err) {
		t.Fatal("expected wrapped permanent error")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected permanent error to unwrap")
	}
	if Permanent(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
