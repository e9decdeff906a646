package dispatch

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Max: 30 * time.Minute, MaxAttempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 1 * time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{10, 30 * time.Minute},
		{0, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffCapAtMax(t *testing.T) {
	b := Backoff{Base: 10 * time.Minute, Max: 15 * time.Minute, MaxAttempts: 3}
	if got := b.Delay(2); got != 15*time.Minute {
		t.Errorf("Delay(2) = %s, want cap at 15m", got)
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, MaxAttempts: 3}

	if b.Exhausted(2) {
		t.Error("2 attempts should not exhaust a budget of 3")
	}
	if !b.Exhausted(3) {
		t.Error("3 attempts should exhaust a budget of 3")
	}
}
