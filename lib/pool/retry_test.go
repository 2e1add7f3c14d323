package pool

import (
	"testing"
	"time"
)

func TestRetryPolicyBackoff(t *testing.T) {
	r := RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		if got := r.Backoff(tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestRetryPolicyJitter(t *testing.T) {
	r := RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		JitterFraction: 0.5,
	}

	for i := 0; i < 100; i++ {
		got := r.Backoff(1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("Backoff(1) = %v, want within [50ms, 150ms]", got)
		}
	}
}

func TestRetryPolicyWithDefaults(t *testing.T) {
	got := RetryPolicy{}.withDefaults()
	if got != DefaultRetryPolicy() {
		t.Errorf("zero policy = %+v, want %+v", got, DefaultRetryPolicy())
	}

	got = RetryPolicy{
		MaxAttempts:    1,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     time.Second,
		JitterFraction: 3,
	}.withDefaults()
	if got.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", got.MaxAttempts)
	}
	if got.MaxBackoff != 5*time.Second {
		t.Errorf("MaxBackoff = %v, want it raised to InitialBackoff", got.MaxBackoff)
	}
	if got.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want 2", got.Multiplier)
	}
	if got.JitterFraction != 1 {
		t.Errorf("JitterFraction = %v, want 1", got.JitterFraction)
	}
}
