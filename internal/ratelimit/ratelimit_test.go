package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if _, err := l.Allow("c"); err != nil {
			t.Fatalf("unlimited limiter rejected: %v", err)
		}
	}
}

func TestAllow_BurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := range 3 {
		if _, err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	wait, err := l.Allow("alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("retry after = %v, want (0, 1s]", wait)
	}

	// Another client has its own bucket.
	if _, err := l.Allow("bob"); err != nil {
		t.Errorf("bob rejected: %v", err)
	}

	// One token refills per second.
	now = now.Add(time.Second)
	if _, err := l.Allow("alice"); err != nil {
		t.Errorf("alice rejected after refill: %v", err)
	}
}

func TestAllow_EvictsIdleClients(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 600})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, _ = l.Allow("idle")
	now = now.Add(time.Hour)
	for range evictEvery {
		_, _ = l.Allow("busy")
	}

	if got := l.Clients(); got != 1 {
		t.Errorf("clients = %d, want 1", got)
	}
}
