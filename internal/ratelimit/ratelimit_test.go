package ratelimit

import (
	"testing"
	"time"
)

func TestStore_AllowBlocksAfterBurst(t *testing.T) {
	// allow 5 events immediately, then the 6th should be rejected
	s := NewStore(5, 5, time.Minute)
	defer s.Stop()

	key := "conv-42"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}
	if s.Allow(key) {
		t.Fatal("expected limiter to block after burst consumed")
	}

	// a different key has its own budget
	if !s.Allow("conv-other") {
		t.Fatal("expected fresh key to be allowed")
	}
}

func TestNewSubmissionStore_AllowsTypingBurst(t *testing.T) {
	s := NewSubmissionStore()
	defer s.Stop()

	// a quick run of consecutive sends in one conversation stays allowed
	for i := 0; i < submissionBurst; i++ {
		if !s.Allow("conv-1") {
			t.Fatalf("expected burst allowance at send %d", i)
		}
	}
	if s.Allow("conv-1") {
		t.Fatal("expected limiter to block after burst consumed")
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	s := NewStore(5, 5, time.Minute)
	s.Stop()
	s.Stop()
}
