package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenRefusal(t *testing.T) {
	l := NewLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("Call %d should be within burst", i)
		}
	}
	if l.Allow() {
		t.Error("Exhausted bucket should refuse")
	}
}

func TestRefill(t *testing.T) {
	l := NewLimiter(100, 1)

	if !l.Allow() {
		t.Fatal("First call should pass")
	}
	if l.Allow() {
		t.Fatal("Bucket of one should be empty")
	}

	time.Sleep(25 * time.Millisecond) // 100/s refills ~2.5 tokens
	if !l.Allow() {
		t.Error("Bucket should have refilled")
	}
}

func TestBurstCap(t *testing.T) {
	l := NewLimiter(10, 2)
	time.Sleep(50 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed > 2 {
		t.Errorf("Refill must cap at burst, got %d", allowed)
	}
}
