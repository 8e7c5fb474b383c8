package ratelimit

import (
	"testing"
	"time"
)

func TestTryAdmitBurstThenRefill(t *testing.T) {
	c := New(10, 3)
	base := time.Now()

	for i := 0; i < 10; i++ {
		if !c.TryAdmit("alice", base) {
			t.Fatalf("admit %d should succeed within capacity", i)
		}
	}
	if c.TryAdmit("alice", base) {
		t.Fatal("11th immediate admit should be rejected")
	}

	// After 1 second, 3 tokens refill.
	later := base.Add(time.Second)
	for i := 0; i < 3; i++ {
		if !c.TryAdmit("alice", later) {
			t.Fatalf("refilled admit %d should succeed", i)
		}
	}
	if c.TryAdmit("alice", later) {
		t.Fatal("4th admit after 1s refill should be rejected")
	}
}

func TestTryAdmitPerUserIsolation(t *testing.T) {
	c := New(1, 3)
	now := time.Now()

	if !c.TryAdmit("alice", now) {
		t.Fatal("alice's first message should be admitted")
	}
	if !c.TryAdmit("bob", now) {
		t.Fatal("bob has an independent bucket and should be admitted")
	}
	if c.TryAdmit("alice", now) {
		t.Fatal("alice's bucket should be empty")
	}
}

func TestTryAdmitClockSkewSafety(t *testing.T) {
	c := New(10, 3)
	now := time.Now()

	for i := 0; i < 10; i++ {
		c.TryAdmit("alice", now)
	}

	past := now.Add(-time.Hour)
	if c.TryAdmit("alice", past) {
		t.Fatal("bucket with 0 tokens should stay empty across a backward clock jump")
	}

	// lastRefill is now `past`; a subsequent call at `now` should refill
	// based on the forward gap from `past`, not dip negative.
	if !c.TryAdmit("alice", now) {
		t.Fatal("forward progress from the adjusted lastRefill should eventually admit")
	}
}

func TestTryAdmitNeverExceedsCapacity(t *testing.T) {
	c := New(5, 3)
	now := time.Now()

	// Create the bucket at now so the hour-long gap to far must be capped.
	c.TryAdmit("alice", now)

	far := now.Add(time.Hour)
	admitted := 0
	for i := 0; i < 10; i++ {
		if c.TryAdmit("alice", far) {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("capacity should cap accumulated tokens at 5, got %d admits", admitted)
	}
}
