package execution

import (
	"testing"
	"time"
)

func TestKeyBucketsByMinute(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 30, 5, 0, time.UTC)

	a := Key("u1", "shop@upi", 100, base)
	b := Key("u1", "shop@upi", 100, base.Add(40*time.Second))
	if a != b {
		t.Fatalf("same minute should collide: %s vs %s", a, b)
	}

	c := Key("u1", "shop@upi", 100, base.Add(time.Minute))
	if a == c {
		t.Fatalf("next minute should produce a fresh key")
	}

	d := Key("u1", "shop@upi", 100.50, base)
	if a == d {
		t.Fatalf("different amount should produce a fresh key")
	}
}

func TestReserveBlocksDuplicates(t *testing.T) {
	s := NewIdempotencyStore()

	original, ok := s.Reserve("k1", "txn_a")
	if !ok || original != "txn_a" {
		t.Fatalf("first reserve should win: %s %v", original, ok)
	}

	original, ok = s.Reserve("k1", "txn_b")
	if ok {
		t.Fatalf("second reserve should be blocked")
	}
	if original != "txn_a" {
		t.Fatalf("blocked reserve should report the original, got %s", original)
	}
}

func TestReleaseFreesKey(t *testing.T) {
	s := NewIdempotencyStore()

	s.Reserve("k1", "txn_a")
	s.Release("k1")

	if _, ok := s.Reserve("k1", "txn_b"); !ok {
		t.Fatalf("released key should be reservable again")
	}
}

func TestReserveExpiresAfterTTL(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Reserve("k1", "txn_a")

	now = now.Add(idempotencyTTL - time.Second)
	if _, ok := s.Reserve("k1", "txn_b"); ok {
		t.Fatalf("key should still be held just before the TTL")
	}

	now = now.Add(2 * time.Second)
	if _, ok := s.Reserve("k1", "txn_c"); !ok {
		t.Fatalf("key should expire after the TTL")
	}
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Reserve("old", "txn_a")
	now = now.Add(idempotencyTTL)
	s.Reserve("fresh", "txn_b")

	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d entries, want 1", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("store has %d entries, want 1", s.Len())
	}
}
