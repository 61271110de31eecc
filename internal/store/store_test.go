package store

import (
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	if _, ok := s.Get("k"); ok {
		t.Fatal("expected absent key to miss")
	}

	if err := s.Set("k", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := s.Get("k")
	if !ok || string(got) != "v1" {
		t.Fatalf("want v1, got %q (ok=%v)", got, ok)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected key to be gone after delete")
	}

	// Deleting an absent key is success, not an error (idempotent).
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete of absent key should not error: %v", err)
	}
}

func TestZeroAndNegativeTTLNeverExpire(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	_ = s.Set("zero", []byte("v"), 0)
	_ = s.Set("neg", []byte("v"), -1*time.Second)

	time.Sleep(10 * time.Millisecond)

	if _, ok := s.Get("zero"); !ok {
		t.Fatal("ttl=0 should mean no expiry")
	}
	if _, ok := s.Get("neg"); !ok {
		t.Fatal("negative ttl should mean no expiry")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(time.Hour) // sweep interval irrelevant — Get double-checks expiry
	defer s.Close()

	_ = s.Set("k", []byte("v"), 20*time.Millisecond)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("key should be present before ttl elapses")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatal("key should be gone after ttl elapses")
	}
}

func TestBackgroundSweepReclaimsMemory(t *testing.T) {
	s := New(10 * time.Millisecond)
	defer s.Close()

	_ = s.Set("k", []byte("v"), 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats := s.Stats()
	if stats.KeyCount != 0 {
		t.Fatalf("expected sweep to reclaim expired key, got KeyCount=%d", stats.KeyCount)
	}
}

func TestStats(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	_ = s.Set("a", []byte("12345"), 0)
	_ = s.Set("b", []byte("123"), 0)

	stats := s.Stats()
	if stats.KeyCount != 2 {
		t.Fatalf("want 2 keys, got %d", stats.KeyCount)
	}
	if stats.MemoryBytes <= 0 {
		t.Fatalf("want positive memory estimate, got %d", stats.MemoryBytes)
	}
}
