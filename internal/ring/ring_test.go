package ring

import (
	"reflect"
	"testing"
)

func TestReplicasForDeterministicAndUnique(t *testing.T) {
	r := New(100)
	r.AddNode("n1")
	r.AddNode("n2")
	r.AddNode("n3")

	first := r.ReplicasFor("some-key", 3)
	second := r.ReplicasFor("some-key", 3)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replica placement must be deterministic: %v != %v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("want 3 replicas, got %d: %v", len(first), first)
	}
	seen := map[string]bool{}
	for _, n := range first {
		if seen[n] {
			t.Fatalf("duplicate node in replica set: %v", first)
		}
		seen[n] = true
	}
}

func TestReplicasForCapsAtMembership(t *testing.T) {
	r := New(100)
	r.AddNode("solo")

	got := r.ReplicasFor("k", 3)
	if len(got) != 1 || got[0] != "solo" {
		t.Fatalf("want [solo], got %v", got)
	}
}

func TestEmptyRingReturnsNil(t *testing.T) {
	r := New(100)
	if got := r.ReplicasFor("k", 3); got != nil {
		t.Fatalf("want nil for empty ring, got %v", got)
	}
	if _, ok := r.PrimaryFor("k"); ok {
		t.Fatal("want ok=false for empty ring")
	}
}

func TestAddRemoveRestoresRingState(t *testing.T) {
	r := New(50)
	r.AddNode("n1")
	r.AddNode("n2")
	before := r.ReplicasFor("stable-key", 2)

	r.AddNode("n3")
	r.RemoveNode("n3")

	after := r.ReplicasFor("stable-key", 2)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("ring state should be restored after add+remove: before=%v after=%v", before, after)
	}
	if r.MemberCount() != 2 {
		t.Fatalf("want 2 members after remove, got %d", r.MemberCount())
	}
}

func TestRemoveNodeDropsExactlyItsSlots(t *testing.T) {
	r := New(10)
	r.AddNode("n1")
	r.AddNode("n2")
	if len(r.entries) != 20 {
		t.Fatalf("want 20 entries (2 nodes * 10 slots), got %d", len(r.entries))
	}
	r.RemoveNode("n1")
	if len(r.entries) != 10 {
		t.Fatalf("want 10 entries after removing one node, got %d", len(r.entries))
	}
	for _, e := range r.entries {
		if e.node != "n2" {
			t.Fatalf("remaining entries should all belong to n2, found %q", e.node)
		}
	}
}

func TestHash32IsStableAcrossCalls(t *testing.T) {
	if hash32("abc") != hash32("abc") {
		t.Fatal("hash32 must be a pure function of its input")
	}
}
