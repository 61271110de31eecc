package coordination

import "testing"

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	if got := reconnectBackoff(2); got != 2*reconnectBackoff(1) {
		t.Fatalf("backoff should double between attempts 1 and 2: %v then %v", reconnectBackoff(1), got)
	}
	prev := reconnectBackoff(1)
	for attempt := 2; attempt <= 12; attempt++ {
		cur := reconnectBackoff(attempt)
		if cur < prev {
			t.Fatalf("backoff should never shrink: attempt %d gave %v after %v", attempt, cur, prev)
		}
		if cur > 30_000_000_000 { // 30s in ns
			t.Fatalf("backoff exceeded cap: %v", cur)
		}
		prev = cur
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	for _, s := range []State{Disconnected, Connecting, Connected, Watching, Polling} {
		if s.String() == "unknown" {
			t.Fatalf("state %d missing a String() case", s)
		}
	}
}

func TestDescriptorPeerAddress(t *testing.T) {
	d := Descriptor{Host: "10.0.0.1", Port: 8080, PeerPort: 9080}
	if got, want := d.PeerAddress(), "10.0.0.1:9080"; got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}
