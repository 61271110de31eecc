package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ringcache/internal/config"
	"ringcache/internal/coordination"
	"ringcache/internal/metrics"
	"ringcache/internal/peer"
	"ringcache/internal/ring"
	"ringcache/internal/store"
)

func newTestEngine(t *testing.T, nodeID string) *Engine {
	t.Helper()
	s := store.New(time.Hour)
	t.Cleanup(func() { s.Close() })

	r := ring.New(10)
	r.AddNode(nodeID)

	tr := peer.New(nodeID, peer.Config{RPCDeadline: time.Second, MaxRetries: 1, RetryBackoffBase: time.Millisecond}, zap.NewNop())
	m := metrics.New(prometheus.NewRegistry(), "test")
	cfg := config.Default()
	cfg.FanoutDeadline = 2 * time.Second

	return New(nodeID, cfg, s, r, tr, m, zap.NewNop())
}

func TestSetGetSingleNodeRoundTrip(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte(`"v1"`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := e.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `"v1"` {
		t.Fatalf("want \"v1\", got %s", got)
	}
}

func TestGetNotFoundOnSingleNode(t *testing.T) {
	e := newTestEngine(t, "n1")
	if _, err := e.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	_ = e.Set(ctx, "k", []byte(`"v"`), 0)

	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("second delete should also succeed: %v", err)
	}
	if _, err := e.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("want not found after delete, got %v", err)
	}
}

func TestEmptyRingReturnsDefinedFailure(t *testing.T) {
	s := store.New(time.Hour)
	defer s.Close()
	r := ring.New(10) // no members added
	tr := peer.New("n1", peer.Config{}, zap.NewNop())
	m := metrics.New(prometheus.NewRegistry(), "test2")
	e := New("n1", config.Default(), s, r, tr, m, zap.NewNop())

	if _, err := e.Get(context.Background(), "k"); err != ErrEmptyRing {
		t.Fatalf("want ErrEmptyRing, got %v", err)
	}
	if err := e.Set(context.Background(), "k", []byte(`"v"`), 0); err != ErrEmptyRing {
		t.Fatalf("want ErrEmptyRing, got %v", err)
	}
}

func TestApplyReplicateSkipsOlderOrEqualTimestamp(t *testing.T) {
	e := newTestEngine(t, "n1")

	skipped, err := e.ApplyReplicate("k", envBytes(t, 2000, "new"), 0)
	if err != nil || skipped {
		t.Fatalf("first write should apply: skipped=%v err=%v", skipped, err)
	}

	skipped, err = e.ApplyReplicate("k", envBytes(t, 1000, "old"), 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !skipped {
		t.Fatal("older timestamp must be skipped")
	}

	skipped, err = e.ApplyReplicate("k", envBytes(t, 2000, "equal-ts"), 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !skipped {
		t.Fatal("equal timestamp must be skipped (first-writer-wins on ties)")
	}

	got, _ := e.Get(context.Background(), "k")
	if string(got) != `"new"` {
		t.Fatalf("value should remain the first applied write, got %s", got)
	}
}

func envBytes(t *testing.T, ts uint64, data string) []byte {
	t.Helper()
	raw, _ := json.Marshal(data)
	body, _ := json.Marshal(struct {
		Timestamp uint64 `json:"timestamp"`
		Data      json.RawMessage
	}{Timestamp: ts, Data: raw})
	return body
}

func TestGetPrefersFreshestAcrossPeers(t *testing.T) {
	peerStore := make(map[string][]byte)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			key := r.URL.Path[len("/internal/peer/fetch/"):]
			v, ok := peerStore[key]
			_ = json.NewEncoder(w).Encode(struct {
				Found    bool   `json:"found"`
				Envelope []byte `json:"envelope,omitempty"`
			}{Found: ok, Envelope: v})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	e := newTestEngine(t, "n1")
	e.OnMembershipEvent(coordination.MembershipEvent{Members: []string{"n1", "n2"}})
	// Point the directory straight at the httptest listener address; a real
	// descriptor's host/peerPort fields would produce the same string.
	e.addrMu.Lock()
	e.addresses["n2"] = srv.Listener.Addr().String()
	e.addrMu.Unlock()

	peerStore["k"] = envBytes(t, 5000, "from-peer")
	_ = e.store.Set("k", envBytes(t, 1000, "from-self"), 0)

	got, err := e.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `"from-peer"` {
		t.Fatalf("want the higher-timestamp peer value, got %s", got)
	}
}
