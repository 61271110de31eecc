package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testTransport() *Transport {
	return New("self", Config{RPCDeadline: time.Second, MaxRetries: 2, RetryBackoffBase: 10 * time.Millisecond}, zap.NewNop())
}

func TestReplicateSucceedsAgainstLiveServer(t *testing.T) {
	var got ReplicateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := testTransport()
	addr := srv.Listener.Addr().String()
	tr.SetPeer("n2", addr)

	err := tr.Replicate(context.Background(), "n2", addr, ReplicateRequest{Key: "k", Envelope: []byte(`{}`)})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if got.Key != "k" {
		t.Fatalf("server did not receive expected body: %+v", got)
	}
}

func TestReplicateRetriesThenFails(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := testTransport()
	addr := srv.Listener.Addr().String()

	err := tr.Replicate(context.Background(), "n2", addr, ReplicateRequest{Key: "k"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("want 2 attempts (MaxRetries), got %d", got)
	}
}

func TestBroadcastReplicateCollectsFailuresWithoutAborting(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	tr := testTransport()
	targets := []Target{
		{NodeID: "good", Address: ok.Listener.Addr().String()},
		{NodeID: "bad", Address: bad.Listener.Addr().String()},
	}

	failed := tr.BroadcastReplicate(context.Background(), time.Second, targets, ReplicateRequest{Key: "k"})
	if len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("want [bad] as the only failure, got %v", failed)
	}
}

func TestSetPeerExcludesSelf(t *testing.T) {
	tr := testTransport()
	tr.SetPeer("self", "1.2.3.4:9")
	if tr.PeerCount() != 0 {
		t.Fatalf("self should never become a peer client, got count %d", tr.PeerCount())
	}
}

func TestHealthCheckDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(HealthResponse{NodeID: "n2", Healthy: true})
	}))
	defer srv.Close()

	tr := testTransport()
	addr := srv.Listener.Addr().String()
	resp, err := tr.HealthCheck(context.Background(), "n2", addr)
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	if !resp.Healthy || resp.NodeID != "n2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
