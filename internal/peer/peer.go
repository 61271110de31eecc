// Package peer is C4: typed RPC to other cache nodes over HTTP+JSON. It
// owns per-peer client lifecycle (lazily created, deduplicated under
// concurrent first-use via singleflight) and the retry/fan-out shape for
// the three inter-node operations spec §4.5 names: Replicate, Invalidate,
// HealthCheck.
//
// The HTTP+JSON transport and its per-attempt retry loop are grounded on
// ppriyankuu-godkv's internal/cluster/replicator.go (sendReplicateRequest/
// doHTTPReplicate/fetchFromPeer); the lazy-client dedup is grounded on
// iiivansss84-dcache's use of singleflight.Group to guard client creation.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ReplicateRequest is the wire body for a Replicate RPC.
type ReplicateRequest struct {
	Key        string `json:"key"`
	Envelope   []byte `json:"envelope"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// InvalidateRequest is the wire body for an Invalidate RPC.
type InvalidateRequest struct {
	Key       string `json:"key"`
	Timestamp uint64 `json:"timestamp"`
}

// HealthResponse is the wire body a peer returns from HealthCheck.
type HealthResponse struct {
	NodeID  string `json:"node_id"`
	Healthy bool   `json:"healthy"`
}

// Config bundles the retry/deadline knobs for the peer transport.
type Config struct {
	RPCDeadline      time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
}

// client is one peer's cached HTTP handle.
type client struct {
	address string
	http    *http.Client
}

// Transport manages a set of peer clients and executes RPCs against them.
type Transport struct {
	log    *zap.Logger
	cfg    Config
	selfID string

	mu      sync.RWMutex
	clients map[string]*client // nodeID -> client
	group   singleflight.Group
}

// New creates a Transport. selfID is excluded from Broadcast calls: a node
// never RPCs itself, it applies operations locally instead.
func New(selfID string, cfg Config, log *zap.Logger) *Transport {
	if cfg.RPCDeadline <= 0 {
		cfg.RPCDeadline = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 500 * time.Millisecond
	}
	return &Transport{
		log:     log,
		cfg:     cfg,
		selfID:  selfID,
		clients: make(map[string]*client),
	}
}

// SetPeer registers or updates the address for nodeID. Called whenever the
// coordination layer reports a membership change.
func (t *Transport) SetPeer(nodeID, address string) {
	if nodeID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[nodeID]; ok {
		c.address = address
		return
	}
	t.clients[nodeID] = &client{address: address, http: &http.Client{Timeout: t.cfg.RPCDeadline}}
}

// RemovePeer drops a cached client for a node that left the cluster.
func (t *Transport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, nodeID)
}

// PeerCount reports how many peer clients are currently cached.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// peerClient returns the cached client for nodeID, creating it under
// singleflight if this is the first concurrent request to see that peer.
func (t *Transport) peerClient(nodeID, address string) (*client, error) {
	t.mu.RLock()
	c, ok := t.clients[nodeID]
	t.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := t.group.Do(nodeID, func() (any, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.clients[nodeID]; ok {
			return c, nil
		}
		nc := &client{address: address, http: &http.Client{Timeout: t.cfg.RPCDeadline}}
		t.clients[nodeID] = nc
		return nc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*client), nil
}

// Replicate sends a Replicate RPC to one peer, making up to MaxRetries
// attempts in total with linear backoff (attempt index * RetryBackoffBase).
func (t *Transport) Replicate(ctx context.Context, nodeID, address string, req ReplicateRequest) error {
	c, err := t.peerClient(nodeID, address)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("peer: marshal replicate: %w", err)
	}
	return t.withRetry(ctx, nodeID, func(ctx context.Context) error {
		return t.postJSON(ctx, c, "/internal/peer/replicate", body)
	})
}

// Invalidate sends an Invalidate RPC to one peer.
func (t *Transport) Invalidate(ctx context.Context, nodeID, address string, req InvalidateRequest) error {
	c, err := t.peerClient(nodeID, address)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("peer: marshal invalidate: %w", err)
	}
	return t.withRetry(ctx, nodeID, func(ctx context.Context) error {
		return t.postJSON(ctx, c, "/internal/peer/invalidate", body)
	})
}

// FetchResponse is the wire body a peer returns from a store-read.
type FetchResponse struct {
	Found    bool   `json:"found"`
	Envelope []byte `json:"envelope,omitempty"`
}

// Fetch reads a key directly from a peer's local store, used by Get to
// query replica targets that aren't this node (spec §4.5.2 step 2). No
// retry: a single failed fetch is just one fewer vote in the freshest-wins
// comparison, not a condition worth delaying the read for.
func (t *Transport) Fetch(ctx context.Context, nodeID, address, key string) ([]byte, bool, error) {
	c, err := t.peerClient(nodeID, address)
	if err != nil {
		return nil, false, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RPCDeadline)
	defer cancel()

	url := "http://" + c.address + "/internal/peer/fetch/" + key
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("peer: fetch %s: %w", nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("peer: fetch %s: http %d", nodeID, resp.StatusCode)
	}
	var out FetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("peer: decode fetch %s: %w", nodeID, err)
	}
	return out.Envelope, out.Found, nil
}

// HealthCheck pings one peer once, no retry: the caller decides what a
// failed health check means for membership.
func (t *Transport) HealthCheck(ctx context.Context, nodeID, address string) (HealthResponse, error) {
	c, err := t.peerClient(nodeID, address)
	if err != nil {
		return HealthResponse{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RPCDeadline)
	defer cancel()

	url := "http://" + c.address + "/internal/peer/health"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return HealthResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("peer: healthcheck %s: %w", nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return HealthResponse{}, fmt.Errorf("peer: healthcheck %s: http %d", nodeID, resp.StatusCode)
	}
	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HealthResponse{}, fmt.Errorf("peer: decode healthcheck %s: %w", nodeID, err)
	}
	return out, nil
}

func (t *Transport) withRetry(ctx context.Context, nodeID string, attempt func(context.Context) error) error {
	var lastErr error
	for i := 0; i < t.cfg.MaxRetries; i++ {
		if i > 0 {
			delay := time.Duration(i) * t.cfg.RetryBackoffBase
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RPCDeadline)
		err := attempt(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		t.log.Debug("peer rpc attempt failed", zap.String("node_id", nodeID), zap.Int("attempt", i+1), zap.Error(err))
	}
	return fmt.Errorf("peer: %s after %d attempts: %w", nodeID, t.cfg.MaxRetries, lastErr)
}

func (t *Transport) postJSON(ctx context.Context, c *client, path string, body []byte) error {
	url := "http://" + c.address + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

// Target names one peer for a fan-out call.
type Target struct {
	NodeID  string
	Address string
}

// BroadcastReplicate fans a Replicate RPC out to every target, bounded by
// deadline, and returns the subset of node IDs that failed. A per-peer
// failure never aborts the others: errgroup collects all results before
// returning.
func (t *Transport) BroadcastReplicate(ctx context.Context, deadline time.Duration, targets []Target, req ReplicateRequest) []string {
	return t.broadcast(ctx, deadline, targets, func(ctx context.Context, tg Target) error {
		return t.Replicate(ctx, tg.NodeID, tg.Address, req)
	})
}

// BroadcastInvalidate fans an Invalidate RPC out to every target.
func (t *Transport) BroadcastInvalidate(ctx context.Context, deadline time.Duration, targets []Target, req InvalidateRequest) []string {
	return t.broadcast(ctx, deadline, targets, func(ctx context.Context, tg Target) error {
		return t.Invalidate(ctx, tg.NodeID, tg.Address, req)
	})
}

func (t *Transport) broadcast(ctx context.Context, deadline time.Duration, targets []Target, call func(context.Context, Target) error) []string {
	if len(targets) == 0 {
		return nil
	}
	fanCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(fanCtx)
	var mu sync.Mutex
	var failed []string

	for _, tg := range targets {
		tg := tg
		if tg.NodeID == t.selfID {
			continue
		}
		g.Go(func() error {
			if err := call(gctx, tg); err != nil {
				mu.Lock()
				failed = append(failed, tg.NodeID)
				mu.Unlock()
				t.log.Warn("peer broadcast failed", zap.String("node_id", tg.NodeID), zap.Error(err))
			}
			return nil
		})
	}
	// errgroup's error is always nil here: individual failures are recorded
	// in failed, not propagated, so one slow/dead peer never cancels the
	// rest of the fan-out.
	_ = g.Wait()
	return failed
}
