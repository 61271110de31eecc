// Package engine is C5: the central orchestrator that turns a client-facing
// set/get/delete into ring placement, local storage, and peer fan-out. It
// holds references to C1 (store), C2 (ring) and C4 (peer transport); C3
// (coordination) membership events are handed to it through
// OnMembershipEvent by the caller that subscribes. Grounded on ppriyankuu-godkv's
// internal/cluster/node.go (the same "coordinator holds everything, exposes
// Put/Get/Delete" shape), generalized from quorum/vector-clock consistency
// to broadcast fan-out with last-writer-wins conflict resolution.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ringcache/internal/config"
	"ringcache/internal/coordination"
	"ringcache/internal/envelope"
	"ringcache/internal/metrics"
	"ringcache/internal/peer"
	"ringcache/internal/ring"
	"ringcache/internal/store"
)

// ErrNotFound is returned by Get when no replica holds the key.
var ErrNotFound = fmt.Errorf("engine: key not found")

// ErrEmptyRing is returned when an operation needs placement but no node,
// not even self, is a ring member yet (spec §8, "Empty ring").
var ErrEmptyRing = fmt.Errorf("engine: no ring members")

// Stats mirrors the client-facing stats() response (spec §6).
type Stats struct {
	KeyCount       int64
	MemoryBytes    int64
	MemoryPeak     int64
	ConnectedPeers int
}

// Engine is the C5 orchestrator.
type Engine struct {
	log    *zap.Logger
	cfg    config.Config
	nodeID string

	store   *store.Store
	ring    *ring.Ring
	peers   *peer.Transport
	metrics *metrics.Metrics

	addrMu    sync.RWMutex
	addresses map[string]string // nodeID -> peer RPC address, from the last membership event

	memPeakMu sync.Mutex
	memPeak   int64
}

// New wires the engine from already-constructed components.
func New(nodeID string, cfg config.Config, s *store.Store, r *ring.Ring, p *peer.Transport, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		log:       log,
		cfg:       cfg,
		nodeID:    nodeID,
		store:     s,
		ring:      r,
		peers:     p,
		metrics:   m,
		addresses: make(map[string]string),
	}
}

// address resolves nodeID to its peer RPC address, as last reported by the
// coordination layer's membership events.
func (e *Engine) address(nodeID string) (string, bool) {
	e.addrMu.RLock()
	defer e.addrMu.RUnlock()
	addr, ok := e.addresses[nodeID]
	return addr, ok
}

// Set implements spec §4.5.1.
func (e *Engine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := uint64(time.Now().UnixMilli())
	env := envelope.Wrap(now, value)
	envBytes, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("engine: marshal envelope: %w", err)
	}

	targets := e.ring.ReplicasFor(key, e.cfg.ReplicaFactor)
	if len(targets) == 0 && e.ring.MemberCount() == 0 {
		e.observeOp("set", false)
		return ErrEmptyRing
	}

	localOK := e.writeLocalTargets(ctx, key, envBytes, ttl, targets)

	members := e.ring.Members()
	acked := e.fanoutReplicate(ctx, key, envBytes, ttl, members)

	go e.secondaryReplicate(key, envBytes, ttl, members)

	ok := localOK || acked > 0 || len(members) <= 1
	e.observeOp("set", ok)
	if !ok {
		return fmt.Errorf("engine: set %q: local write failed and no peer acknowledged", key)
	}
	return nil
}

// writeLocalTargets writes directly to every target's local store: this
// node's own store when it is a target, and peers' stores via Replicate
// otherwise (spec §4.5.1 step 4's documented equivalent implementation).
func (e *Engine) writeLocalTargets(ctx context.Context, key string, envBytes []byte, ttl time.Duration, targets []string) bool {
	localOK := false
	var wg sync.WaitGroup
	for _, t := range targets {
		if t == e.nodeID {
			if err := e.store.Set(key, envBytes, ttl); err != nil {
				e.log.Warn("local store write failed", zap.String("key", key), zap.Error(err))
			} else {
				localOK = true
			}
			continue
		}
		addr, ok := e.address(t)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(nodeID, address string) {
			defer wg.Done()
			req := peer.ReplicateRequest{Key: key, Envelope: envBytes, TTLSeconds: int(ttl.Seconds())}
			if err := e.peers.Replicate(ctx, nodeID, address, req); err != nil {
				e.log.Debug("direct target write failed", zap.String("node_id", nodeID), zap.Error(err))
			}
		}(t, addr)
	}
	wg.Wait()
	return localOK
}

// fanoutReplicate broadcasts Replicate to every member except self (and
// except members with no known address) and returns the number of peers
// that acknowledged (broadcast targets minus failures).
func (e *Engine) fanoutReplicate(ctx context.Context, key string, envBytes []byte, ttl time.Duration, members []string) int {
	targets := e.broadcastTargets(members)
	if len(targets) == 0 {
		return 0
	}
	req := peer.ReplicateRequest{Key: key, Envelope: envBytes, TTLSeconds: int(ttl.Seconds())}
	failed := e.peers.BroadcastReplicate(ctx, e.cfg.FanoutDeadline, targets, req)
	return len(targets) - len(failed)
}

func (e *Engine) secondaryReplicate(key string, envBytes []byte, ttl time.Duration, members []string) {
	time.Sleep(e.cfg.SecondaryReplicateDelay)
	targets := e.broadcastTargets(members)
	if len(targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FanoutDeadline)
	defer cancel()
	req := peer.ReplicateRequest{Key: key, Envelope: envBytes, TTLSeconds: int(ttl.Seconds())}
	e.peers.BroadcastReplicate(ctx, e.cfg.FanoutDeadline, targets, req)
}

// Get implements spec §4.5.2.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	targets := e.ring.ReplicasFor(key, e.cfg.ReplicaFactor)
	if len(targets) == 0 {
		e.observeOp("get", false)
		return nil, ErrEmptyRing
	}

	type result struct {
		timestamp uint64
		data      []byte
		found     bool
	}
	results := make([]result, len(targets))
	var wg sync.WaitGroup
	errCount := 0
	var mu sync.Mutex

	for i, t := range targets {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			raw, found, err := e.readTarget(ctx, nodeID, key)
			if err != nil {
				mu.Lock()
				errCount++
				mu.Unlock()
				return
			}
			if !found {
				return
			}
			env, _ := envelope.Unmarshal(raw)
			results[i] = result{timestamp: env.Timestamp, data: env.Data, found: true}
		}(i, t)
	}
	wg.Wait()

	if errCount == len(targets) {
		e.observeOp("get", false)
		return nil, fmt.Errorf("engine: get %q: every replica errored", key)
	}

	var best *result
	for i := range results {
		if !results[i].found {
			continue
		}
		if best == nil || results[i].timestamp > best.timestamp {
			best = &results[i]
		}
	}
	if best == nil {
		e.metrics.Misses.Inc()
		e.observeOp("get", true)
		return nil, ErrNotFound
	}
	e.metrics.Hits.Inc()
	e.observeOp("get", true)
	return best.data, nil
}

func (e *Engine) readTarget(ctx context.Context, nodeID, key string) (raw []byte, found bool, err error) {
	if nodeID == e.nodeID {
		v, ok := e.store.Get(key)
		return v, ok, nil
	}
	addr, ok := e.address(nodeID)
	if !ok {
		return nil, false, fmt.Errorf("engine: no address for %s", nodeID)
	}
	return e.peers.Fetch(ctx, nodeID, addr, key)
}

// Delete implements spec §4.5.3.
func (e *Engine) Delete(ctx context.Context, key string) error {
	members := e.ring.Members()
	deleteSet := members
	if len(deleteSet) == 0 {
		deleteSet = e.ring.ReplicasFor(key, e.cfg.ReplicaFactor)
	}

	localOK := false
	var wg sync.WaitGroup
	for _, nodeID := range deleteSet {
		if nodeID == e.nodeID {
			if err := e.store.Delete(key); err != nil {
				e.log.Warn("local delete failed", zap.String("key", key), zap.Error(err))
			} else {
				localOK = true
			}
			continue
		}
		addr, ok := e.address(nodeID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id, address string) {
			defer wg.Done()
			_ = e.peers.Invalidate(ctx, id, address, peer.InvalidateRequest{Key: key, Timestamp: uint64(time.Now().UnixMilli())})
		}(nodeID, addr)
	}
	wg.Wait()

	ts := uint64(time.Now().UnixMilli())
	targets := e.broadcastTargets(members)
	acked := 0
	if len(targets) > 0 {
		failed := e.peers.BroadcastInvalidate(ctx, e.cfg.FanoutDeadline, targets, peer.InvalidateRequest{Key: key, Timestamp: ts})
		acked = len(targets) - len(failed)
	}
	go e.secondaryInvalidate(key, ts, members)

	ok := localOK || acked > 0 || len(members) <= 1
	e.observeOp("delete", ok)
	if !ok {
		return fmt.Errorf("engine: delete %q: local delete failed and no peer acknowledged", key)
	}
	return nil
}

func (e *Engine) secondaryInvalidate(key string, ts uint64, members []string) {
	time.Sleep(e.cfg.SecondaryInvalidateDelay)
	targets := e.broadcastTargets(members)
	if len(targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FanoutDeadline)
	defer cancel()
	e.peers.BroadcastInvalidate(ctx, e.cfg.FanoutDeadline, targets, peer.InvalidateRequest{Key: key, Timestamp: ts})
}

func (e *Engine) broadcastTargets(members []string) []peer.Target {
	targets := make([]peer.Target, 0, len(members))
	for _, m := range members {
		if m == e.nodeID {
			continue
		}
		addr, ok := e.address(m)
		if !ok {
			continue
		}
		targets = append(targets, peer.Target{NodeID: m, Address: addr})
	}
	return targets
}

// ApplyReplicate is called by the peer RPC handler when another node
// replicates a key to this one. It implements the conflict rule of spec
// §4.5.4: an existing wrapped envelope with timestamp >= incoming is kept.
func (e *Engine) ApplyReplicate(key string, incomingEnvBytes []byte, ttl time.Duration) (skipped bool, err error) {
	incoming, _ := envelope.Unmarshal(incomingEnvBytes)

	if existingRaw, ok := e.store.Get(key); ok {
		existing, wrapped := envelope.Unmarshal(existingRaw)
		if wrapped && existing.Timestamp >= incoming.Timestamp {
			return true, nil
		}
	}
	if err := e.store.Set(key, incomingEnvBytes, ttl); err != nil {
		return false, fmt.Errorf("engine: apply replicate: %w", err)
	}
	return false, nil
}

// ApplyInvalidate is called by the peer RPC handler on an incoming
// Invalidate. Deletes are unconditional (spec §5, "Ordering guarantees").
func (e *Engine) ApplyInvalidate(key string) error {
	return e.store.Delete(key)
}

// Healthy reports whether this node can serve requests (spec §4.5,
// "healthy"). It is never false under normal operation; a degraded engine
// (empty ring) still reports healthy for liveness probes, distinct from
// readiness.
func (e *Engine) Healthy() bool {
	return true
}

// Stats implements the client-facing stats() response (spec §6).
func (e *Engine) Stats() Stats {
	s := e.store.Stats()
	e.memPeakMu.Lock()
	if s.MemoryBytes > e.memPeak {
		e.memPeak = s.MemoryBytes
		e.metrics.ObserveMemory(e.memPeak)
	}
	peak := e.memPeak
	e.memPeakMu.Unlock()

	return Stats{
		KeyCount:       int64(s.KeyCount),
		MemoryBytes:    s.MemoryBytes,
		MemoryPeak:     peak,
		ConnectedPeers: e.peers.PeerCount(),
	}
}

// LocalGet reads directly from this node's local store, bypassing ring
// placement. It backs the peer RPC handler that serves Fetch requests from
// other nodes during their Get fan-out.
func (e *Engine) LocalGet(key string) ([]byte, bool) {
	return e.store.Get(key)
}

// Members returns the current ring membership, sorted.
func (e *Engine) Members() []string {
	return e.ring.Members()
}

// OnMembershipEvent reacts to a C3 membership change (spec §4.5.5): it
// refreshes the address directory, reconciles ring membership and the peer
// client table against ev.Members, adding newcomers and dropping nodes that
// left. The local node is never added as a peer client.
func (e *Engine) OnMembershipEvent(ev coordination.MembershipEvent) {
	e.addrMu.Lock()
	for id, desc := range ev.Descriptors {
		e.addresses[id] = desc.PeerAddress()
	}
	e.addrMu.Unlock()

	current := make(map[string]struct{}, len(ev.Members))
	for _, id := range ev.Members {
		current[id] = struct{}{}
		if !e.ring.HasMember(id) {
			e.ring.AddNode(id)
		}
		if id != e.nodeID {
			if addr, ok := e.address(id); ok {
				e.peers.SetPeer(id, addr)
			}
		}
	}
	for _, id := range e.ring.Members() {
		if _, ok := current[id]; !ok {
			e.ring.RemoveNode(id)
			e.peers.RemovePeer(id)
		}
	}
	e.metrics.RingMembers.Set(float64(e.ring.MemberCount()))
	e.metrics.Clients.Set(float64(e.peers.PeerCount()))
}

func (e *Engine) observeOp(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	e.metrics.Ops.WithLabelValues(op, result).Inc()
}
