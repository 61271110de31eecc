// Package coordination is C3: session-bound ephemeral membership against an
// external coordination service. A node's presence in the member set is
// tied to a lease that expires if the node stops renewing it, so a crashed
// node disappears automatically (spec §4.3).
//
// The watch path is grounded on etcdhosts-etcdhosts's internal/etcd storage
// (Load/Watch/Close shape, watch-channel-to-event translation); the
// session-bound registration is concurrency.Session, which wraps exactly
// the lease-keepalive machinery spec §4.3 describes.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// prefix is the coordination layout's base path (spec §6, "Coordination
// layout"). It must match across every node in the cluster.
const prefix = "/redis-cache/nodes/"

// State is the coordination client's connection state machine (spec §4.3).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Watching
	Polling
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Watching:
		return "watching"
	case Polling:
		return "polling"
	default:
		return "unknown"
	}
}

// Descriptor is the serialized value stored under each node's coordination
// key (spec §6, "Coordination layout").
type Descriptor struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	PeerPort int    `json:"peerPort"`
}

// PeerAddress returns the host:peerPort pair other nodes use to reach this
// node's peer RPC listener.
func (d Descriptor) PeerAddress() string {
	return fmt.Sprintf("%s:%d", d.Host, d.PeerPort)
}

// MembershipEvent is delivered to Subscribe callers whenever the live
// member set changes, either via watch or via poll fallback.
type MembershipEvent struct {
	Members     []string
	Descriptors map[string]Descriptor
}

// Client maintains this node's ephemeral registration and tracks the
// cluster's current membership.
type Client struct {
	log        *zap.Logger
	client     *clientv3.Client
	nodeID     string
	descriptor Descriptor

	pollInterval time.Duration

	mu        sync.Mutex
	session   *concurrency.Session
	state     State
	watchers  []chan MembershipEvent
	lastEvent MembershipEvent
	haveEvent bool // whether lastEvent holds a real snapshot yet
}

// Config bundles the values needed to dial the coordination service.
type Config struct {
	Endpoints    []string
	DialTimeout  time.Duration
	NodeID       string
	Descriptor   Descriptor
	PollInterval time.Duration
}

// New dials the coordination service. It does not register the node; call
// Register for that once the caller is ready to join the cluster.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("coordination: dial: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		log:          log,
		client:       cli,
		nodeID:       cfg.NodeID,
		descriptor:   cfg.Descriptor,
		pollInterval: poll,
		state:        Disconnected,
	}, nil
}

// Register creates a lease-backed session and publishes this node's address
// under it. The registration disappears automatically if the process dies
// or the lease otherwise lapses, per spec §4.3. Register also starts the
// background watch/poll loop that keeps the client's own view of the
// cluster current.
func (c *Client) Register(ctx context.Context) error {
	c.setState(Connecting)

	sess, err := concurrency.NewSession(c.client, concurrency.WithTTL(15))
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("coordination: new session: %w", err)
	}

	descBytes, err := json.Marshal(c.descriptor)
	if err != nil {
		sess.Close()
		c.setState(Disconnected)
		return fmt.Errorf("coordination: marshal descriptor: %w", err)
	}

	key := prefix + c.nodeID
	if _, err := c.client.Put(ctx, key, string(descBytes), clientv3.WithLease(sess.Lease())); err != nil {
		sess.Close()
		c.setState(Disconnected)
		return fmt.Errorf("coordination: register: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.setState(Connected)

	// Prime subscribers with the membership as it stands at registration
	// time: clientv3.Watch only delivers events from here forward, so
	// without this a node that boots into an already-stable cluster would
	// never learn who else is a member until some subsequent change (spec
	// §4.3, "On reconnection, the full member list is diffed... to
	// synthesize missed events").
	if ev, err := c.snapshotEvent(ctx); err != nil {
		c.log.Warn("coordination: initial membership snapshot failed", zap.Error(err))
	} else {
		c.broadcast(ev)
	}

	go c.watchLoop(sess)
	go c.leaseWatchdog(sess)

	c.log.Info("registered with coordination service",
		zap.String("node_id", c.nodeID),
		zap.String("address", c.descriptor.PeerAddress()),
		zap.String("registration_id", uuid.NewString()),
	)
	return nil
}

// Unregister gives up the session, which revokes the lease and removes the
// node's key immediately instead of waiting for TTL expiry.
func (c *Client) Unregister(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.setState(Disconnected)
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("coordination: unregister: %w", err)
	}
	return nil
}

// Members returns the current snapshot of registered node IDs, sorted.
func (c *Client) Members(ctx context.Context) ([]string, error) {
	descs, err := c.memberDescriptors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(descs))
	for id := range descs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// memberDescriptors fetches every registered node's descriptor, skipping
// entries whose value fails to parse (a node mid-write or running an
// incompatible version) rather than failing the whole snapshot.
func (c *Client) memberDescriptors(ctx context.Context) (map[string]Descriptor, error) {
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("coordination: members: %w", err)
	}
	out := make(map[string]Descriptor, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := string(kv.Key)[len(prefix):]
		var d Descriptor
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			c.log.Warn("coordination: skipping unparsable member descriptor", zap.String("node_id", id), zap.Error(err))
			continue
		}
		out[id] = d
	}
	return out, nil
}

// Subscribe returns a channel of membership change events. The channel is
// buffered; slow consumers miss intermediate events but always eventually
// see the latest membership once they catch up to a subsequent event.
//
// A subscriber that joins after the client already has a membership snapshot
// (from Register's initial fetch or a later watch/poll cycle) is caught up
// immediately: the last known snapshot is queued on its channel before
// Subscribe returns, so a late subscriber never has to wait for the next
// membership change to learn who else is in the cluster.
func (c *Client) Subscribe() <-chan MembershipEvent {
	ch := make(chan MembershipEvent, 8)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	if c.haveEvent {
		ch <- c.lastEvent
	}
	c.mu.Unlock()
	return ch
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("coordination state transition", zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

func (c *Client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) broadcast(ev MembershipEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEvent = ev
	c.haveEvent = true
	for _, ch := range c.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// watchLoop is the watch-primary / polling-fallback state machine. It
// prefers a live etcd watch; on any watch error it drops to Polling and
// tries the watch again once the backoff delay has elapsed.
func (c *Client) watchLoop(sess *concurrency.Session) {
	ctx := sess.Client().Ctx()
	attempt := 0
	for {
		select {
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		c.setState(Watching)
		if c.runWatch(ctx) {
			attempt = 0
			continue
		}

		// Watch failed: fall back to polling while attempting to reconnect.
		c.setState(Polling)
		attempt++
		backoff := reconnectBackoff(attempt)
		c.log.Warn("coordination watch unavailable, polling", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))

		pollTicker := time.NewTicker(c.pollInterval)
		timer := time.NewTimer(backoff)
	pollLoop:
		for {
			select {
			case <-sess.Done():
				pollTicker.Stop()
				timer.Stop()
				return
			case <-ctx.Done():
				pollTicker.Stop()
				timer.Stop()
				return
			case <-pollTicker.C:
				if ev, err := c.snapshotEvent(ctx); err == nil {
					c.broadcast(ev)
				}
			case <-timer.C:
				pollTicker.Stop()
				break pollLoop
			}
		}
	}
}

// runWatch blocks watching the member prefix until the watch channel closes
// or errors, pushing a fresh membership snapshot on every event. It returns
// true if the watch ran without an unrecoverable error (caller should retry
// watching immediately) and false if it should fall back to polling.
//
// clientv3.Watch only streams changes from the moment it starts, so every
// (re)establishment first pushes a full snapshot: this is what lets a node
// recovering from a polling fallback, or re-watching after a dropped
// connection, pick up members it missed without waiting for their next
// individual add/remove event.
func (c *Client) runWatch(ctx context.Context) bool {
	watchCtx := clientv3.WithRequireLeader(ctx)
	wch := c.client.Watch(watchCtx, prefix, clientv3.WithPrefix())

	if ev, err := c.snapshotEvent(ctx); err != nil {
		c.log.Warn("coordination: watch-establishment snapshot failed", zap.Error(err))
	} else {
		c.broadcast(ev)
	}

	for resp := range wch {
		if resp.Err() != nil {
			c.log.Warn("coordination watch error", zap.Error(resp.Err()))
			return false
		}
		if len(resp.Events) == 0 {
			continue
		}
		ev, err := c.snapshotEvent(ctx)
		if err != nil {
			c.log.Warn("coordination members refresh failed", zap.Error(err))
			continue
		}
		c.broadcast(ev)
	}
	return true
}

// snapshotEvent fetches the current membership and packages it as a
// MembershipEvent ready to broadcast to subscribers.
func (c *Client) snapshotEvent(ctx context.Context) (MembershipEvent, error) {
	descs, err := c.memberDescriptors(ctx)
	if err != nil {
		return MembershipEvent{}, err
	}
	members := make([]string, 0, len(descs))
	for id := range descs {
		members = append(members, id)
	}
	sort.Strings(members)
	return MembershipEvent{Members: members, Descriptors: descs}, nil
}

// leaseWatchdog observes the session's keepalive loop ending (meaning the
// lease lapsed or the client gave up renewing it) and marks the client
// disconnected so callers relying on currentState see the change.
func (c *Client) leaseWatchdog(sess *concurrency.Session) {
	<-sess.Done()
	if c.currentState() != Disconnected {
		c.setState(Disconnected)
		c.log.Warn("coordination session ended", zap.String("node_id", c.nodeID))
	}
}

// reconnectBackoff is capped exponential backoff: 1s base, doubling per
// attempt, never more than 30s (reached from attempt 6 on). The attempt
// count is also clamped at 10, so growth could not continue past that even
// without the 30s cap (spec §4.3).
func reconnectBackoff(attempt int) time.Duration {
	const maxAttempts = 10
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// Close releases the underlying etcd client connection.
func (c *Client) Close() error {
	return c.client.Close()
}
