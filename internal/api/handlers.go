// Package api wires up the Gin HTTP router with all handler functions:
// the client-facing cache surface and the internal peer RPC surface
// (spec §6).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ringcache/internal/engine"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	engine *engine.Engine
	nodeID string
}

// NewHandler creates a Handler.
func NewHandler(e *engine.Engine, nodeID string) *Handler {
	return &Handler{engine: e, nodeID: nodeID}
}

// Register mounts the client-facing routes on r: spec §6's client API
// (cache get/put/delete, stats) plus the operator-facing health and
// cluster/nodes views. This is the router bound to the node's client port.
func (h *Handler) Register(r *gin.Engine) {
	cache := r.Group("/cache")
	cache.GET("/:key", h.Get)
	cache.PUT("/:key", h.Put)
	cache.DELETE("/:key", h.Delete)

	r.GET("/stats", h.Stats)
	r.GET("/health", h.Health)

	cluster := r.Group("/cluster")
	cluster.GET("/nodes", h.ListNodes)
}

// RegisterPeer mounts the internal peer-RPC routes on r: spec §6's
// "Peer RPC" surface (Replicate/Invalidate/HealthCheck plus the store-read
// used by Get's fan-out). This is bound to the node's separate peer port,
// since peer traffic and client traffic are distinct listeners (spec §3,
// "Node descriptor" — host/port for clients, peerPort for peers).
func (h *Handler) RegisterPeer(r *gin.Engine) {
	internal := r.Group("/internal/peer")
	internal.POST("/replicate", h.PeerReplicate)
	internal.POST("/invalidate", h.PeerInvalidate)
	internal.GET("/fetch/:key", h.PeerFetch)
	internal.GET("/health", h.PeerHealth)
}

// ─── Client-facing handlers ───────────────────────────────────────────────

// Put handles PUT /cache/:key
// Body: {"value": <any JSON>, "ttl_seconds": <int, optional>}
func (h *Handler) Put(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}

	var body struct {
		Value      json.RawMessage `json:"value" binding:"required"`
		TTLSeconds int             `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := time.Duration(body.TTLSeconds) * time.Second
	if err := h.engine.Set(c.Request.Context(), key, body.Value, ttl); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "ok": true})
}

// Get handles GET /cache/:key
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")
	data, err := h.engine.Get(c.Request.Context(), key)
	if errors.Is(err, engine.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// Delete handles DELETE /cache/:key. Deleting an absent key is success.
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")
	if err := h.engine.Delete(c.Request.Context(), key); err != nil {
		h.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "ok": true})
}

// Stats handles GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	s := h.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"keyCount":        s.KeyCount,
		"memoryBytes":     s.MemoryBytes,
		"memoryPeak":      s.MemoryPeak,
		"connectedClients": s.ConnectedPeers,
	})
}

// Health handles GET /health — a liveness probe, not a readiness one; it
// reports 200 even in degraded (empty-ring) mode.
func (h *Handler) Health(c *gin.Context) {
	if !h.engine.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": h.nodeID})
}

// ListNodes handles GET /cluster/nodes, a read-only debugging view of the
// current ring membership.
func (h *Handler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.engine.Members()})
}

// ─── Internal peer RPC handlers ───────────────────────────────────────────

type replicateBody struct {
	Key       string `json:"key" binding:"required"`
	Envelope  []byte `json:"envelope" binding:"required"`
	TTLSeconds int   `json:"ttl_seconds"`
}

// PeerReplicate handles POST /internal/peer/replicate. Applies the
// conflict rule of spec §4.5.4.
func (h *Handler) PeerReplicate(c *gin.Context) {
	var req replicateBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	skipped, err := h.engine.ApplyReplicate(req.Key, req.Envelope, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	msg := "applied"
	if skipped {
		msg = "skipped: older"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

type invalidateBody struct {
	Key       string `json:"key" binding:"required"`
	Timestamp uint64 `json:"timestamp"`
}

// PeerInvalidate handles POST /internal/peer/invalidate.
func (h *Handler) PeerInvalidate(c *gin.Context) {
	var req invalidateBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if err := h.engine.ApplyInvalidate(req.Key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "deleted"})
}

// PeerFetch handles GET /internal/peer/fetch/:key — a raw store read used
// by Get to query replica targets that aren't the local node.
func (h *Handler) PeerFetch(c *gin.Context) {
	key := c.Param("key")
	envBytes, found := h.engine.LocalGet(key)
	c.JSON(http.StatusOK, gin.H{"found": found, "envelope": envBytes})
}

// PeerHealth handles GET /internal/peer/health.
func (h *Handler) PeerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"node_id": h.nodeID, "healthy": h.engine.Healthy()})
}

func (h *Handler) respondEngineError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrEmptyRing) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
