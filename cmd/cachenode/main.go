// cmd/cachenode is the main entrypoint for a ringcache node.
//
// Configuration is entirely via flags so a single binary can serve any
// role in the cluster.
//
// Example — three-node cluster sharing one etcd endpoint:
//
//	./cachenode --id node1 --host 127.0.0.1 --client-port 8080 --peer-port 9080 --etcd localhost:2379
//	./cachenode --id node2 --host 127.0.0.1 --client-port 8081 --peer-port 9081 --etcd localhost:2379
//	./cachenode --id node3 --host 127.0.0.1 --client-port 8082 --peer-port 9082 --etcd localhost:2379
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ringcache/internal/api"
	"ringcache/internal/config"
	"ringcache/internal/coordination"
	"ringcache/internal/engine"
	"ringcache/internal/metrics"
	"ringcache/internal/peer"
	"ringcache/internal/ring"
	"ringcache/internal/store"
)

func main() {
	nodeID := flag.String("id", "node1", "unique node identifier")
	host := flag.String("host", "127.0.0.1", "address other nodes use to reach this one")
	clientPort := flag.Int("client-port", 8080, "port the client API listens on")
	peerPort := flag.Int("peer-port", 9080, "port peer RPCs are accepted on")
	etcdEndpoints := flag.String("etcd", "localhost:2379", "comma-separated etcd endpoints")
	replicaFactor := flag.Int("replica-factor", 3, "target replica count per key (F)")
	ringVirtualSlots := flag.Int("ring-vslots", 100, "virtual slots per node on the placement ring")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Default()
	cfg.NodeID = *nodeID
	cfg.Host = *host
	cfg.ClientPort = *clientPort
	cfg.PeerPort = *peerPort
	cfg.CoordinationEndpoints = strings.Split(*etcdEndpoints, ",")
	cfg.ReplicaFactor = *replicaFactor
	cfg.RingVirtualSlots = *ringVirtualSlots

	s := store.New(cfg.StoreSweepInterval)
	defer s.Close()

	r := ring.New(cfg.RingVirtualSlots)
	r.AddNode(cfg.NodeID) // degraded single-node operation until coordination catches up

	peerTransport := peer.New(cfg.NodeID, peer.Config{
		RPCDeadline:      cfg.PeerRPCDeadline,
		MaxRetries:       cfg.MaxPeerRetries,
		RetryBackoffBase: cfg.RetryBackoffBase,
	}, log)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "ringcache")

	eng := engine.New(cfg.NodeID, cfg, s, r, peerTransport, m, log)

	coordClient, err := coordination.New(coordination.Config{
		Endpoints:    cfg.CoordinationEndpoints,
		NodeID:       cfg.NodeID,
		Descriptor:   coordination.Descriptor{Host: cfg.Host, Port: cfg.ClientPort, PeerPort: cfg.PeerPort},
		PollInterval: cfg.PollInterval,
	}, log)
	if err != nil {
		// Spec §4.5.6, §7: coordination unreachable at boot is degraded, not
		// fatal — the node keeps serving with a self-only ring.
		log.Warn("coordination service unreachable at boot, running degraded (self-only ring)", zap.Error(err))
	} else {
		regCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = coordClient.Register(regCtx)
		cancel()
		if err != nil {
			log.Warn("coordination registration failed, running degraded", zap.Error(err))
		} else {
			events := coordClient.Subscribe()
			go func() {
				for ev := range events {
					eng.OnMembershipEvent(ev)
				}
			}()
		}
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(eng, cfg.NodeID)

	clientRouter := gin.New()
	clientRouter.Use(api.Logger(log), api.Recovery(log))
	clientRouter.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	handler.Register(clientRouter)

	peerRouter := gin.New()
	peerRouter.Use(api.Logger(log), api.Recovery(log))
	handler.RegisterPeer(peerRouter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ClientPort),
		Handler:      clientRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	peerSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.PeerPort),
		Handler:      peerRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("node listening", zap.String("node_id", cfg.NodeID), zap.Int("client_port", cfg.ClientPort), zap.Int("peer_port", cfg.PeerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	go func() {
		if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("peer server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down", zap.String("node_id", cfg.NodeID))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if coordClient != nil {
		if err := coordClient.Unregister(shutdownCtx); err != nil {
			log.Warn("coordination unregister failed", zap.Error(err))
		}
		if err := coordClient.Close(); err != nil {
			log.Warn("coordination client close failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := peerSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("peer server shutdown error", zap.Error(err))
	}
}
