// Command driftsyncd runs the offline-first sync engine as a local
// daemon: it owns the durable queue, drives sync cycles against the
// configured remote authority and pushes status events to UI clients
// over a local WebSocket endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/driftsync/internal/config"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/network"
	"github.com/kimhsiao/driftsync/internal/notify"
	"github.com/kimhsiao/driftsync/internal/remote"
	"github.com/kimhsiao/driftsync/internal/state"
	"github.com/kimhsiao/driftsync/internal/store"
	syncpkg "github.com/kimhsiao/driftsync/internal/sync"
	"github.com/kimhsiao/driftsync/internal/sync/conflict"
	"github.com/kimhsiao/driftsync/internal/sync/optimistic"
	"github.com/kimhsiao/driftsync/internal/sync/queue"
	"github.com/kimhsiao/driftsync/internal/sync/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.Logging.Level))
	logger := logging.Get().Component("daemon")

	st, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	remoteClient := remote.NewHTTPClient(&remote.HTTPConfig{
		BaseURL:   cfg.Remote.BaseURL,
		AuthToken: cfg.Remote.AuthToken,
		Timeout:   cfg.Remote.Timeout(),
	})

	monitor := network.NewMonitor(
		network.ProberFunc(remoteClient.Ping),
		network.Config{
			ProbeInterval: cfg.Network.ProbeInterval(),
			ProbeTimeout:  cfg.Network.ProbeTimeout(),
		})

	hub := newWSHub()
	fanout := notify.NewFanout(
		notify.NewLog(logging.Get().Component("notify")),
		hub,
	)
	// Retry notices repeat on every backoff attempt; throttle them so a
	// flapping link does not flood the log and connected clients.
	retryNotices := notify.NewRateLimited(fanout, 30*time.Second)
	notifier := notify.Func(func(event notify.Event) {
		if event.Type == "sync.retrying" {
			retryNotices.Notify(event)
			return
		}
		fanout.Notify(event)
	})

	sink := state.NewMemory()

	opQueue, err := queue.New(st, queue.Config{
		MaxRetries:        cfg.Sync.MaxRetries,
		BaseRetryDelay:    cfg.Sync.BaseRetryDelay(),
		BackoffMultiplier: cfg.Sync.BackoffMultiplier,
		MaxRetryDelay:     cfg.Sync.MaxRetryDelay(),
		RateLimitDelay:    cfg.Sync.RateLimitDelay(),
	})
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	optManager, err := optimistic.NewManager(st, sink, notifier)
	if err != nil {
		log.Fatalf("optimistic state: %v", err)
	}

	resolver := conflict.NewResolver(conflict.Config{
		ConcurrentWindow: cfg.Sync.ConflictWindow(),
		DeletedRemotely:  conflict.DeletePolicy(cfg.Sync.DeletedRemotely),
	})

	orchestrator := syncpkg.NewOrchestrator(
		opQueue, optManager, resolver, remoteClient, monitor, sink, notifier, st,
		syncpkg.Config{
			BatchSize:     cfg.Sync.BatchSize,
			SlowBatchSize: cfg.Sync.SlowBatchSize,
			FanOut:        cfg.Sync.FanOut,
			OpTimeout:     cfg.Sync.OpTimeout(),
		})

	subscribe := func(listener func(status models.NetworkStatus)) func() {
		return monitor.Subscribe(listener)
	}
	sched := scheduler.New(orchestrator, opQueue, optManager, subscribe,
		scheduler.Config{
			SyncInterval:       cfg.Sync.PeriodicInterval(),
			CompactionInterval: cfg.Sync.CompactionInterval(),
			SweepInterval:      cfg.Sync.SweepInterval(),
			StaleBound:         cfg.Sync.StaleBound(),
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.handleWS)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"scheduler": sched.GetStatus(),
			"network":   monitor.Status(),
		})
	})
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := sched.SyncNow(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		logger.Info("Status server listening",
			map[string]interface{}{"addr": cfg.Server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Status server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down", nil)
	server.Shutdown(context.Background())
}
