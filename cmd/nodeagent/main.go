// Package main is the entrypoint for the node agent: the authenticated
// HTTP surface by which the control plane drives the container
// orchestrator on this node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/nodeagent"
	"github.com/wakegate/wakegate/internal/orchestrator"
)

var configPath = flag.String("config", "configs/nodeagent.yaml", "Path to node agent configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting node agent")

	_ = godotenv.Load()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}

	// ─── Container Engine ────────────────────────────────────────────
	engine, err := orchestrator.NewDockerEngine()
	if err != nil {
		log.Fatalf("[main] Failed to connect to container engine: %v", err)
	}
	defer engine.Close()

	ports := orchestrator.NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	orch := orchestrator.New(engine, orchestrator.Options{
		ProxyImage:        cfg.ProxyImage,
		ProxyBuildContext: cfg.ProxyBuildContext,
		StopTimeout:       cfg.StopTimeout,
		Ports:             ports,
	})

	// ─── Metrics Server ──────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── RPC Server ──────────────────────────────────────────────────
	lookup := orchestrator.NewNameLookup(engine)
	server := nodeagent.NewServer(orch, lookup, cfg.Secret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("[main] Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	if err := server.Run(ctx, addr); err != nil {
		log.Fatalf("[main] Node agent server error: %v", err)
	}

	shutdownCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
