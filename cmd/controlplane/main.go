// Package main is the entrypoint for the control plane: it runs the
// database migrations, the lifecycle controller, the wake webhook
// receiver, and the health and metrics servers.
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
	"github.com/shopspring/decimal"

	"github.com/wakegate/wakegate/internal/api"
	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/coordinator"
	"github.com/wakegate/wakegate/internal/games"
	"github.com/wakegate/wakegate/internal/health"
	"github.com/wakegate/wakegate/internal/lifecycle"
	"github.com/wakegate/wakegate/internal/nodeagent"
	"github.com/wakegate/wakegate/internal/provision"
	"github.com/wakegate/wakegate/internal/store"
	"github.com/wakegate/wakegate/internal/webhook"
)

var configPath = flag.String("config", "configs/controlplane.yaml", "Path to control plane configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting control plane")

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Database ────────────────────────────────────────────────────
	log.Println("[main] Running database migrations...")
	if err := store.RunMigrations(ctx, cfg.Database.DSN); err != nil {
		log.Fatalf("[main] Migrations failed: %v", err)
	}

	st, err := store.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("[main] Failed to connect to database: %v", err)
	}
	defer st.Close()
	log.Println("[main] Database ready")

	// ─── Wake Coordinator ────────────────────────────────────────────
	coord, err := coordinator.New(ctx, cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize wake coordinator: %v", err)
	}
	defer coord.Close()
	if coord.IsFallback() {
		log.Println("[main] Wake coordinator started in FALLBACK mode (Redis unavailable)")
	} else {
		log.Println("[main] Wake coordinator ready (Redis connected)")
	}

	// ─── Node Agent Client ───────────────────────────────────────────
	node := nodeagent.NewClient(cfg.Node.URL, cfg.Node.Secret, cfg.Node.Timeout)

	// ─── Lifecycle Controller ────────────────────────────────────────
	controller := lifecycle.New(st, node, coord, lifecycle.Options{
		Secret:           cfg.Node.Secret,
		TickInterval:     cfg.ControlPlane.TickInterval,
		IdleCPUThreshold: cfg.ControlPlane.IdleCPUThreshold,
		IdleAfter:        cfg.ControlPlane.IdleAfter,
		CreditsPerTick:   decimal.NewFromFloat(cfg.ControlPlane.CreditsPerTick),
	})
	go controller.Run(ctx)

	// ─── Metrics Server ──────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlPlane.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.ControlPlane.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Health Server ───────────────────────────────────────────────
	checker := health.NewChecker(st, coord, node)
	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlPlane.HealthPort),
		Handler:      checker.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Health server listening on :%d/health", cfg.ControlPlane.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Health server error: %v", err)
		}
	}()

	report := checker.Check(ctx)
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s (%s, latency %s)", comp.Name, comp.Status, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── API + Wake Webhook Receiver ─────────────────────────────────
	prov := provision.New(st, node, cfg.Node.URL, cfg.Node.Secret)
	apiServer := api.NewServer(prov, controller, st, games.Default())

	rootMux := http.NewServeMux()
	rootMux.Handle("/api/webhook/", webhook.Handler(controller))
	rootMux.Handle("/api/", apiServer.Handler())

	webhookServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ControlPlane.ListenAddr, cfg.ControlPlane.ListenPort),
		Handler:      rootMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("[main] API and webhook receiver listening on %s", webhookServer.Addr)
		if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] API server error: %v", err)
		}
	}()

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Control plane is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	cancel()

	shutdownCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	// Shutdown in reverse order.
	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Webhook server shutdown error: %v", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
