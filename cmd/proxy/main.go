// Package main is the entrypoint for the wake-on-connect proxy sidecar.
// It is configured entirely from the environment (injected by the
// orchestrator at deploy time), listens on the public port, and wakes
// the backing game server on the first player connect.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/relay"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// A .env is only present in local development; inside the container
	// the orchestrator injects everything.
	_ = godotenv.Load()

	cfg, err := config.ProxyFromEnv()
	if err != nil {
		log.Fatalf("[main] Invalid proxy configuration: %v", err)
	}

	log.Printf("[main] Proxy starting — protocol: %s, target: %s:%d, listen: :%d",
		cfg.Protocol, cfg.TargetHost, cfg.TargetPort, cfg.ListenPort)

	waker := relay.NewWaker(cfg.WebhookURL, cfg.ServerID, cfg.WebhookToken, cfg.RetryInterval)

	server := relay.NewServer(relay.Options{
		TargetHost:    cfg.TargetHost,
		TargetPort:    cfg.TargetPort,
		ListenPort:    cfg.ListenPort,
		Protocol:      cfg.Protocol,
		HoldTimeout:   cfg.HoldTimeout,
		RetryInterval: cfg.RetryInterval,
		Waker:         waker,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("[main] Failed to start relay: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("[main] Relay stop error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
