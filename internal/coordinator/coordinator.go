// Package coordinator implements wake-request deduplication via Redis.
// Under a cold-connect burst every proxy session may fire its own wake
// webhook; the coordinator collapses those into one orchestrator start
// per dedup window. When Redis is unavailable it degrades to an
// in-process map so wakes are never blocked on Redis — the orchestrator
// wake is idempotent, dedup is only an optimisation.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/metrics"
)

// keyWake is the dedup key pattern per server.
const keyWake = "wakegate:server:%d:waking"

// WakeCoordinator deduplicates wake requests per server.
type WakeCoordinator struct {
	client redis.UniversalClient
	ttl    time.Duration

	// fallback tracks whether Redis is unavailable and we are in local mode.
	fallbackMode atomic.Bool

	// fallbackWakes tracks local dedup timestamps per server in fallback mode.
	fallbackMu    sync.Mutex
	fallbackWakes map[int64]time.Time
}

// New creates and initializes the wake coordinator. With fallback
// enabled, an unreachable Redis is tolerated and local mode is used.
func New(ctx context.Context, cfg *config.Config) (*WakeCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	wc := &WakeCoordinator{
		client:        client,
		ttl:           cfg.Redis.WakeDedupTTL,
		fallbackWakes: make(map[int64]time.Time),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			wc.fallbackMode.Store(true)
			metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
			return wc, nil
		}
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	return wc, nil
}

// ClaimWake reports whether the caller should forward this wake to the
// orchestrator. The first claim per server within the dedup window wins;
// later claims are duplicates. Duplicates are safe to forward anyway
// (wake is idempotent), so Redis errors degrade to claiming.
func (wc *WakeCoordinator) ClaimWake(ctx context.Context, serverID int64) bool {
	if wc.fallbackMode.Load() {
		return wc.claimFallback(serverID)
	}

	key := fmt.Sprintf(keyWake, serverID)
	ok, err := wc.client.SetNX(ctx, key, 1, wc.ttl).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("claim_wake", "error").Inc()
		wc.enterFallback()
		return wc.claimFallback(serverID)
	}
	metrics.RedisOperations.WithLabelValues("claim_wake", "ok").Inc()
	return ok
}

// ReleaseWake clears the dedup window for a server, so a follow-up wake
// (e.g. after a hibernate) is forwarded immediately.
func (wc *WakeCoordinator) ReleaseWake(ctx context.Context, serverID int64) {
	if wc.fallbackMode.Load() {
		wc.fallbackMu.Lock()
		delete(wc.fallbackWakes, serverID)
		wc.fallbackMu.Unlock()
		return
	}

	key := fmt.Sprintf(keyWake, serverID)
	if err := wc.client.Del(ctx, key).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("release_wake", "error").Inc()
		return
	}
	metrics.RedisOperations.WithLabelValues("release_wake", "ok").Inc()
}

// IsFallback returns true when the coordinator is in local mode.
func (wc *WakeCoordinator) IsFallback() bool {
	return wc.fallbackMode.Load()
}

// Ping checks Redis connectivity, for health checks.
func (wc *WakeCoordinator) Ping(ctx context.Context) error {
	return wc.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (wc *WakeCoordinator) Close() error {
	return wc.client.Close()
}

func (wc *WakeCoordinator) enterFallback() {
	if wc.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] Entering fallback mode (local wake dedup)")
	}
}

// ExitFallback tries to reconnect to Redis and leave local mode.
func (wc *WakeCoordinator) ExitFallback(ctx context.Context) error {
	if err := wc.client.Ping(ctx).Err(); err != nil {
		return err
	}
	wc.fallbackMode.Store(false)
	log.Printf("[coordinator] Exited fallback mode, Redis reconnected")
	return nil
}

func (wc *WakeCoordinator) claimFallback(serverID int64) bool {
	wc.fallbackMu.Lock()
	defer wc.fallbackMu.Unlock()

	now := time.Now()
	if last, ok := wc.fallbackWakes[serverID]; ok && now.Sub(last) < wc.ttl {
		return false
	}
	wc.fallbackWakes[serverID] = now
	return true
}
